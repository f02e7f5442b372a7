package store

import (
	"strings"
	"time"

	"github.com/starford/kalendae/internal/models"
)

// buildInClause returns "?,?,?" for items together with the bound args.
func buildInClause(items []string) (string, []any) {
	placeholders := make([]string, len(items))
	args := make([]any, len(items))
	for i, item := range items {
		placeholders[i] = "?"
		args[i] = item
	}
	return strings.Join(placeholders, ","), args
}

// conditions accumulates ANDed SQL fragments and their args.
type conditions struct {
	parts []string
	args  []any
}

func (c *conditions) add(cond string, args ...any) {
	c.parts = append(c.parts, cond)
	c.args = append(c.args, args...)
}

func (c *conditions) in(col string, items []string) {
	ph, args := buildInClause(items)
	c.add(col+" IN ("+ph+")", args...)
}

func (c *conditions) where() string {
	if len(c.parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.parts, " AND ")
}

// build compiles f for a query over the table aliased row. Master
// conditions always target alias m; for the masters table row is m too.
func (f Filter) build(row string, occurrence bool) conditions {
	var c conditions
	if len(f.ColPaths) > 0 {
		c.in("m.col_path", f.ColPaths)
	}
	if len(f.MasterIDs) > 0 {
		c.in("m.id", f.MasterIDs)
	}
	if f.UID != "" {
		c.add("m.uid = ?", f.UID)
	}
	if f.Name != "" {
		c.add("m.name = ?", f.Name)
	}
	if f.Recurring != nil {
		c.add("m.recurring = ?", boolInt(*f.Recurring))
	}
	switch {
	case f.OnlyTombstoned:
		c.add("m.tombstoned = 1")
	case !f.IncludeTombstoned:
		c.add("m.tombstoned = 0")
		if row == "o" {
			c.add("o.tombstoned = 0")
		}
	}
	if f.SinceSeq > 0 {
		c.add("m.seq > ?", f.SinceSeq)
	}
	if f.ModifiedBefore != nil {
		c.add("m.modified_at < ?", f.ModifiedBefore.UnixMilli())
	}
	if occurrence && f.RecurrenceID != "" {
		c.add(row+".recurrence_id = ?", string(f.RecurrenceID))
	}
	if f.Window != nil && f.Window.Bounded() {
		cond, args := windowCondition(row, *f.Window)
		c.add(cond, args...)
	}
	return c
}

// windowCondition matches rows whose [start, end) overlaps the window in
// either representation. Each row populates only the column pair of its
// own kind, so the other branch compares against NULL and drops out.
func windowCondition(alias string, w models.TimeRange) (string, []any) {
	floatFrom, floatTo := w.FloatingBounds()
	fixedFrom, fixedTo := w.FixedBounds()
	fc, fa := overlap(alias+".float_start", alias+".float_end", floatFrom, floatTo)
	xc, xa := overlap(alias+".fixed_start", alias+".fixed_end", fixedFrom, fixedTo)
	return "((" + fc + ") OR (" + xc + "))", append(fa, xa...)
}

func overlap(start, end string, from, to *time.Time) (string, []any) {
	lower := "(" + end + " > ? OR (" + start + " = " + end + " AND " + end + " >= ?))"
	switch {
	case from != nil && to != nil:
		return start + " < ? AND " + lower, []any{to.Unix(), from.Unix(), from.Unix()}
	case to != nil:
		return start + " < ?", []any{to.Unix()}
	default:
		return lower, []any{from.Unix(), from.Unix()}
	}
}
