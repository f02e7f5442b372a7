package models

import (
	"fmt"

	"github.com/starford/kalendae/internal/apperr"
)

// Item is the capability set shared by every representation the engine
// returns: masters, and proxies over one occurrence.
type Item interface {
	MasterKey() string
	Occurrence() RecurrenceID
	IsOverride() bool
	Value(f Field) (string, bool)
}

var (
	_ Item = (*Master)(nil)
	_ Item = (*Proxy)(nil)
)

// MasterKey implements Item.
func (m *Master) MasterKey() string { return m.ID }

// Occurrence implements Item; a master is never a single occurrence.
func (m *Master) Occurrence() RecurrenceID { return "" }

// IsOverride implements Item.
func (m *Master) IsOverride() bool { return false }

// Proxy is a read-only merge of a master with zero or one override. It is
// never persisted.
type Proxy struct {
	Master   *Master
	Override *Override
}

// MasterKey implements Item.
func (p *Proxy) MasterKey() string { return p.Master.ID }

// Occurrence implements Item.
func (p *Proxy) Occurrence() RecurrenceID {
	if p.Override == nil {
		return ""
	}
	return p.Override.RecurrenceID
}

// IsOverride reports whether the proxy wraps a stored, real override.
func (p *Proxy) IsOverride() bool {
	return p.Override != nil && p.Override.IsOverride && !p.Override.Transient
}

// Transient reports whether the override layer was synthesized.
func (p *Proxy) Transient() bool {
	return p.Override != nil && p.Override.Transient
}

// Key returns the occurrence identity of the proxy.
func (p *Proxy) Key() OccurrenceKey {
	return OccurrenceKey{MasterID: p.Master.ID, RecurrenceID: p.Occurrence()}
}

// Value implements Item: the override layer wins, the master fills gaps.
func (p *Proxy) Value(f Field) (string, bool) {
	if p.Override != nil {
		if v, ok := p.Override.Value(f); ok {
			return v, true
		}
	}
	return p.Master.Value(f)
}

// Require is Value for schema-required fields; a missing required field is
// an error, a missing optional one is the empty string.
func (p *Proxy) Require(f Field) (string, error) {
	v, ok := p.Value(f)
	if !ok && f.Required() {
		return "", fmt.Errorf("%w: %s missing on %s", apperr.ErrInvalidInput, f, p.Key())
	}
	return v, nil
}

// Start is the effective start of the occurrence.
func (p *Proxy) Start() DateTime {
	if p.Override != nil && p.Override.Start != nil {
		return *p.Override.Start
	}
	return p.Master.Start
}

// End is the effective end of the occurrence.
func (p *Proxy) End() DateTime {
	if p.Override != nil && p.Override.End != nil {
		return *p.Override.End
	}
	return p.Master.End
}

// Summary is the effective summary.
func (p *Proxy) Summary() string {
	v, _ := p.Value(FieldSummary)
	return v
}

// Status is the effective status.
func (p *Proxy) Status() Status {
	v, _ := p.Value(FieldStatus)
	return Status(v)
}

// Transparency is the effective transparency.
func (p *Proxy) Transparency() Transparency {
	v, _ := p.Value(FieldTransparency)
	return Transparency(v)
}
