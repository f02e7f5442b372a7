package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/metrics"
	"github.com/starford/kalendae/internal/models"
	"github.com/starford/kalendae/internal/store"
)

// Result is one entry of a result set: a master (master mode), a master
// with its complete override set (overrides mode) or one resolved
// occurrence (expanded mode).
type Result struct {
	Master    *models.Master
	Overrides []*models.Override
	Proxy     *models.Proxy
	// Access is the opaque token returned by the access checker.
	Access string
}

// Key is the stable identity of the result.
func (r Result) Key() models.OccurrenceKey {
	if r.Proxy != nil && r.Master.Recurring {
		return models.OccurrenceKey{MasterID: r.Master.ID, RecurrenceID: r.Proxy.Occurrence()}
	}
	return models.OccurrenceKey{MasterID: r.Master.ID}
}

// Item returns the proxy when there is one, the master otherwise.
func (r Result) Item() models.Item {
	if r.Proxy != nil {
		return r.Proxy
	}
	return r.Master
}

// ResultSet holds results keyed by occurrence identity, ordered by key.
type ResultSet struct {
	Mode    models.Mode
	Results []Result
}

// Len returns the number of results.
func (rs ResultSet) Len() int { return len(rs.Results) }

// Keys returns the result identities in order.
func (rs ResultSet) Keys() []models.OccurrenceKey {
	out := make([]models.OccurrenceKey, len(rs.Results))
	for i, r := range rs.Results {
		out[i] = r.Key()
	}
	return out
}

type resultBuilder struct {
	mode models.Mode
	seen map[models.OccurrenceKey]bool
	out  []Result
}

func newResultBuilder(mode models.Mode) *resultBuilder {
	return &resultBuilder{mode: mode, seen: make(map[models.OccurrenceKey]bool)}
}

func (b *resultBuilder) add(r Result) {
	k := r.Key()
	if b.seen[k] {
		return
	}
	b.seen[k] = true
	b.out = append(b.out, r)
}

func (b *resultBuilder) set() ResultSet {
	slices.SortFunc(b.out, func(x, y Result) int {
		kx, ky := x.Key(), y.Key()
		switch {
		case kx.Less(ky):
			return -1
		case ky.Less(kx):
			return 1
		}
		return 0
	})
	return ResultSet{Mode: b.mode, Results: b.out}
}

// permitted drops the masters the caller may not see. With definite set a
// denial fails the query instead.
func (s *Service) permitted(ctx context.Context, masters []*models.Master, priv models.Privilege, definite bool) ([]*models.Master, map[string]string, error) {
	tokens := make(map[string]string, len(masters))
	out := masters[:0:0]
	for _, m := range masters {
		if definite {
			d, err := s.require(ctx, m, priv)
			if err != nil {
				return nil, nil, err
			}
			tokens[m.ID] = d.Token
			out = append(out, m)
			continue
		}
		d, err := s.allowed(ctx, m, priv)
		if err != nil {
			return nil, nil, err
		}
		if d.Allowed {
			tokens[m.ID] = d.Token
			out = append(out, m)
		}
	}
	return out, tokens, nil
}

func masterIDs(masters []*models.Master) []string {
	out := make([]string, len(masters))
	for i, m := range masters {
		out[i] = m.ID
	}
	return out
}

// KeyQuery looks items up by uid.
type KeyQuery struct {
	// ColPath restricts the lookup to one collection when set.
	ColPath string
	UID     string
	// RecurrenceID selects a single occurrence, resolved as a proxy.
	RecurrenceID      models.RecurrenceID
	Mode              models.Mode
	IncludeTombstoned bool
	// Definite turns an access denial into apperr.ErrAccessDenied.
	Definite bool
}

// GetByKey returns the items with the given uid in the requested mode.
func (s *Service) GetByKey(ctx context.Context, q KeyQuery) (ResultSet, error) {
	if q.UID == "" {
		return ResultSet{}, fmt.Errorf("%w: uid is required", apperr.ErrInvalidInput)
	}
	start := time.Now()
	b := newResultBuilder(q.Mode)
	err := s.read(ctx, func(tx store.Tx) error {
		f := store.Filter{UID: q.UID, IncludeTombstoned: q.IncludeTombstoned}
		if q.ColPath != "" {
			f.ColPaths = []string{q.ColPath}
		}
		found, err := tx.FindMasters(ctx, f)
		if err != nil {
			return err
		}
		masters, tokens, err := s.permitted(ctx, found, models.PrivilegeRead, q.Definite)
		if err != nil {
			return err
		}
		res, err := newResolver(ctx, tx, masterIDs(masters))
		if err != nil {
			return err
		}
		for _, m := range masters {
			if q.RecurrenceID != "" {
				p, err := s.occurrence(ctx, tx, res, m, q.RecurrenceID)
				if errors.Is(err, apperr.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				b.add(Result{Master: m, Proxy: p, Access: tokens[m.ID]})
				continue
			}
			if err := s.emit(ctx, tx, b, res, m, tokens[m.ID], q.IncludeTombstoned); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ResultSet{}, err
	}
	rs := b.set()
	if rs.Len() == 0 {
		if q.RecurrenceID != "" {
			return rs, fmt.Errorf("%w: %s occurrence %s", apperr.ErrNotFound, q.UID, q.RecurrenceID)
		}
		return rs, fmt.Errorf("%w: uid %s", apperr.ErrNotFound, q.UID)
	}
	metrics.RecordQuery("by_key", q.Mode.String(), rs.Len(), time.Since(start))
	return rs, nil
}

// Master returns the stored master with id, tombstones included, after a
// read check.
func (s *Service) Master(ctx context.Context, id string) (*models.Master, error) {
	var m *models.Master
	err := s.read(ctx, func(tx store.Tx) error {
		var err error
		m, err = tx.GetMaster(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if _, err := s.require(ctx, m, models.PrivilegeRead); err != nil {
		return nil, err
	}
	return m, nil
}

// occurrence resolves one occurrence of m.
func (s *Service) occurrence(ctx context.Context, tx store.Tx, res *resolver, m *models.Master, rid models.RecurrenceID) (*models.Proxy, error) {
	if !m.Recurring {
		if m.Tombstoned || models.RecurrenceIDFor(m.Start) != rid {
			return nil, fmt.Errorf("%w: occurrence %s", apperr.ErrNotFound, rid)
		}
		return res.single(m), nil
	}
	inst, err := tx.FindInstance(ctx, m.ID, rid)
	if err != nil {
		return nil, err
	}
	return res.instance(m, inst), nil
}

// emit adds m to b in b's mode, expanding every occurrence.
func (s *Service) emit(ctx context.Context, tx store.Tx, b *resultBuilder, res *resolver, m *models.Master, token string, withTombstones bool) error {
	switch {
	case b.mode == models.ModeMaster || m.Tombstoned:
		b.add(Result{Master: m, Access: token})
	case b.mode == models.ModeOverrides:
		b.add(Result{Master: m, Overrides: res.overrides(m, withTombstones), Access: token})
	case !m.Recurring:
		b.add(Result{Master: m, Proxy: res.single(m), Access: token})
	default:
		insts, err := tx.FindInstances(ctx, store.Filter{MasterIDs: []string{m.ID}})
		if err != nil {
			return err
		}
		for _, inst := range insts {
			b.add(Result{Master: m, Proxy: res.instance(m, inst), Access: token})
		}
	}
	return nil
}

// RangeQuery selects items overlapping [From, To) in a set of collections.
type RangeQuery struct {
	ColPaths []string
	// Filter is applied to the master and to every in-window occurrence;
	// a master is included when any of them matches.
	Filter ContentFilter
	From   *time.Time
	To     *time.Time
	// Location maps the window onto floating times; UTC when nil.
	Location *time.Location
	Mode     models.Mode
	// FreeBusy checks the free/busy privilege instead of read and forces
	// expanded mode.
	FreeBusy bool
}

// GetByRange runs the two-pass range query. Pass one finds non-recurring
// masters and overrides in the window; pass two finds instances in the
// window and pools their masters, whose own stored times are usually
// outside it.
func (s *Service) GetByRange(ctx context.Context, q RangeQuery) (ResultSet, error) {
	mode, priv := q.Mode, models.PrivilegeRead
	if q.FreeBusy {
		mode, priv = models.ModeExpanded, models.PrivilegeReadFreeBusy
	}
	if q.From != nil && q.To != nil && !q.From.Before(*q.To) {
		return ResultSet{}, fmt.Errorf("%w: empty time range", apperr.ErrInvalidInput)
	}
	var window *models.TimeRange
	if q.From != nil || q.To != nil {
		window = &models.TimeRange{From: q.From, To: q.To, Location: q.Location}
	}

	start := time.Now()
	b := newResultBuilder(mode)
	err := s.read(ctx, func(tx store.Tx) error {
		pool := make(map[string]*models.Master)
		instHits := make(map[string][]*models.Instance)
		overrideHits := make(map[string][]*models.Override)
		var missing []string
		want := func(id string) {
			if _, ok := pool[id]; !ok && !slices.Contains(missing, id) {
				missing = append(missing, id)
			}
		}

		// Pass one.
		f := store.Filter{ColPaths: q.ColPaths, Window: window}
		if window != nil {
			f.Recurring = new(bool)
		}
		singles, err := tx.FindMasters(ctx, f)
		if err != nil {
			return err
		}
		for _, m := range singles {
			pool[m.ID] = m
		}
		if window != nil {
			ovs, err := tx.FindOverrides(ctx, store.Filter{ColPaths: q.ColPaths, Window: window})
			if err != nil {
				return err
			}
			for _, o := range ovs {
				overrideHits[o.MasterID] = append(overrideHits[o.MasterID], o)
				want(o.MasterID)
			}
		}

		// Pass two.
		insts, err := tx.FindInstances(ctx, store.Filter{ColPaths: q.ColPaths, Window: window})
		if err != nil {
			return err
		}
		for _, inst := range insts {
			instHits[inst.MasterID] = append(instHits[inst.MasterID], inst)
			want(inst.MasterID)
		}
		if len(missing) > 0 {
			more, err := tx.FindMasters(ctx, store.Filter{MasterIDs: missing})
			if err != nil {
				return err
			}
			for _, m := range more {
				pool[m.ID] = m
			}
		}
		s.logger.Debug("query: range passes",
			slog.Int("singles", len(singles)),
			slog.Int("override_hits", len(overrideHits)),
			slog.Int("instance_hits", len(insts)),
			slog.Int("pooled", len(pool)))

		pooled := make([]*models.Master, 0, len(pool))
		for _, m := range pool {
			pooled = append(pooled, m)
		}
		slices.SortFunc(pooled, func(x, y *models.Master) int { return strings.Compare(x.ID, y.ID) })
		masters, tokens, err := s.permitted(ctx, pooled, priv, false)
		if err != nil {
			return err
		}
		res, err := newResolver(ctx, tx, masterIDs(masters))
		if err != nil {
			return err
		}

		for _, m := range masters {
			proxies := inWindow(res, m, instHits[m.ID], overrideHits[m.ID], window)
			if mode == models.ModeExpanded {
				for _, p := range proxies {
					if q.Filter == nil || q.Filter.Matches(p) {
						b.add(Result{Master: m, Proxy: p, Access: tokens[m.ID]})
					}
				}
				continue
			}
			if !matchesAny(q.Filter, m, proxies) {
				continue
			}
			r := Result{Master: m, Access: tokens[m.ID]}
			if mode == models.ModeOverrides {
				r.Overrides = res.overrides(m, false)
			}
			b.add(r)
		}
		return nil
	})
	if err != nil {
		return ResultSet{}, err
	}
	rs := b.set()
	metrics.RecordQuery("by_range", mode.String(), rs.Len(), time.Since(start))
	return rs, nil
}

// inWindow resolves the occurrences of m that put it in the result.
func inWindow(res *resolver, m *models.Master, insts []*models.Instance, hits []*models.Override, window *models.TimeRange) []*models.Proxy {
	if !m.Recurring {
		p := res.single(m)
		if window != nil && !window.Overlaps(p.Start(), p.End()) {
			return nil
		}
		return []*models.Proxy{p}
	}
	out := make([]*models.Proxy, 0, len(insts))
	seen := make(map[models.RecurrenceID]bool, len(insts))
	for _, inst := range insts {
		out = append(out, res.instance(m, inst))
		seen[inst.RecurrenceID] = true
	}
	for _, o := range hits {
		if seen[o.RecurrenceID] {
			continue
		}
		nominal, err := nominalPeriod(o.RecurrenceID, m.Duration())
		if err != nil {
			continue
		}
		out = append(out, &models.Proxy{Master: m, Override: pin(o, nominal)})
	}
	return out
}

func matchesAny(f ContentFilter, m *models.Master, proxies []*models.Proxy) bool {
	if f == nil || f.Matches(m) {
		return true
	}
	for _, p := range proxies {
		if f.Matches(p) {
			return true
		}
	}
	return false
}

// SyncResult is the answer to GetSince.
type SyncResult struct {
	Results ResultSet
	// Token is the position to pass to the next GetSince call.
	Token models.SyncToken
}

// GetSince returns the items of colPath modified after token in overrides
// mode, tombstones included. The empty token starts a full sync of live
// items.
func (s *Service) GetSince(ctx context.Context, colPath string, token models.SyncToken) (SyncResult, error) {
	since, err := token.Seq()
	if err != nil {
		return SyncResult{}, err
	}
	start := time.Now()
	var out SyncResult
	b := newResultBuilder(models.ModeOverrides)
	err = s.read(ctx, func(tx store.Tx) error {
		cur, err := tx.CurrentSeq(ctx)
		if err != nil {
			return err
		}
		watermark, err := tx.PurgeWatermark(ctx)
		if err != nil {
			return err
		}
		if since > cur {
			return fmt.Errorf("%w: %s is ahead of the store", apperr.ErrBadSyncToken, token)
		}
		if since > 0 && since < watermark {
			return fmt.Errorf("%w: %s predates purged tombstones", apperr.ErrBadSyncToken, token)
		}
		found, err := tx.FindMasters(ctx, store.Filter{
			ColPaths:          []string{colPath},
			SinceSeq:          since,
			IncludeTombstoned: since > 0,
		})
		if err != nil {
			return err
		}
		masters, tokens, err := s.permitted(ctx, found, models.PrivilegeRead, false)
		if err != nil {
			return err
		}
		res, err := newResolver(ctx, tx, masterIDs(masters))
		if err != nil {
			return err
		}
		for _, m := range masters {
			if err := s.emit(ctx, tx, b, res, m, tokens[m.ID], true); err != nil {
				return err
			}
		}
		out.Token = models.TokenFor(cur)
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}
	out.Results = b.set()
	metrics.RecordQuery("since", models.ModeOverrides.String(), out.Results.Len(), time.Since(start))
	return out, nil
}
