// Package importer keeps drop-folder collections in step with the .ics files
// under a directory. Each subdirectory is one collection and the files in it
// are the whole truth for that collection.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/starford/kalendae/internal/apperr"
	"github.com/starford/kalendae/internal/calendar"
	"github.com/starford/kalendae/internal/checksum"
	"github.com/starford/kalendae/internal/ics"
	"github.com/starford/kalendae/internal/metrics"
	"github.com/starford/kalendae/internal/models"
	"github.com/starford/kalendae/internal/storage"
)

// EventCallback is called after a file changed the store. kind is one of
// "imported", "removed".
type EventCallback func(kind string, path string)

// Config configures an Importer.
type Config struct {
	// CollectionPrefix is prepended to each subdirectory path to form the
	// collection path: with "/import", alice/x.ics lands in /import/alice.
	CollectionPrefix string
	Logger           *slog.Logger
	OnChange         EventCallback
}

type fileState struct {
	checksum string
	colPath  string
	uids     []string
}

// Importer applies drop-folder files to the calendar engine.
type Importer struct {
	svc    *calendar.Service
	store  storage.Provider
	prefix string
	logger *slog.Logger
	cb     EventCallback

	mu    sync.Mutex
	known map[string]fileState // by relative path
}

// New creates an Importer reading files from store.
func New(svc *calendar.Service, store storage.Provider, cfg Config) *Importer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := strings.Trim(cfg.CollectionPrefix, "/")
	if prefix != "" {
		prefix = "/" + prefix
	}
	return &Importer{
		svc:    svc,
		store:  store,
		prefix: prefix,
		logger: logger,
		cb:     cfg.OnChange,
		known:  make(map[string]fileState),
	}
}

// Collection maps a file's relative path to its collection. Files directly
// in the root belong to no collection.
func (im *Importer) Collection(rel string) (string, bool) {
	dir := path.Dir(strings.ReplaceAll(rel, "\\", "/"))
	if dir == "." || dir == "/" {
		return "", false
	}
	return im.prefix + "/" + dir, true
}

// Sync walks the folder and brings the store up to date:
//   - new and changed files are imported
//   - files that disappeared since the last pass have their events tombstoned
//   - live events in a folder collection that no file defines are tombstoned
func (im *Importer) Sync(ctx context.Context) error {
	metas, err := im.store.List("")
	if err != nil {
		return err
	}

	disk := make(map[string]bool, len(metas))
	cols := make(map[string]map[string]bool)
	incomplete := make(map[string]bool)
	for _, m := range metas {
		disk[m.Path] = true
		if err := im.ImportFile(ctx, m.Path); err != nil {
			im.logger.Warn("importer: import failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			if col, ok := im.Collection(m.Path); ok {
				incomplete[col] = true
			}
		}
		im.mu.Lock()
		st, ok := im.known[m.Path]
		im.mu.Unlock()
		if !ok {
			continue
		}
		if cols[st.colPath] == nil {
			cols[st.colPath] = make(map[string]bool)
		}
		for _, uid := range st.uids {
			cols[st.colPath][uid] = true
		}
	}

	im.mu.Lock()
	var gone []string
	for p := range im.known {
		if !disk[p] {
			gone = append(gone, p)
		}
	}
	im.mu.Unlock()
	for _, p := range gone {
		im.RemoveFile(ctx, p)
	}

	for col, uids := range cols {
		if !incomplete[col] {
			im.pruneCollection(ctx, col, uids)
		}
	}
	return nil
}

// ImportFile reads rel and applies every object in it. Unchanged content is
// skipped; uids the file no longer defines are tombstoned.
func (im *Importer) ImportFile(ctx context.Context, rel string) error {
	col, ok := im.Collection(rel)
	if !ok {
		metrics.ImportedFiles.WithLabelValues("failed").Inc()
		return fmt.Errorf("importer: %s is not inside a collection directory", rel)
	}
	data, err := im.store.Read(rel)
	if err != nil {
		metrics.ImportedFiles.WithLabelValues("failed").Inc()
		return err
	}
	sum := checksum.Sum(data)

	im.mu.Lock()
	prev, seen := im.known[rel]
	im.mu.Unlock()
	if seen && prev.checksum == sum {
		metrics.ImportedFiles.WithLabelValues("unchanged").Inc()
		return nil
	}

	objs, err := ics.Decode(bytes.NewReader(data), col)
	if err != nil {
		metrics.ImportedFiles.WithLabelValues("failed").Inc()
		return err
	}
	if len(objs) == 1 {
		objs[0].Master.Name = path.Base(rel)
	}

	st := fileState{checksum: sum, colPath: col}
	var errs []error
	for _, obj := range objs {
		out, err := ics.Apply(ctx, im.svc, obj)
		if err != nil {
			errs = append(errs, fmt.Errorf("uid %s: %w", obj.Master.UID, err))
			continue
		}
		st.uids = append(st.uids, obj.Master.UID)
		if len(out.Failed) > 0 {
			im.logger.Warn("importer: occurrences rejected",
				slog.String("path", rel),
				slog.String("uid", obj.Master.UID),
				slog.Int("count", len(out.Failed)))
		}
	}

	if seen {
		for _, uid := range prev.uids {
			if !slices.ContainsFunc(objs, func(o ics.Object) bool { return o.Master.UID == uid }) {
				im.tombstone(ctx, col, uid)
			}
		}
	}
	if len(errs) > 0 {
		st.checksum = "" // retried on the next pass
	}

	im.mu.Lock()
	im.known[rel] = st
	im.mu.Unlock()

	if len(errs) > 0 {
		metrics.ImportedFiles.WithLabelValues("failed").Inc()
		return errors.Join(errs...)
	}
	metrics.ImportedFiles.WithLabelValues("imported").Inc()
	im.logger.Debug("importer: imported",
		slog.String("path", rel),
		slog.String("collection", col),
		slog.String("checksum", checksum.Short(sum)),
		slog.Int("events", len(st.uids)))
	if im.cb != nil {
		im.cb("imported", rel)
	}
	return nil
}

// RemoveFile tombstones the events last imported from rel.
func (im *Importer) RemoveFile(ctx context.Context, rel string) {
	im.mu.Lock()
	st, ok := im.known[rel]
	delete(im.known, rel)
	im.mu.Unlock()
	if !ok {
		return
	}
	for _, uid := range st.uids {
		im.tombstone(ctx, st.colPath, uid)
	}
	metrics.ImportedFiles.WithLabelValues("removed").Inc()
	im.logger.Debug("importer: removed", slog.String("path", rel), slog.Int("events", len(st.uids)))
	if im.cb != nil {
		im.cb("removed", rel)
	}
}

// Known returns the relative paths imported so far.
func (im *Importer) Known() []string {
	im.mu.Lock()
	defer im.mu.Unlock()
	out := make([]string, 0, len(im.known))
	for p := range im.known {
		out = append(out, p)
	}
	return out
}

func (im *Importer) tombstone(ctx context.Context, col, uid string) {
	rs, err := im.svc.GetByKey(ctx, calendar.KeyQuery{ColPath: col, UID: uid})
	if errors.Is(err, apperr.ErrNotFound) {
		return
	}
	if err != nil {
		im.logger.Warn("importer: lookup failed", slog.String("uid", uid), slog.String("error", err.Error()))
		return
	}
	for _, r := range rs.Results {
		m := &models.Master{ID: r.Master.ID}
		if _, err := im.svc.DeleteMaster(ctx, m, false); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			im.logger.Warn("importer: tombstone failed", slog.String("uid", uid), slog.String("error", err.Error()))
		}
	}
}

// pruneCollection tombstones live masters in col that no file defines.
func (im *Importer) pruneCollection(ctx context.Context, col string, uids map[string]bool) {
	rs, err := im.svc.GetByRange(ctx, calendar.RangeQuery{ColPaths: []string{col}, Mode: models.ModeMaster})
	if err != nil {
		im.logger.Warn("importer: prune lookup failed", slog.String("collection", col), slog.String("error", err.Error()))
		return
	}
	for _, r := range rs.Results {
		if uids[r.Master.UID] {
			continue
		}
		if _, err := im.svc.DeleteMaster(ctx, &models.Master{ID: r.Master.ID}, false); err != nil {
			im.logger.Warn("importer: prune failed", slog.String("uid", r.Master.UID), slog.String("error", err.Error()))
			continue
		}
		im.logger.Info("importer: pruned orphan", slog.String("collection", col), slog.String("uid", r.Master.UID))
	}
}
