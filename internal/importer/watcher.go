package importer

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/kalendae/internal/storage"
)

const settleDelay = 200 * time.Millisecond

// Watch starts an fsnotify watcher on root and applies file changes until
// ctx is cancelled. root must be the directory the importer's provider
// reads from.
//
// New directories created at runtime are added to the watch list and their
// files imported. Rename events trigger a short debounced Sync so a file
// moved between collections is removed from one and imported into the other.
func (im *Importer) Watch(ctx context.Context, root string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	im.logger.Info("importer: watching", slog.String("root", root))

	var syncTimer *time.Timer
	var syncCh <-chan time.Time

	scheduleSync := func() {
		if syncTimer == nil {
			syncTimer = time.NewTimer(settleDelay)
			syncCh = syncTimer.C
		} else {
			syncTimer.Reset(settleDelay)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if syncTimer != nil {
				syncTimer.Stop()
			}
			im.logger.Info("importer: stopped")
			return nil

		case <-syncCh:
			if err := im.Sync(ctx); err != nil {
				im.logger.Warn("importer: sync failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			absPath := ev.Name
			if storage.Hidden(filepath.Base(absPath)) {
				continue
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(absPath); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, absPath); addErr != nil {
						im.logger.Warn("importer: add new dir failed",
							slog.String("path", absPath),
							slog.String("error", addErr.Error()))
					}
					im.importDir(ctx, root, absPath)
					continue
				}
			}

			if !storage.IsCalendar(absPath) {
				continue
			}
			rel, relErr := filepath.Rel(root, absPath)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if err := im.ImportFile(ctx, rel); err != nil {
					im.logger.Warn("importer: import failed", slog.String("path", rel), slog.String("error", err.Error()))
				}

			case ev.Op&fsnotify.Remove != 0:
				im.RemoveFile(ctx, rel)

			case ev.Op&fsnotify.Rename != 0:
				// fsnotify reports only the old path; the new one arrives
				// as a Create if it stays under a watched directory.
				im.RemoveFile(ctx, rel)
				scheduleSync()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			im.logger.Error("importer: watch error", slog.String("error", watchErr.Error()))
		}
	}
}

// importDir imports the calendar files already present in a new directory.
func (im *Importer) importDir(ctx context.Context, root, dirPath string) {
	_ = filepath.WalkDir(dirPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !storage.IsCalendar(p) {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		if err := im.ImportFile(ctx, filepath.ToSlash(rel)); err != nil {
			im.logger.Warn("importer: import failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
		return nil
	})
}

// addDirsRecursive adds root and all its non-hidden subdirectories to the
// watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && storage.Hidden(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
