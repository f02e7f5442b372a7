// Package storage defines the drop-folder file-system abstraction used to
// exchange .ics files.
package storage

import (
	"errors"
	"path"
	"strings"
	"time"
)

// CalendarExt is the extension of calendar files.
const CalendarExt = ".ics"

// MaxFileSize caps a single calendar file.
const MaxFileSize = 10 << 20

var (
	ErrOutsideRoot = errors.New("storage: path escapes the folder")
	ErrNotCalendar = errors.New("storage: not a calendar file")
	ErrTooLarge    = errors.New("storage: calendar file too large")
)

// FileMeta describes one calendar file in the folder.
type FileMeta struct {
	Path      string // relative to the folder root, slash separated
	Checksum  string // SHA-256 of the content
	Size      int64
	UpdatedAt time.Time
}

// Provider is the interface for drop-folder file operations.
type Provider interface {
	// List returns metadata for every calendar file under dir (relative to
	// the root), sorted by path. Hidden files and directories are skipped.
	List(dir string) ([]FileMeta, error)
	// Read returns the raw bytes of the file at path (relative to the root).
	Read(path string) ([]byte, error)
	// Write atomically replaces the calendar file at path (relative to the
	// root), creating parent directories.
	Write(path string, content []byte) error
}

// IsCalendar reports whether name carries the calendar extension, in any
// case.
func IsCalendar(name string) bool {
	return strings.EqualFold(path.Ext(name), CalendarExt)
}

// Hidden reports whether a file or directory name is skipped by List.
// Editors and Write keep their temp files under dot names.
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
