package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/starford/kalendae/internal/apperr"
)

// Mode selects how much instance and override data a query resolves.
type Mode int

const (
	// ModeMaster returns each matching master once.
	ModeMaster Mode = iota
	// ModeOverrides returns each master with its complete override set.
	ModeOverrides
	// ModeExpanded returns one resolved proxy per occurrence.
	ModeExpanded
)

var modeNames = []string{"master", "overrides", "expanded"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses a mode name; the empty string means ModeMaster.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeMaster, nil
	}
	for i, n := range modeNames {
		if strings.EqualFold(n, s) {
			return Mode(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown mode %q", apperr.ErrInvalidInput, s)
}

// Privilege is the access right requested from the access checker.
type Privilege string

const (
	PrivilegeRead         Privilege = "read"
	PrivilegeWrite        Privilege = "write"
	PrivilegeReadFreeBusy Privilege = "read-free-busy"
)

const syncTokenPrefix = "seq-"

// SyncToken is an opaque, monotonically comparable sync position.
type SyncToken string

// TokenFor encodes a sequence value.
func TokenFor(seq int64) SyncToken {
	return SyncToken(syncTokenPrefix + strconv.FormatInt(seq, 10))
}

// Seq decodes the token. The empty token is position zero.
func (t SyncToken) Seq() (int64, error) {
	if t == "" {
		return 0, nil
	}
	s, ok := strings.CutPrefix(string(t), syncTokenPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", apperr.ErrBadSyncToken, string(t))
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", apperr.ErrBadSyncToken, string(t))
	}
	return n, nil
}

// NotificationKind classifies an engine change notification.
type NotificationKind string

const (
	NotifyAdded      NotificationKind = "added"
	NotifyUpdated    NotificationKind = "updated"
	NotifyDeleted    NotificationKind = "deleted"
	NotifyTombstoned NotificationKind = "tombstoned"
)

// Notification describes one committed change to a master.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	MasterID string           `json:"master_id"`
	ColPath  string           `json:"col_path"`
	UID      string           `json:"uid"`
	Seq      int64            `json:"seq"`
}

// BusyType classifies a free/busy interval.
type BusyType string

const (
	BusyTentative BusyType = "BUSY-TENTATIVE"
	Busy          BusyType = "BUSY"
)

// Rank orders busy types for tie-breaks; tentative sorts first.
func (b BusyType) Rank() int {
	if b == BusyTentative {
		return 0
	}
	return 1
}

// BusyPeriod is one consolidated free/busy interval.
type BusyPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Type  BusyType  `json:"type"`
}
