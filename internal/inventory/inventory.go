// Package inventory defines how tabstream sees the host application's
// open tabs: a Provider that can enumerate them and resolve their
// renderer process, plus a stream of change notifications.
package inventory

import (
	"context"
	"errors"
)

var (
	// ErrInventoryUnavailable means the tab list itself could not be
	// enumerated. The trigger that asked for it is skipped.
	ErrInventoryUnavailable = errors.New("inventory unavailable")

	// ErrAttributeResolutionFailed means an optional per-tab attribute
	// could not be resolved. Only that attribute is omitted.
	ErrAttributeResolutionFailed = errors.New("attribute resolution failed")
)

// Entity is a tab as enumerated by a Provider, before optional
// attributes are resolved.
type Entity struct {
	ID       int64
	URL      string
	Title    string
	WindowID int64
}

// Provider enumerates tabs. Implementations must be safe for concurrent
// use: ResolveProcessID is called for every entity in parallel.
type Provider interface {
	ListEntities(ctx context.Context) ([]Entity, error)
	ResolveProcessID(ctx context.Context, id int64) (int64, error)
}

// ChangeKind is the kind of inventory change a provider observed.
type ChangeKind int

const (
	Created ChangeKind = iota
	Updated
	Removed
	Activated
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Activated:
		return "activated"
	default:
		return "unknown"
	}
}

// Change is a single observed inventory change.
type Change struct {
	Kind  ChangeKind
	TabID int64
}

// ChangeSource is implemented by providers that can push change
// notifications. The channel is never closed while the source is live.
type ChangeSource interface {
	Changes() <-chan Change
}
