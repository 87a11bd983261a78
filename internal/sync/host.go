package sync

import (
	"errors"

	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
)

// ControllerFuncs are the host callbacks for an input-driven object.
// CollectInput samples the local input devices into buf; ApplyInput
// feeds a (possibly replayed) input buffer back into the host state.
type ControllerFuncs struct {
	CollectInput func(buf *databuffer.Buffer, delta float64)
	ApplyInput   func(buf *databuffer.Buffer, delta float64)
}

// Host is the application-side scene graph the engine synchronizes.
// All calls happen on the simulation goroutine.
type Host interface {
	// FetchAppObject resolves a stable object name to a handle.
	FetchAppObject(name string) (uint64, bool)
	// ObjectName is the reverse mapping.
	ObjectName(handle uint64) string

	GetVariable(handle uint64, name string) core.Variant
	SetVariable(handle uint64, name string, value core.Variant)

	// Compare is the host equality predicate, e.g. with a float
	// tolerance.
	Compare(a, b core.Variant) bool

	// ExtractController reports whether the object is input-driven
	// and returns its input callbacks.
	ExtractController(handle uint64) (ControllerFuncs, bool)

	// UpdateNodesRelevancy lets the server application re-partition
	// sync groups.
	UpdateNodesRelevancy()

	// SnapshotCustomData supplies opaque per-group application data
	// for outgoing snapshots.
	SnapshotCustomData(groupID core.SyncGroupID) (core.Variant, bool)
	// SetSnapshotCustomData delivers received custom data.
	SetSnapshotCustomData(value core.Variant)
}

var (
	// ErrGlobalGroupReadOnly is returned for membership mutations of
	// group 0.
	ErrGlobalGroupReadOnly = errors.New("sync: the global sync group is read only")
	// ErrUnknownGroup is returned for out-of-range group ids.
	ErrUnknownGroup = errors.New("sync: unknown sync group")
	// ErrUnknownPeer is returned when a peer id has no session.
	ErrUnknownPeer = errors.New("sync: unknown peer")
	// ErrServerOnly marks operations valid only on the authority.
	ErrServerOnly = errors.New("sync: operation is server only")
	// ErrAlreadyRegistered reports a double object registration.
	ErrAlreadyRegistered = errors.New("sync: object already registered")
	// ErrUnknownObject reports a host name the host cannot resolve.
	ErrUnknownObject = errors.New("sync: host cannot resolve object")
)
