// Package synclog publishes structured events for the snapshot and
// recovery pipeline.
package synclog

import (
	"context"

	"scene-sync/engine/logging"
)

const (
	// EventSnapshotSent is emitted when a group snapshot is handed to the transport.
	EventSnapshotSent logging.EventType = "sync.snapshot_sent"
	// EventDesyncDetected is emitted when a client snapshot disagrees with the server.
	EventDesyncDetected logging.EventType = "sync.desync_detected"
	// EventRewindCompleted is emitted after a reset-and-replay recovery finishes.
	EventRewindCompleted logging.EventType = "sync.rewind_completed"
	// EventFullSnapshotRequested is emitted when a client asks for a full snapshot.
	EventFullSnapshotRequested logging.EventType = "sync.full_snapshot_requested"
	// EventStreamPaused is emitted when a controller's input stream runs dry.
	EventStreamPaused logging.EventType = "sync.stream_paused"
	// EventControllerReset is emitted when a controller transitions to a new role.
	EventControllerReset logging.EventType = "sync.controller_reset"
)

// SnapshotSentPayload captures the shape of one emitted snapshot.
type SnapshotSentPayload struct {
	Group   uint32 `json:"group"`
	Full    bool   `json:"full"`
	Bits    int    `json:"bits"`
	Objects int    `json:"objects"`
}

func SnapshotSent(ctx context.Context, pub logging.Publisher, tick uint64, peer logging.EntityRef, payload SnapshotSentPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSnapshotSent,
		Tick:     tick,
		Actor:    peer,
		Severity: logging.SeverityDebug,
		Category: logging.CategorySync,
		Payload:  payload,
	})
}

// DesyncPayload lists the variables that disagreed at one input id.
type DesyncPayload struct {
	InputID   uint32           `json:"inputId"`
	Objects   []string         `json:"objects"`
	Variables []DesyncVariable `json:"variables,omitempty"`
}

// DesyncVariable carries both sides of one diverged variable.
type DesyncVariable struct {
	Object string `json:"object"`
	Name   string `json:"name"`
	Client string `json:"client"`
	Server string `json:"server"`
}

func DesyncDetected(ctx context.Context, pub logging.Publisher, tick uint64, payload DesyncPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDesyncDetected,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySync,
		Payload:  payload,
	})
}

// RewindPayload captures how much work a recovery performed.
type RewindPayload struct {
	InputID        uint32 `json:"inputId"`
	ReplayedInputs int    `json:"replayedInputs"`
}

func RewindCompleted(ctx context.Context, pub logging.Publisher, tick uint64, payload RewindPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventRewindCompleted,
		Tick:     tick,
		Severity: logging.SeverityInfo,
		Category: logging.CategorySync,
		Payload:  payload,
	})
}

func FullSnapshotRequested(ctx context.Context, pub logging.Publisher, tick uint64, reason string) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventFullSnapshotRequested,
		Tick:     tick,
		Severity: logging.SeverityInfo,
		Category: logging.CategorySync,
		Payload:  map[string]string{"reason": reason},
	})
}

func StreamPaused(ctx context.Context, pub logging.Publisher, tick uint64, controller logging.EntityRef) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventStreamPaused,
		Tick:     tick,
		Actor:    controller,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySync,
	})
}

func ControllerReset(ctx context.Context, pub logging.Publisher, tick uint64, controller logging.EntityRef, role string) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventControllerReset,
		Tick:     tick,
		Actor:    controller,
		Severity: logging.SeverityInfo,
		Category: logging.CategorySync,
		Payload:  map[string]string{"role": role},
	})
}
