// Package netlog publishes structured events for peer lifecycle and
// input transport.
package netlog

import (
	"context"

	"scene-sync/engine/logging"
)

const (
	// EventPeerConnected is emitted when the transport reports a new peer.
	EventPeerConnected logging.EventType = "net.peer_connected"
	// EventPeerDisconnected is emitted when a peer goes away.
	EventPeerDisconnected logging.EventType = "net.peer_disconnected"
	// EventInputDropped is emitted when a received input packet cannot be parsed.
	EventInputDropped logging.EventType = "net.input_dropped"
	// EventTickSpeedup is emitted when the server hints a client to retune its clock.
	EventTickSpeedup logging.EventType = "net.tick_speedup"
)

func PeerConnected(ctx context.Context, pub logging.Publisher, tick uint64, peer logging.EntityRef) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventPeerConnected,
		Tick:     tick,
		Actor:    peer,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryTransport,
	})
}

func PeerDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, peer logging.EntityRef) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventPeerDisconnected,
		Tick:     tick,
		Actor:    peer,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryTransport,
	})
}

// InputDroppedPayload explains why an input packet was discarded.
type InputDroppedPayload struct {
	Reason string `json:"reason"`
	Bytes  int    `json:"bytes"`
}

func InputDropped(ctx context.Context, pub logging.Publisher, tick uint64, peer logging.EntityRef, payload InputDroppedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventInputDropped,
		Tick:     tick,
		Actor:    peer,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryTransport,
		Payload:  payload,
	})
}

// TickSpeedupPayload carries the frame-delay hint sent to a client.
type TickSpeedupPayload struct {
	Distance int `json:"distance"`
}

func TickSpeedup(ctx context.Context, pub logging.Publisher, tick uint64, peer logging.EntityRef, payload TickSpeedupPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickSpeedup,
		Tick:     tick,
		Actor:    peer,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryTransport,
		Payload:  payload,
	})
}
