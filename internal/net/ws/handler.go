// Package ws carries engine messages over websocket connections. Each
// frame is one byte of channel followed by the raw payload, so the
// codec layers above never see transport framing. Incoming traffic is
// queued and handed to the scene on its own goroutine through Pump.
package ws

import (
	"fmt"
	nethttp "net/http"
	"sync"

	"github.com/gorilla/websocket"

	"scene-sync/engine/internal/core"
	enginesync "scene-sync/engine/internal/sync"
	"scene-sync/engine/internal/telemetry"
)

// serverPeer is the fixed peer id of the hosting side.
const serverPeer core.PeerID = 1

// Receiver consumes transport events on the simulation goroutine.
// *sync.Scene satisfies it.
type Receiver interface {
	PeerConnected(id core.PeerID)
	PeerDisconnected(id core.PeerID)
	HandleMessage(from core.PeerID, ch enginesync.Channel, payload []byte)
}

type eventKind uint8

const (
	evMessage eventKind = iota
	evConnect
	evDisconnect
)

type event struct {
	kind    eventKind
	peer    core.PeerID
	ch      enginesync.Channel
	payload []byte
}

// ServerConfig carries the optional collaborators of a ServerTransport.
type ServerConfig struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

// ServerTransport accepts websocket peers and implements the engine's
// server-side transport. Register its Handle method on an HTTP mux,
// then call Pump once per tick before processing the scene.
type ServerTransport struct {
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	upgrader websocket.Upgrader

	mu        sync.Mutex
	sessions  map[core.PeerID]*session
	nextPeer  core.PeerID
	authority map[uint64]core.PeerID
	queue     []event
}

func NewServerTransport(cfg ServerConfig) *ServerTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	return &ServerTransport{
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
		sessions:  make(map[core.PeerID]*session),
		nextPeer:  serverPeer + 1,
		authority: make(map[uint64]core.PeerID),
	}
}

// Handle upgrades the request and runs the read side of the session
// until the connection drops.
func (t *ServerTransport) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Printf("ws: upgrade failed: %v", err)
		return
	}

	t.mu.Lock()
	peer := t.nextPeer
	t.nextPeer++
	s := newSession(peer, conn, t.logger, t.metrics)
	t.sessions[peer] = s
	t.queue = append(t.queue, event{kind: evConnect, peer: peer})
	t.mu.Unlock()

	if err := s.send(encodeHello(peer)); err != nil {
		t.drop(peer, s)
		return
	}
	t.logger.Printf("ws: peer %d connected, session %s", peer, s.id)

	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			t.drop(peer, s)
			return
		}
		if kind != websocket.BinaryMessage || len(frame) == 0 {
			t.logger.Printf("ws: discarding non-binary frame from peer %d", peer)
			continue
		}
		ch := enginesync.Channel(frame[0])
		if ch.String() == "unknown" {
			t.logger.Printf("ws: discarding frame with channel %d from peer %d", frame[0], peer)
			continue
		}
		t.metrics.Add("ws.frames_received", 1)
		t.mu.Lock()
		t.queue = append(t.queue, event{kind: evMessage, peer: peer, ch: ch, payload: frame[1:]})
		t.mu.Unlock()
	}
}

func (t *ServerTransport) drop(peer core.PeerID, s *session) {
	s.close()
	t.mu.Lock()
	if t.sessions[peer] == s {
		delete(t.sessions, peer)
		t.queue = append(t.queue, event{kind: evDisconnect, peer: peer})
	}
	t.mu.Unlock()
	t.logger.Printf("ws: peer %d disconnected", peer)
}

// Pump delivers every queued connect, disconnect and message event to
// the receiver. Call it from the simulation goroutine.
func (t *ServerTransport) Pump(r Receiver) {
	t.mu.Lock()
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, ev := range pending {
		switch ev.kind {
		case evConnect:
			r.PeerConnected(ev.peer)
		case evDisconnect:
			r.PeerDisconnected(ev.peer)
		case evMessage:
			r.HandleMessage(ev.peer, ev.ch, ev.payload)
		}
	}
}

// SetAuthority records which peer drives the inputs of the object.
func (t *ServerTransport) SetAuthority(handle uint64, peer core.PeerID) {
	t.mu.Lock()
	if peer == core.NonePeerID {
		delete(t.authority, handle)
	} else {
		t.authority[handle] = peer
	}
	t.mu.Unlock()
}

// Close tears down every live session.
func (t *ServerTransport) Close() {
	t.mu.Lock()
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (t *ServerTransport) LocalPeerID() core.PeerID  { return serverPeer }
func (t *ServerTransport) ServerPeerID() core.PeerID { return serverPeer }
func (t *ServerTransport) IsServer() bool            { return true }

func (t *ServerTransport) AuthorityOf(handle uint64) core.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peer, ok := t.authority[handle]; ok {
		return peer
	}
	return core.NonePeerID
}

func (t *ServerTransport) SendReliable(to core.PeerID, ch enginesync.Channel, payload []byte) error {
	t.mu.Lock()
	s, ok := t.sessions[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("ws: no session for peer %d", to)
	}
	return s.send(encodeFrame(ch, payload))
}

func (t *ServerTransport) SendUnreliable(to core.PeerID, ch enginesync.Channel, payload []byte) error {
	t.mu.Lock()
	s, ok := t.sessions[to]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	s.trySend(encodeFrame(ch, payload))
	return nil
}
