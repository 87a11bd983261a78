package ws

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scene-sync/engine/internal/core"
	enginesync "scene-sync/engine/internal/sync"
	"scene-sync/engine/internal/telemetry"
)

// ClientConfig carries the optional collaborators of a ClientTransport.
type ClientConfig struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	// HandshakeTimeout bounds the wait for the peer-assignment frame.
	HandshakeTimeout time.Duration
}

// ClientTransport dials a ServerTransport and implements the engine's
// client-side transport. Call Pump once per tick before processing the
// scene.
type ClientTransport struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics

	local   core.PeerID
	session *session

	mu        sync.Mutex
	authority map[uint64]core.PeerID
	queue     []event
}

// Dial connects to the websocket endpoint, waits for the server to
// assign a peer id and starts the read loop.
func Dial(ctx context.Context, url string, cfg ClientConfig) (*ClientTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	kind, frame, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ws: handshake read: %w", err)
	}
	if kind != websocket.BinaryMessage || len(frame) != 5 || frame[0] != frameHello {
		conn.Close()
		return nil, fmt.Errorf("ws: unexpected handshake frame")
	}
	local := core.PeerID(binary.BigEndian.Uint32(frame[1:]))

	t := &ClientTransport{
		logger:    logger,
		metrics:   metrics,
		local:     local,
		authority: make(map[uint64]core.PeerID),
	}
	t.session = newSession(local, conn, logger, metrics)

	t.mu.Lock()
	t.queue = append(t.queue, event{kind: evConnect, peer: serverPeer})
	t.mu.Unlock()

	go t.readLoop(conn)
	logger.Printf("ws: connected as peer %d, session %s", local, t.session.id)
	return t, nil
}

func (t *ClientTransport) readLoop(conn *websocket.Conn) {
	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			t.session.close()
			t.mu.Lock()
			t.queue = append(t.queue, event{kind: evDisconnect, peer: serverPeer})
			t.mu.Unlock()
			return
		}
		if kind != websocket.BinaryMessage || len(frame) == 0 {
			continue
		}
		ch := enginesync.Channel(frame[0])
		if ch.String() == "unknown" {
			t.logger.Printf("ws: discarding frame with channel %d from server", frame[0])
			continue
		}
		t.metrics.Add("ws.frames_received", 1)
		t.mu.Lock()
		t.queue = append(t.queue, event{kind: evMessage, peer: serverPeer, ch: ch, payload: frame[1:]})
		t.mu.Unlock()
	}
}

// Pump delivers every queued event to the receiver. Call it from the
// simulation goroutine.
func (t *ClientTransport) Pump(r Receiver) {
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
func (t *ClientTransport) SetAuthority(handle uint64, peer core.PeerID) {
	t.mu.Lock()
	if peer == core.NonePeerID {
		delete(t.authority, handle)
	} else {
		t.authority[handle] = peer
	}
	t.mu.Unlock()
}

// Close shuts the connection down.
func (t *ClientTransport) Close() {
	t.session.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	t.session.close()
}

func (t *ClientTransport) LocalPeerID() core.PeerID  { return t.local }
func (t *ClientTransport) ServerPeerID() core.PeerID { return serverPeer }
func (t *ClientTransport) IsServer() bool            { return false }

func (t *ClientTransport) AuthorityOf(handle uint64) core.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if peer, ok := t.authority[handle]; ok {
		return peer
	}
	return core.NonePeerID
}

func (t *ClientTransport) SendReliable(to core.PeerID, ch enginesync.Channel, payload []byte) error {
	if to != serverPeer {
		return fmt.Errorf("ws: client can only reach the server, not peer %d", to)
	}
	return t.session.send(encodeFrame(ch, payload))
}

func (t *ClientTransport) SendUnreliable(to core.PeerID, ch enginesync.Channel, payload []byte) error {
	if to != serverPeer {
		return fmt.Errorf("ws: client can only reach the server, not peer %d", to)
	}
	t.session.trySend(encodeFrame(ch, payload))
	return nil
}
