package ws

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"scene-sync/engine/internal/core"
	enginesync "scene-sync/engine/internal/sync"
	"scene-sync/engine/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// frameHello is the control byte of the peer-assignment frame the
	// server sends right after the upgrade. Regular frames carry a
	// Channel value in the first byte, all well below this range.
	frameHello = 0xFF

	outboundDepth = 64
)

var errSessionClosed = errors.New("ws: session closed")

// encodeFrame prefixes the payload with its channel byte.
func encodeFrame(ch enginesync.Channel, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = byte(ch)
	copy(frame[1:], payload)
	return frame
}

func encodeHello(peer core.PeerID) []byte {
	frame := make([]byte, 5)
	frame[0] = frameHello
	binary.BigEndian.PutUint32(frame[1:], uint32(peer))
	return frame
}

// session owns the write side of one websocket connection. Reads stay
// on the goroutine that accepted or dialed the connection.
type session struct {
	id   uuid.UUID
	peer core.PeerID
	conn *websocket.Conn

	logger  telemetry.Logger
	metrics telemetry.Metrics

	outbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(peer core.PeerID, conn *websocket.Conn, logger telemetry.Logger, metrics telemetry.Metrics) *session {
	s := &session{
		id:       uuid.New(),
		peer:     peer,
		conn:     conn,
		logger:   logger,
		metrics:  metrics,
		outbound: make(chan []byte, outboundDepth),
		closed:   make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	go s.writeLoop()
	return s
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.logger.Printf("ws: write to peer %d failed: %v", s.peer, err)
				s.close()
				return
			}
			s.metrics.Add("ws.frames_sent", 1)
			s.metrics.Add("ws.bytes_sent", uint64(len(frame)))
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// send queues a frame for the reliable path. A peer that cannot keep
// up with the outbound queue is disconnected rather than blocking the
// simulation goroutine.
func (s *session) send(frame []byte) error {
	select {
	case <-s.closed:
		return errSessionClosed
	case s.outbound <- frame:
		return nil
	default:
		s.logger.Printf("ws: peer %d outbound queue full, dropping session %s", s.peer, s.id)
		s.close()
		return errSessionClosed
	}
}

// trySend queues a frame for the best-effort path and drops it when
// the queue is congested.
func (s *session) trySend(frame []byte) {
	select {
	case <-s.closed:
	case s.outbound <- frame:
	default:
		s.metrics.Add("ws.frames_dropped", 1)
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}
