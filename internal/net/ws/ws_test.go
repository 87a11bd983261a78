package ws

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"scene-sync/engine/internal/core"
	enginesync "scene-sync/engine/internal/sync"
)

type recordedMsg struct {
	from    core.PeerID
	ch      enginesync.Channel
	payload []byte
}

// recorder is a Receiver that remembers everything Pump delivers.
type recorder struct {
	mu          sync.Mutex
	connects    []core.PeerID
	disconnects []core.PeerID
	msgs        []recordedMsg
}

func (r *recorder) PeerConnected(id core.PeerID) {
	r.mu.Lock()
	r.connects = append(r.connects, id)
	r.mu.Unlock()
}

func (r *recorder) PeerDisconnected(id core.PeerID) {
	r.mu.Lock()
	r.disconnects = append(r.disconnects, id)
	r.mu.Unlock()
}

func (r *recorder) HandleMessage(from core.PeerID, ch enginesync.Channel, payload []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, recordedMsg{from: from, ch: ch, payload: payload})
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]core.PeerID, []core.PeerID, []recordedMsg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.PeerID(nil), r.connects...),
		append([]core.PeerID(nil), r.disconnects...),
		append([]recordedMsg(nil), r.msgs...)
}

func websocketURL(t *testing.T, baseURL string) string {
	t.Helper()

	parsed, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("failed to parse test server url: %v", err)
	}
	parsed.Scheme = "ws"
	parsed.Path = "/"
	return parsed.String()
}

// waitFor polls the condition until it holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestServer(t *testing.T) (*ServerTransport, string) {
	t.Helper()
	tr := NewServerTransport(ServerConfig{})
	srv := httptest.NewServer(nethttp.HandlerFunc(tr.Handle))
	t.Cleanup(srv.Close)
	t.Cleanup(tr.Close)
	return tr, websocketURL(t, srv.URL)
}

func TestServerAssignsSequentialPeerIDs(t *testing.T) {
	tr, url := newTestServer(t)

	first, err := Dial(context.Background(), url, ClientConfig{})
	if err != nil {
		t.Fatalf("failed to dial first client: %v", err)
	}
	t.Cleanup(first.Close)
	second, err := Dial(context.Background(), url, ClientConfig{})
	if err != nil {
		t.Fatalf("failed to dial second client: %v", err)
	}
	t.Cleanup(second.Close)

	if first.LocalPeerID() != 2 || second.LocalPeerID() != 3 {
		t.Fatalf("assigned peers = %d, %d, want 2, 3", first.LocalPeerID(), second.LocalPeerID())
	}
	if first.ServerPeerID() != 1 || first.IsServer() {
		t.Fatalf("client transport must point at server peer 1")
	}
	if !tr.IsServer() || tr.LocalPeerID() != 1 {
		t.Fatalf("server transport must be peer 1")
	}

	rec := &recorder{}
	waitFor(t, "both connect events", func() bool {
		tr.Pump(rec)
		connects, _, _ := rec.snapshot()
		return len(connects) == 2
	})
	connects, _, _ := rec.snapshot()
	if connects[0] != 2 || connects[1] != 3 {
		t.Fatalf("connect order = %v, want [2 3]", connects)
	}
}

func TestFramesRoundTrip(t *testing.T) {
	tr, url := newTestServer(t)

	client, err := Dial(context.Background(), url, ClientConfig{})
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(client.Close)
	peer := client.LocalPeerID()

	if err := client.SendReliable(1, enginesync.ChannelInput, []byte{9, 8, 7}); err != nil {
		t.Fatalf("client send failed: %v", err)
	}

	srvRec := &recorder{}
	waitFor(t, "input frame on the server", func() bool {
		tr.Pump(srvRec)
		_, _, msgs := srvRec.snapshot()
		return len(msgs) == 1
	})
	connects, _, msgs := srvRec.snapshot()
	if len(connects) != 1 || connects[0] != peer {
		t.Fatalf("connect event missing, got %v", connects)
	}
	if msgs[0].from != peer || msgs[0].ch != enginesync.ChannelInput {
		t.Fatalf("frame routed as peer %d channel %s", msgs[0].from, msgs[0].ch)
	}
	if len(msgs[0].payload) != 3 || msgs[0].payload[0] != 9 {
		t.Fatalf("payload corrupted: %v", msgs[0].payload)
	}

	if err := tr.SendReliable(peer, enginesync.ChannelState, []byte{1, 2}); err != nil {
		t.Fatalf("server send failed: %v", err)
	}
	if err := tr.SendUnreliable(peer, enginesync.ChannelDeferred, []byte{3}); err != nil {
		t.Fatalf("server unreliable send failed: %v", err)
	}

	cliRec := &recorder{}
	waitFor(t, "both frames on the client", func() bool {
		client.Pump(cliRec)
		_, _, msgs := cliRec.snapshot()
		return len(msgs) == 2
	})
	_, _, cliMsgs := cliRec.snapshot()
	if cliMsgs[0].from != 1 || cliMsgs[0].ch != enginesync.ChannelState {
		t.Fatalf("first frame routed as peer %d channel %s", cliMsgs[0].from, cliMsgs[0].ch)
	}
	if cliMsgs[1].ch != enginesync.ChannelDeferred || len(cliMsgs[1].payload) != 1 {
		t.Fatalf("second frame = channel %s payload %v", cliMsgs[1].ch, cliMsgs[1].payload)
	}
}

func TestClientCloseEmitsDisconnect(t *testing.T) {
	tr, url := newTestServer(t)

	client, err := Dial(context.Background(), url, ClientConfig{})
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	peer := client.LocalPeerID()
	client.Close()

	rec := &recorder{}
	waitFor(t, "the disconnect event", func() bool {
		tr.Pump(rec)
		_, disconnects, _ := rec.snapshot()
		return len(disconnects) == 1
	})
	_, disconnects, _ := rec.snapshot()
	if disconnects[0] != peer {
		t.Fatalf("disconnect for peer %d, want %d", disconnects[0], peer)
	}

	if err := tr.SendReliable(peer, enginesync.ChannelState, nil); err == nil {
		t.Fatalf("reliable send to a gone peer must fail")
	}
	if err := tr.SendUnreliable(peer, enginesync.ChannelState, nil); err != nil {
		t.Fatalf("unreliable send to a gone peer must drop silently, got %v", err)
	}
}

func TestAuthorityMapDefaultsToNone(t *testing.T) {
	tr := NewServerTransport(ServerConfig{})
	if got := tr.AuthorityOf(7); got != core.NonePeerID {
		t.Fatalf("unset authority = %d, want none", got)
	}
	tr.SetAuthority(7, 2)
	if got := tr.AuthorityOf(7); got != 2 {
		t.Fatalf("authority = %d, want 2", got)
	}
	tr.SetAuthority(7, core.NonePeerID)
	if got := tr.AuthorityOf(7); got != core.NonePeerID {
		t.Fatalf("cleared authority = %d, want none", got)
	}
}
