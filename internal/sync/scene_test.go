package sync

import (
	"testing"

	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
	"scene-sync/engine/logging"
	"scene-sync/engine/logging/synclog"
)

// TestClientServerConvergence drives a real server and client scene
// pair over the in-memory network: inputs flow up, snapshots flow
// down, and both sides settle on the same state.
func TestClientServerConvergence(t *testing.T) {
	mkFuncs := func(h *memHost) ControllerFuncs {
		return ControllerFuncs{
			CollectInput: func(buf *databuffer.Buffer, _ float64) {
				buf.WriteUint8(uint8(h.val("Hero", "intent").Int))
			},
			ApplyInput: func(buf *databuffer.Buffer, _ float64) {
				v, err := buf.ReadUint8()
				if err != nil {
					return
				}
				h.set("Hero", "pos", core.IntV(int64(v)))
			},
		}
	}

	hostS := newMemHost()
	handleS := hostS.addController("Hero", mkFuncs(hostS))
	hostS.set("Hero", "pos", core.IntV(0))
	hostS.set("Hero", "intent", core.IntV(0))

	hostC := newMemHost()
	handleC := hostC.addController("Hero", mkFuncs(hostC))
	hostC.set("Hero", "pos", core.IntV(0))
	hostC.set("Hero", "intent", core.IntV(7))

	net := newMemNet()
	trS := &memPeer{net: net, local: 1, server: 1, isServer: true, authority: map[uint64]core.PeerID{handleS: 2}}
	trC := &memPeer{net: net, local: 2, server: 1, authority: map[uint64]core.PeerID{handleC: 2}}

	cfg := DefaultConfig()
	cfg.ServerNotifyStateInterval = 0.1

	srv := NewScene(cfg, hostS, trS, Deps{})
	net.scenes[1] = srv
	cli := NewScene(cfg, hostC, trC, Deps{})
	net.scenes[2] = cli

	if srv.ModeName() != "server" || cli.ModeName() != "client" {
		t.Fatalf("mode derivation wrong: %s / %s", srv.ModeName(), cli.ModeName())
	}

	odS, err := srv.RegisterObject("Hero")
	if err != nil {
		t.Fatalf("server register: %v", err)
	}
	srv.RegisterVariable(odS, "pos", false)
	odC, err := cli.RegisterObject("Hero")
	if err != nil {
		t.Fatalf("client register: %v", err)
	}
	cli.RegisterVariable(odC, "pos", false)

	srv.PeerConnected(2)

	validated := 0
	cli.OnStateValidated = func(core.InputID) { validated++ }
	desyncs := 0
	cli.OnDesync = func([]core.ObjectNetID) { desyncs++ }

	for i := 0; i < 60; i++ {
		cli.Process(tickDelta)
		net.flush()
		srv.Process(tickDelta)
		net.flush()
	}

	if odC.NetID == core.NoneNetID {
		t.Fatalf("client never learned the net id")
	}
	if got := hostS.val("Hero", "pos").Int; got != 7 {
		t.Fatalf("server pos = %d, want 7", got)
	}
	if got := hostC.val("Hero", "pos").Int; got != 7 {
		t.Fatalf("client pos = %d, want 7", got)
	}
	if validated == 0 {
		t.Fatalf("snapshots must validate client inputs")
	}
	if desyncs != 0 {
		t.Fatalf("idempotent inputs must not desync, got %d", desyncs)
	}
}

func TestControllerRoleChangeLogsReset(t *testing.T) {
	pub := &memPublisher{}
	host := newMemHost()
	handle := host.addController("Hero", ControllerFuncs{})
	tr := &captureTransport{local: 2, server: 1, authority: map[uint64]core.PeerID{handle: 2}}
	s := NewScene(DefaultConfig(), host, tr, Deps{Publisher: pub})

	if _, err := s.RegisterObject("Hero"); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Attaching derives the role from the authority: no_net to player,
	// one reset.
	resets := pub.ofType(synclog.EventControllerReset)
	if len(resets) != 1 {
		t.Fatalf("expected one reset event, got %d", len(resets))
	}
	if resets[0].Actor != logging.ObjectRef("Hero") {
		t.Fatalf("reset actor = %+v, want Hero", resets[0].Actor)
	}
	payload, ok := resets[0].Payload.(map[string]string)
	if !ok || payload["role"] != "player" {
		t.Fatalf("reset payload = %v, want role player", resets[0].Payload)
	}
}

func TestStandaloneChangeEventsFireOncePerBatch(t *testing.T) {
	host := newMemHost()
	host.addObject("Orb")
	host.set("Orb", "a", core.IntV(0))
	host.set("Orb", "b", core.IntV(0))

	s := NewScene(DefaultConfig(), host, nil, Deps{})
	if s.ModeName() != "standalone" {
		t.Fatalf("nil transport must run standalone, got %s", s.ModeName())
	}
	od, _ := s.RegisterObject("Orb")
	s.RegisterVariable(od, "a", false)
	s.RegisterVariable(od, "b", false)

	calls := 0
	var olds []core.Variant
	if _, err := s.AttachListener(od, []string{"a", "b"}, core.EventFlagChange, func(old []core.Variant) {
		calls++
		olds = old
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	host.set("Orb", "a", core.IntV(1))
	host.set("Orb", "b", core.IntV(2))
	s.Process(tickDelta)

	if calls != 1 {
		t.Fatalf("two changes in one tick must dispatch once, got %d", calls)
	}
	if olds[0].Int != 0 || olds[1].Int != 0 {
		t.Fatalf("old values = %v, want the pre-change zeros", olds)
	}

	s.Process(tickDelta)
	if calls != 1 {
		t.Fatalf("quiet tick must not re-dispatch")
	}
}
