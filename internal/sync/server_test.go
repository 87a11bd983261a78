package sync

import (
	"errors"
	"testing"

	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
	"scene-sync/engine/internal/snapshot"
)

const tickDelta = 1.0 / 60.0

func decodeState(t *testing.T, payload []byte) snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.Decode(databuffer.FromBits(payload, len(payload)*8))
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestServerFirstSnapshotIsFullThenDelta(t *testing.T) {
	host := newMemHost()
	host.addObject("Hero")
	host.set("Hero", "health", core.IntV(100))
	host.set("Hero", "speed", core.FloatV(1.5))

	tr := &captureTransport{local: 1, server: 1, isServer: true}
	s := NewScene(DefaultConfig(), host, tr, Deps{})

	od, err := s.RegisterObject("Hero")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	s.RegisterVariable(od, "health", false)
	s.RegisterVariable(od, "speed", false)
	s.PeerConnected(5)

	// A fresh peer forces an immediate full snapshot.
	s.Process(tickDelta)
	msgs := tr.take(ChannelState)
	if len(msgs) != 1 || msgs[0].to != 5 {
		t.Fatalf("expected one snapshot to peer 5, got %d", len(msgs))
	}
	full := decodeState(t, msgs[0].payload)
	if full.InputID != core.NoneInputID {
		t.Fatalf("peer without controller must get the none input id")
	}
	if !full.HasActiveList || len(full.ActiveList) != 1 || full.ActiveList[0] != 0 {
		t.Fatalf("full snapshot must announce the active list, got %+v", full.ActiveList)
	}
	if len(full.Objects) != 1 || full.Objects[0].Name != "Hero" {
		t.Fatalf("full snapshot must carry the object name, got %+v", full.Objects)
	}
	for i, v := range full.Objects[0].Vars {
		if !v.HasValue {
			t.Fatalf("full snapshot var %d must carry a value", i)
		}
	}

	// One changed variable produces a delta with just that slot.
	host.set("Hero", "health", core.IntV(90))
	s.ForceStateNotify(core.GlobalSyncGroupID)
	s.Process(tickDelta)
	msgs = tr.take(ChannelState)
	if len(msgs) != 1 {
		t.Fatalf("expected one delta snapshot, got %d", len(msgs))
	}
	delta := decodeState(t, msgs[0].payload)
	if delta.HasActiveList {
		t.Fatalf("delta without membership changes must not repeat the active list")
	}
	if len(delta.Objects) != 1 || delta.Objects[0].Name != "" {
		t.Fatalf("delta must reference the object without its name, got %+v", delta.Objects)
	}
	vars := delta.Objects[0].Vars
	if len(vars) != 2 || !vars[0].HasValue || vars[1].HasValue {
		t.Fatalf("delta must ship only the changed slot, got %+v", vars)
	}
	if vars[0].Value.Int != 90 {
		t.Fatalf("delta value = %d, want 90", vars[0].Value.Int)
	}

	// No changes still emits a snapshot so input confirmation flows.
	s.ForceStateNotify(core.GlobalSyncGroupID)
	s.Process(tickDelta)
	msgs = tr.take(ChannelState)
	if len(msgs) != 1 {
		t.Fatalf("quiet delta missing, got %d messages", len(msgs))
	}
	quiet := decodeState(t, msgs[0].payload)
	if len(quiet.Objects) != 0 {
		t.Fatalf("quiet delta must carry no objects, got %d", len(quiet.Objects))
	}
}

func TestGroupManagementErrors(t *testing.T) {
	host := newMemHost()
	host.addObject("Hero")
	tr := &captureTransport{local: 1, server: 1, isServer: true}
	s := NewScene(DefaultConfig(), host, tr, Deps{})
	od, _ := s.RegisterObject("Hero")
	s.PeerConnected(5)

	if err := s.SyncGroupAddObject(core.GlobalSyncGroupID, od, true); !errors.Is(err, ErrGlobalGroupReadOnly) {
		t.Fatalf("global group mutation must fail, got %v", err)
	}
	if err := s.SyncGroupAddObject(42, od, true); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("unknown group must fail, got %v", err)
	}
	gid := s.CreateSyncGroup()
	if gid != 1 {
		t.Fatalf("first created group id = %d, want 1", gid)
	}
	if err := s.MovePeerToGroup(9, gid); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("moving an unknown peer must fail, got %v", err)
	}
	if err := s.MovePeerToGroup(5, gid); err != nil {
		t.Fatalf("move peer: %v", err)
	}
	if s.Peer(5).GroupID != gid || !s.Peer(5).NeedFullSnapshot {
		t.Fatalf("moved peer must be rebased onto the new group with a pending full snapshot")
	}
}

func TestPeerNetworkingEnableToggle(t *testing.T) {
	host := newMemHost()
	host.addObject("Hero")
	tr := &captureTransport{local: 1, server: 1, isServer: true}
	s := NewScene(DefaultConfig(), host, tr, Deps{})
	od, _ := s.RegisterObject("Hero")
	s.RegisterVariable(od, "health", false)
	s.PeerConnected(5)
	s.Process(tickDelta)
	tr.take(ChannelState)

	if err := s.SetPeerNetworkingEnable(5, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	toggles := tr.take(ChannelNetEnable)
	if len(toggles) != 1 || toggles[0].payload[0] != 0 {
		t.Fatalf("disable must notify the peer")
	}

	s.ForceStateNotify(core.GlobalSyncGroupID)
	s.Process(tickDelta)
	if msgs := tr.take(ChannelState); len(msgs) != 0 {
		t.Fatalf("disabled peer must receive no state, got %d messages", len(msgs))
	}

	// The peer asks to come back; it re-enables at the next snapshot
	// window with a full snapshot.
	s.HandleMessage(5, ChannelNetEnable, []byte{1})
	s.Process(tickDelta)
	msgs := tr.take(ChannelState)
	if len(msgs) != 1 {
		t.Fatalf("re-enabled peer must get a snapshot, got %d", len(msgs))
	}
	snap := decodeState(t, msgs[0].payload)
	if len(snap.Objects) != 1 || snap.Objects[0].Name != "Hero" {
		t.Fatalf("re-enable snapshot must be full, got %+v", snap.Objects)
	}
	if !s.Peer(5).Enabled {
		t.Fatalf("peer must be enabled again")
	}
}

func TestServerConsumesClientInputs(t *testing.T) {
	host := newMemHost()
	handle := host.addController("Hero", ControllerFuncs{
		ApplyInput: func(buf *databuffer.Buffer, _ float64) {
			v, err := buf.ReadUint8()
			if err != nil {
				return
			}
			host.set("Hero", "pos", core.IntV(int64(v)))
		},
	})
	host.set("Hero", "pos", core.IntV(0))

	tr := &captureTransport{local: 1, server: 1, isServer: true, authority: map[uint64]core.PeerID{handle: 7}}
	s := NewScene(DefaultConfig(), host, tr, Deps{})
	od, _ := s.RegisterObject("Hero")
	s.RegisterVariable(od, "pos", false)
	s.PeerConnected(7)
	s.Process(tickDelta)
	tr.take(ChannelState)

	if status := tr.take(ChannelPeerStatus); len(status) == 0 {
		t.Fatalf("controller authority must be announced to peers")
	}

	packet := databuffer.New()
	packet.WriteUint32(0) // first input id
	packet.WriteUint8(1)  // one frame
	packet.WriteBool(false)
	packet.WriteUint16(8)
	packet.WriteUint8(42)
	s.HandleMessage(7, ChannelInput, packet.Bytes())

	s.Process(tickDelta)
	if got := host.val("Hero", "pos").Int; got != 42 {
		t.Fatalf("input not applied, pos = %d", got)
	}

	s.ForceStateNotify(core.GlobalSyncGroupID)
	s.Process(tickDelta)
	msgs := tr.take(ChannelState)
	if len(msgs) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(msgs))
	}
	snap := decodeState(t, msgs[0].payload)
	if snap.InputID != 0 {
		t.Fatalf("snapshot must confirm input 0, got %d", snap.InputID)
	}
}

func TestServerTricklesDeferredByPriority(t *testing.T) {
	host := newMemHost()
	host.addObject("CloudA")
	host.addObject("CloudB")

	tr := &captureTransport{local: 1, server: 1, isServer: true}
	s := NewScene(DefaultConfig(), host, tr, Deps{})

	a, _ := s.RegisterObject("CloudA")
	b, _ := s.RegisterObject("CloudB")
	collect := func(marker uint8) func(*databuffer.Buffer, float64) bool {
		return func(buf *databuffer.Buffer, _ float64) bool {
			buf.WriteUint8(marker)
			return true
		}
	}
	s.SetDeferredFuncs(a, deferredCollect(collect(0xAA)))
	s.SetDeferredFuncs(b, deferredCollect(collect(0xBB)))

	gid := s.CreateSyncGroup()
	if err := s.SyncGroupAddObject(gid, a, false); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := s.SyncGroupAddObject(gid, b, false); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if err := s.SetDeferredUpdateRate(gid, b, 0.25); err != nil {
		t.Fatalf("rate: %v", err)
	}
	s.PeerConnected(5)
	if err := s.MovePeerToGroup(5, gid); err != nil {
		t.Fatalf("move: %v", err)
	}

	for tick := 1; tick <= 4; tick++ {
		s.Process(tickDelta)
		msgs := tr.take(ChannelDeferred)
		if len(msgs) != 1 {
			t.Fatalf("tick %d: expected one deferred broadcast, got %d", tick, len(msgs))
		}
		epoch, entries := parseDeferred(t, msgs[0].payload)
		if epoch != uint32(tick) {
			t.Fatalf("tick %d: epoch = %d", tick, epoch)
		}
		if _, ok := entries[a.NetID]; !ok {
			t.Fatalf("tick %d: full-rate object missing", tick)
		}
		_, slowSent := entries[b.NetID]
		if tick < 4 && slowSent {
			t.Fatalf("tick %d: quarter-rate object sent too early", tick)
		}
		if tick == 4 && !slowSent {
			t.Fatalf("tick 4: quarter-rate object must have accumulated priority 1.0")
		}
	}
}

func TestRelevancyHookRunsOnTimer(t *testing.T) {
	host := newMemHost()
	tr := &captureTransport{local: 1, server: 1, isServer: true}
	s := NewScene(DefaultConfig(), host, tr, Deps{})
	s.SetNodesRelevancyUpdateTime(0.1)

	for i := 0; i < 15; i++ {
		s.Process(tickDelta)
	}
	if host.relevancy != 2 {
		t.Fatalf("expected 2 relevancy passes in 0.25s, got %d", host.relevancy)
	}
}

func parseDeferred(t *testing.T, payload []byte) (uint32, map[core.ObjectNetID][]byte) {
	t.Helper()
	buf := databuffer.FromBits(payload, len(payload)*8)
	epoch, err := buf.ReadUint32()
	if err != nil {
		t.Fatalf("deferred epoch: %v", err)
	}
	entries := make(map[core.ObjectNetID][]byte)
	for buf.Remaining() >= 25 {
		small, err := buf.ReadBool()
		if err != nil {
			t.Fatalf("deferred flag: %v", err)
		}
		var netID core.ObjectNetID
		if small {
			raw, _ := buf.ReadUint8()
			netID = core.ObjectNetID(raw)
		} else {
			raw, _ := buf.ReadUint16()
			netID = core.ObjectNetID(raw)
		}
		bits, err := buf.ReadUint16()
		if err != nil {
			t.Fatalf("deferred size: %v", err)
		}
		data, err := buf.ReadBits(int(bits))
		if err != nil {
			t.Fatalf("deferred payload: %v", err)
		}
		entries[netID] = data
	}
	return epoch, entries
}
