package sync

import (
	"math"
	"testing"

	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
	"scene-sync/engine/internal/object"
	"scene-sync/engine/internal/snapshot"
	"scene-sync/engine/logging/synclog"
)

// newPredictingClient builds a client scene whose player controller
// adds each input byte onto the Hero pos variable.
func newPredictingClient(t *testing.T) (*Scene, *memHost, *captureTransport, *object.Data) {
	t.Helper()
	return newPredictingClientDeps(t, Deps{})
}

func newPredictingClientDeps(t *testing.T, deps Deps) (*Scene, *memHost, *captureTransport, *object.Data) {
	t.Helper()
	host := newMemHost()
	handle := host.addController("Hero", ControllerFuncs{
		CollectInput: func(buf *databuffer.Buffer, _ float64) {
			buf.WriteUint8(1)
		},
		ApplyInput: func(buf *databuffer.Buffer, _ float64) {
			v, err := buf.ReadUint8()
			if err != nil {
				return
			}
			cur := host.val("Hero", "pos").Int
			host.set("Hero", "pos", core.IntV(cur+int64(v)))
		},
	})
	host.set("Hero", "pos", core.IntV(0))

	tr := &captureTransport{local: 2, server: 1, authority: map[uint64]core.PeerID{handle: 2}}
	s := NewScene(DefaultConfig(), host, tr, deps)
	od, err := s.RegisterObject("Hero")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	s.RegisterVariable(od, "pos", false)
	s.Store().SetNetID(od, 0)
	return s, host, tr, od
}

func TestClientRewindReplaysStoredInputs(t *testing.T) {
	s, host, _, od := newPredictingClient(t)

	var validated []core.InputID
	s.OnStateValidated = func(id core.InputID) { validated = append(validated, id) }
	var replayed []core.InputID
	s.OnRewindFrameBegin = func(id core.InputID, _, _ int) { replayed = append(replayed, id) }
	var desynced bool
	s.OnDesync = func([]core.ObjectNetID) { desynced = true }

	endSyncCalls := 0
	var endSyncOld core.Variant
	if _, err := s.AttachListener(od, []string{"pos"}, core.EventFlagEndSync, func(old []core.Variant) {
		endSyncCalls++
		endSyncOld = old[0]
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	for i := 0; i < 5; i++ {
		s.Process(tickDelta)
	}
	if got := host.val("Hero", "pos").Int; got != 5 {
		t.Fatalf("optimistic prediction off, pos = %d", got)
	}

	// The server disagrees about input 2: its pos is 10, the local
	// prediction was 3.
	server := snapshot.Snapshot{
		InputID: 2,
		Objects: []snapshot.ObjectState{{
			NetID: 0,
			Vars:  []snapshot.VarSlot{{Name: "pos", HasValue: true, Value: core.IntV(10)}},
		}},
	}
	s.HandleMessage(1, ChannelState, snapshot.Encode(server).Bytes())
	s.Process(tickDelta)

	if !desynced {
		t.Fatalf("mismatch must raise the desync notification")
	}
	// Input 5 was produced this tick before reconciliation, so inputs
	// 3, 4 and 5 replay on top of the authoritative 10.
	if got := host.val("Hero", "pos").Int; got != 13 {
		t.Fatalf("rewound pos = %d, want 13", got)
	}
	if len(replayed) != 3 || replayed[0] != 3 || replayed[2] != 5 {
		t.Fatalf("replayed inputs = %v, want [3 4 5]", replayed)
	}
	if len(validated) != 1 || validated[0] != 2 {
		t.Fatalf("validated = %v, want [2]", validated)
	}
	if endSyncCalls != 1 || endSyncOld.Int != 6 {
		t.Fatalf("end-of-sync must fire once with the pre-recovery value 6, got %d calls old %v", endSyncCalls, endSyncOld)
	}
}

func TestClientSkipRewindPatchesInPlace(t *testing.T) {
	s, host, _, od := newPredictingClient(t)
	host.set("Hero", "fx", core.IntV(0))
	s.RegisterVariable(od, "fx", true)

	rewinds := 0
	s.OnRewindFrameBegin = func(core.InputID, int, int) { rewinds++ }
	var validated []core.InputID
	s.OnStateValidated = func(id core.InputID) { validated = append(validated, id) }

	for i := 0; i < 3; i++ {
		s.Process(tickDelta)
	}

	// pos agrees with the prediction at input 1; only the cosmetic fx
	// differs and is flagged to skip rewinding.
	server := snapshot.Snapshot{
		InputID: 1,
		Objects: []snapshot.ObjectState{{
			NetID: 0,
			Vars: []snapshot.VarSlot{
				{Name: "pos", HasValue: true, Value: core.IntV(2)},
				{Name: "fx", HasValue: true, Value: core.IntV(99)},
			},
		}},
	}
	s.HandleMessage(1, ChannelState, snapshot.Encode(server).Bytes())
	s.Process(tickDelta)

	if rewinds != 0 {
		t.Fatalf("skip-rewinding divergence must not replay inputs")
	}
	if got := host.val("Hero", "fx").Int; got != 99 {
		t.Fatalf("fx must be patched in place, got %d", got)
	}
	if got := host.val("Hero", "pos").Int; got != 4 {
		t.Fatalf("pos must keep its prediction, got %d", got)
	}
	if len(validated) != 1 || validated[0] != 1 {
		t.Fatalf("validated = %v, want [1]", validated)
	}
}

func TestResetSnapshotFlushesBothDeques(t *testing.T) {
	s, host, _, _ := newPredictingClient(t)

	for i := 0; i < 5; i++ {
		s.Process(tickDelta)
	}
	cs := s.mode.(*clientSync)
	if len(cs.clientSnaps) != 5 {
		t.Fatalf("expected 5 stored predictions, got %d", len(cs.clientSnaps))
	}

	// A snapshot without an input id resets the state outright; the
	// predictions taken before it are void.
	reset := snapshot.Snapshot{
		InputID: core.NoneInputID,
		Objects: []snapshot.ObjectState{{
			NetID: 0,
			Vars:  []snapshot.VarSlot{{Name: "pos", HasValue: true, Value: core.IntV(40)}},
		}},
	}
	s.HandleMessage(1, ChannelState, snapshot.Encode(reset).Bytes())
	s.Process(tickDelta)

	if got := host.val("Hero", "pos").Int; got != 40 {
		t.Fatalf("reset snapshot not applied, pos = %d", got)
	}
	if len(cs.clientSnaps) != 0 {
		t.Fatalf("reset must flush the prediction deque, %d left", len(cs.clientSnaps))
	}
	if len(cs.serverSnaps) != 0 {
		t.Fatalf("reset must flush the server deque, %d left", len(cs.serverSnaps))
	}

	// The next confirmed snapshot compares only post-reset predictions.
	s.Process(tickDelta)
	if len(cs.clientSnaps) != 1 {
		t.Fatalf("post-reset prediction missing, got %d", len(cs.clientSnaps))
	}
}

func TestDesyncEventCarriesVariableDiffs(t *testing.T) {
	pub := &memPublisher{}
	s, host, _, _ := newPredictingClientDeps(t, Deps{Publisher: pub})

	for i := 0; i < 5; i++ {
		s.Process(tickDelta)
	}

	server := snapshot.Snapshot{
		InputID: 2,
		Objects: []snapshot.ObjectState{{
			NetID: 0,
			Vars:  []snapshot.VarSlot{{Name: "pos", HasValue: true, Value: core.IntV(10)}},
		}},
	}
	s.HandleMessage(1, ChannelState, snapshot.Encode(server).Bytes())
	s.Process(tickDelta)

	if got := host.val("Hero", "pos").Int; got != 13 {
		t.Fatalf("rewound pos = %d, want 13", got)
	}
	desyncs := pub.ofType(synclog.EventDesyncDetected)
	if len(desyncs) != 1 {
		t.Fatalf("expected one desync event, got %d", len(desyncs))
	}
	payload, ok := desyncs[0].Payload.(synclog.DesyncPayload)
	if !ok {
		t.Fatalf("desync payload type %T", desyncs[0].Payload)
	}
	if len(payload.Variables) != 1 {
		t.Fatalf("expected the diverged variable in the payload, got %v", payload.Variables)
	}
	v := payload.Variables[0]
	if v.Object != "Hero" || v.Name != "pos" {
		t.Fatalf("variable identity wrong: %+v", v)
	}
	// The prediction at input 2 was 3 against the authoritative 10.
	if v.Client != "3" || v.Server != "10" {
		t.Fatalf("variable values wrong: client %s server %s", v.Client, v.Server)
	}
}

func TestRewindReplayChangesFireEndOfSync(t *testing.T) {
	s, host, _, _ := newPredictingClient(t)

	// Orb is passive: its trail derives from the Hero pos every tick,
	// so a rewind that changes the trajectory changes it too, even
	// though no snapshot ever ships it.
	host.addObject("Orb")
	host.set("Orb", "trail", core.IntV(0))
	orb, err := s.RegisterObject("Orb")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	s.RegisterVariable(orb, "trail", false)
	s.Store().SetNetID(orb, 1)
	s.RegisterProcess(orb, core.PhaseProcess, func(float64) {
		host.set("Orb", "trail", core.IntV(host.val("Hero", "pos").Int*3))
	})

	endSyncCalls := 0
	var endSyncOld core.Variant
	if _, err := s.AttachListener(orb, []string{"trail"}, core.EventFlagEndSync, func(old []core.Variant) {
		endSyncCalls++
		endSyncOld = old[0]
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	for i := 0; i < 5; i++ {
		s.Process(tickDelta)
	}
	if got := host.val("Orb", "trail").Int; got != 15 {
		t.Fatalf("derived trail off before recovery, got %d", got)
	}

	server := snapshot.Snapshot{
		InputID: 2,
		Objects: []snapshot.ObjectState{{
			NetID: 0,
			Vars:  []snapshot.VarSlot{{Name: "pos", HasValue: true, Value: core.IntV(10)}},
		}},
	}
	s.HandleMessage(1, ChannelState, snapshot.Encode(server).Bytes())
	s.Process(tickDelta)

	// Replaying inputs 3..5 on top of the authoritative 10 lands pos
	// on 13 and the derived trail on 39.
	if got := host.val("Orb", "trail").Int; got != 39 {
		t.Fatalf("trail not replayed, got %d", got)
	}
	if endSyncCalls != 1 {
		t.Fatalf("end-of-sync must fire for replay-only changes, got %d calls", endSyncCalls)
	}
	// The pre-recovery value includes this tick's own prediction.
	if endSyncOld.Int != 18 {
		t.Fatalf("end-of-sync old value = %d, want 18", endSyncOld.Int)
	}
}

func TestClientRequestsFullSnapshotOnce(t *testing.T) {
	host := newMemHost()
	host.addObject("Enemy3")
	host.set("Enemy3", "hp", core.IntV(0))

	tr := &captureTransport{local: 2, server: 1}
	s := NewScene(DefaultConfig(), host, tr, Deps{})
	od, _ := s.RegisterObject("Enemy3")
	s.RegisterVariable(od, "hp", false)

	delta := snapshot.Snapshot{
		InputID: core.NoneInputID,
		Objects: []snapshot.ObjectState{{
			NetID: 9,
			Vars:  []snapshot.VarSlot{{HasValue: true, Value: core.IntV(5)}},
		}},
	}
	payload := snapshot.Encode(delta).Bytes()

	s.HandleMessage(1, ChannelState, payload)
	if reqs := tr.take(ChannelNeedFullSnapshot); len(reqs) != 1 {
		t.Fatalf("unknown net id must request a full snapshot, got %d requests", len(reqs))
	}
	s.HandleMessage(1, ChannelState, payload)
	if reqs := tr.take(ChannelNeedFullSnapshot); len(reqs) != 0 {
		t.Fatalf("request must not repeat while one is outstanding")
	}

	full := snapshot.Snapshot{
		InputID:       core.NoneInputID,
		HasActiveList: true,
		ActiveList:    []core.ObjectNetID{9},
		Objects: []snapshot.ObjectState{{
			NetID: 9,
			Name:  "Enemy3",
			Vars:  []snapshot.VarSlot{{HasValue: true, Value: core.IntV(5)}},
		}},
	}
	s.HandleMessage(1, ChannelState, snapshot.Encode(full).Bytes())

	if od.NetID != 9 {
		t.Fatalf("name announcement must bind the net id, got %d", od.NetID)
	}
	if s.mode.(*clientSync).fullRequested {
		t.Fatalf("resolved snapshot must clear the outstanding request")
	}

	s.Process(tickDelta)
	if got := host.val("Enemy3", "hp").Int; got != 5 {
		t.Fatalf("authoritative value not applied, hp = %d", got)
	}
}

func TestDeferredInterpolationAlpha(t *testing.T) {
	host := newMemHost()
	host.addObject("Cloud")

	tr := &captureTransport{local: 2, server: 1}
	s := NewScene(DefaultConfig(), host, tr, Deps{})
	od, _ := s.RegisterObject("Cloud")

	var alphas []float64
	var pastVals, futureVals []uint8
	s.SetDeferredFuncs(od, object.DeferredFuncs{
		Apply: func(_, alpha float64, past, future *databuffer.Buffer) {
			alphas = append(alphas, alpha)
			pv, _ := past.ReadUint8()
			fv, _ := future.ReadUint8()
			pastVals = append(pastVals, pv)
			futureVals = append(futureVals, fv)
		},
	})
	s.Store().SetNetID(od, 3)

	mk := func(epoch uint32, val uint8) []byte {
		buf := databuffer.New()
		buf.WriteUint32(epoch)
		buf.WriteBool(true)
		buf.WriteUint8(3)
		buf.WriteUint16(8)
		buf.WriteUint8(val)
		return buf.Bytes()
	}

	// A single epoch cannot interpolate; the stream idles.
	s.HandleMessage(1, ChannelDeferred, mk(10, 100))
	s.Process(tickDelta)
	if len(alphas) != 0 {
		t.Fatalf("single-epoch stream must idle, got alphas %v", alphas)
	}

	// Ten epochs of distance step alpha by a tenth per tick.
	s.HandleMessage(1, ChannelDeferred, mk(20, 200))
	for i := 0; i < 3; i++ {
		s.Process(tickDelta)
	}
	want := []float64{0.1, 0.2, 0.3}
	if len(alphas) != len(want) {
		t.Fatalf("alphas = %v, want 3 steps", alphas)
	}
	for i := range want {
		if math.Abs(alphas[i]-want[i]) > 1e-9 {
			t.Fatalf("alpha %d = %g, want %g", i, alphas[i], want[i])
		}
		if pastVals[i] != 100 || futureVals[i] != 200 {
			t.Fatalf("step %d interpolates %d..%d, want 100..200", i, pastVals[i], futureVals[i])
		}
	}

	// A newer epoch rebases: past becomes the old future and alpha
	// restarts.
	s.HandleMessage(1, ChannelDeferred, mk(30, 250))
	s.Process(tickDelta)
	last := len(alphas) - 1
	if math.Abs(alphas[last]-0.1) > 1e-9 {
		t.Fatalf("rebase must restart alpha, got %g", alphas[last])
	}
	if pastVals[last] != 200 || futureVals[last] != 250 {
		t.Fatalf("rebase interpolates %d..%d, want 200..250", pastVals[last], futureVals[last])
	}

	// Without fresh epochs extrapolation stops past the budget.
	for i := 0; i < 20; i++ {
		s.Process(tickDelta)
	}
	applied := len(alphas)
	if alphas[applied-1] > deferredAlphaLimit+1e-9 {
		t.Fatalf("alpha exceeded the extrapolation budget: %g", alphas[applied-1])
	}
	for i := 0; i < 3; i++ {
		s.Process(tickDelta)
	}
	if len(alphas) != applied {
		t.Fatalf("exhausted stream must stop applying")
	}
}
