package sync

import (
	"math"

	"scene-sync/engine/internal/controller"
	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
	"scene-sync/engine/internal/object"
	"scene-sync/engine/internal/snapshot"
	"scene-sync/engine/logging/synclog"
)

// deferredAlphaLimit is how far past the future epoch interpolation
// keeps extrapolating before the stream idles.
const deferredAlphaLimit = 1.2

// deferredStream interpolates one object between its two most recent
// trickled epochs.
type deferredStream struct {
	pastEpoch   uint32
	futureEpoch uint32
	past        *databuffer.Buffer
	future      *databuffer.Buffer
	alpha       float64
	step        float64
	primed      bool
}

func (st *deferredStream) push(epoch uint32, bits []byte, bitCount int) {
	buf := databuffer.FromBits(bits, bitCount)
	if st.primed {
		st.past = st.future
		st.pastEpoch = st.futureEpoch
	} else {
		st.primed = true
		st.past = buf
		st.pastEpoch = epoch
	}
	st.future = buf
	st.futureEpoch = epoch
	if st.futureEpoch <= st.pastEpoch {
		st.alpha = math.Inf(1)
		st.step = math.Inf(1)
		return
	}
	st.alpha = 0
	st.step = 1 / float64(st.futureEpoch-st.pastEpoch)
}

func (st *deferredStream) idle() bool {
	return math.IsInf(st.step, 1)
}

type varKey struct {
	obj core.ObjectLocalID
	v   core.VarID
}

// clientSync runs the predicting side: apply local inputs optimistically,
// keep predicted snapshots, reconcile against server snapshots.
type clientSync struct {
	scene *Scene

	player    *object.Data
	playerCtl *controller.Core

	serverSnaps []snapshot.Snapshot
	clientSnaps []snapshot.Snapshot

	deferredStreams map[core.ObjectNetID]*deferredStream

	// replaying suppresses prediction bookkeeping while stored inputs
	// re-run during a rewind.
	replaying bool

	// baseline holds the pre-recovery value of every variable the
	// reconciliation touches; finishSync dispatches the end-of-sync
	// batch from it. Nil outside a reconciliation.
	baseline map[varKey]core.Variant

	// fullRequested latches until a snapshot arrives with every
	// object known, so the client asks for a full snapshot at most
	// once per unknown.
	fullRequested bool
}

func newClientSync(s *Scene) *clientSync {
	return &clientSync{
		scene:           s,
		deferredStreams: make(map[core.ObjectNetID]*deferredStream),
	}
}

func (m *clientSync) name() string { return "client" }

func (m *clientSync) setPlayer(od *object.Data) {
	if m.player == od {
		return
	}
	m.player = od
	m.playerCtl = nil
	if od != nil {
		m.playerCtl, _ = od.Controller.(*controller.Core)
	}
	m.serverSnaps = m.serverSnaps[:0]
	m.clientSnaps = m.clientSnaps[:0]
}

func (m *clientSync) dropObject(od *object.Data) {
	if od.NetID != core.NoneNetID {
		delete(m.deferredStreams, od.NetID)
	}
	if m.player == od {
		m.setPlayer(nil)
	}
}

func (m *clientSync) process(delta float64) {
	s := m.scene
	s.refreshProcessCache()

	// Dolls consume whatever the server relayed, once per tick.
	for _, od := range s.procObjects {
		if od.Controller == nil || od == m.player {
			continue
		}
		if ctl, ok := od.Controller.(*controller.Core); ok {
			ctl.Process(delta)
		}
	}

	if m.playerCtl != nil && s.netEnabled {
		// Each produced sub-tick runs afterPlayerInput: the scene
		// advances, changes dispatch and a prediction is recorded.
		m.playerCtl.Process(delta)
	} else {
		s.runPassivePhases(delta, nil)
		s.detectChanges(core.EventFlagChange)
	}

	m.processReceivedServerState(delta)
	m.processReceivedDeferred(delta)
}

func (m *clientSync) handleMessage(from core.PeerID, ch Channel, payload []byte) {
	s := m.scene
	switch ch {
	case ChannelState:
		m.receiveSnapshot(payload)
	case ChannelDeferred:
		m.receiveDeferred(payload)
	case ChannelTickSpeedup:
		if len(payload) >= 1 && m.playerCtl != nil {
			m.playerCtl.ReceiveTickSpeedup(int8(payload[0]))
		}
	case ChannelNetEnable:
		if len(payload) < 1 {
			return
		}
		enabled := payload[0] != 0
		if enabled && !s.netEnabled {
			m.fullRequested = false
			s.netEnabled = true
			m.requestFullSnapshot("stream re-enabled")
		} else if !enabled {
			s.netEnabled = false
			m.serverSnaps = m.serverSnaps[:0]
			m.clientSnaps = m.clientSnaps[:0]
		}
	case ChannelPeerStatus:
		m.receivePeerStatus(payload)
	default:
		s.logger.Printf("sync: unexpected %s message from peer %d", ch, from)
	}
}

// afterPlayerInput is invoked by the controller for every applied
// input, optimistic or replayed: step the scene, detect changes,
// record the prediction.
func (m *clientSync) afterPlayerInput(delta float64) {
	s := m.scene
	s.runPassivePhases(delta, m.player)
	if m.replaying {
		s.detectChanges(core.EventFlagSyncRecover | core.EventFlagSyncRewind)
		return
	}
	s.detectChanges(core.EventFlagChange)
	if id := m.playerCtl.InputID(); id != core.NoneInputID {
		m.clientSnaps = append(m.clientSnaps, m.buildLocalSnapshot(id))
	}
}

// buildLocalSnapshot records the tracked values of every active
// object as the prediction for the given input id.
func (m *clientSync) buildLocalSnapshot(id core.InputID) snapshot.Snapshot {
	s := m.scene
	snap := snapshot.Snapshot{InputID: id}
	s.store.ForEachNetOrder(func(od *object.Data) bool {
		if !od.RealtimeEnabled {
			return true
		}
		o := snapshot.ObjectState{NetID: od.NetID}
		o.Vars = make([]snapshot.VarSlot, len(od.Vars))
		for i := range od.Vars {
			v := &od.Vars[i]
			if !v.Enabled {
				continue
			}
			o.Vars[i] = snapshot.VarSlot{Name: v.Name, HasValue: true, Value: v.Value.Clone()}
		}
		snap.Objects = append(snap.Objects, o)
		return true
	})
	return snap
}

// receiveSnapshot parses and stores a server snapshot; application
// happens in the next process pass.
func (m *clientSync) receiveSnapshot(payload []byte) {
	s := m.scene
	if !s.netEnabled {
		return
	}
	buf := databuffer.FromBits(payload, len(payload)*8)
	snap, err := snapshot.Decode(buf)
	if err != nil {
		s.logger.Printf("sync: dropping malformed snapshot: %v", err)
		m.requestFullSnapshot("malformed snapshot")
		return
	}

	unknown := false
	for i := range snap.Objects {
		o := &snap.Objects[i]
		if s.store.GetByNetID(o.NetID) != nil {
			continue
		}
		if o.Name != "" {
			if od := s.store.FindByName(o.Name); od != nil {
				s.store.SetNetID(od, o.NetID)
				continue
			}
		}
		unknown = true
	}
	if unknown {
		m.requestFullSnapshot("unknown object")
	} else {
		// Everything resolved; allow a future unknown to ask again.
		m.fullRequested = false
	}

	if n := len(m.serverSnaps); n > 0 && snap.InputID != core.NoneInputID {
		last := m.serverSnaps[n-1].InputID
		if last != core.NoneInputID && snap.InputID <= last {
			return
		}
	}
	m.serverSnaps = append(m.serverSnaps, snap)
}

func (m *clientSync) requestFullSnapshot(reason string) {
	s := m.scene
	if m.fullRequested {
		return
	}
	m.fullRequested = true
	s.transport.SendReliable(s.transport.ServerPeerID(), ChannelNeedFullSnapshot, nil)
	synclog.FullSnapshotRequested(s.ctx, s.pub, s.tick, reason)
}

func (m *clientSync) receivePeerStatus(payload []byte) {
	s := m.scene
	buf := databuffer.FromBits(payload, len(payload)*8)
	for buf.Remaining() >= 49 {
		netID, err := buf.ReadUint16()
		if err != nil {
			return
		}
		peer, err := buf.ReadUint32()
		if err != nil {
			return
		}
		serverControlled, err := buf.ReadBool()
		if err != nil {
			return
		}
		od := s.store.GetByNetID(core.ObjectNetID(netID))
		if od == nil {
			continue
		}
		od.AuthorityPeer = core.PeerID(int32(peer))
		od.ServerControlled = serverControlled
	}
	s.updateControllerRoles()
}

// processReceivedServerState reconciles the newest applicable server
// snapshot against the local predictions.
func (m *clientSync) processReceivedServerState(delta float64) {
	if len(m.serverSnaps) == 0 {
		return
	}
	s := m.scene

	// Without a predicting player every snapshot is authoritative and
	// applied directly. The same holds while the server paused our
	// input stream: there is no input id to align on.
	if m.playerCtl == nil || m.playerCtl.StreamPaused() {
		last := m.serverSnaps[len(m.serverSnaps)-1]
		m.applySnapshot(last, core.EventFlagSyncRecover, true)
		m.serverSnaps = m.serverSnaps[:0]
		m.clientSnaps = m.clientSnaps[:0]
		return
	}

	last := m.serverSnaps[len(m.serverSnaps)-1]
	if last.InputID == core.NoneInputID {
		// A reset snapshot invalidates the predictions made before it;
		// keeping them would pit pre-reset state against post-reset
		// snapshots and force a spurious rewind.
		m.applySnapshot(last, core.EventFlagSyncRecover, true)
		m.serverSnaps = m.serverSnaps[:0]
		m.clientSnaps = m.clientSnaps[:0]
		return
	}

	checkable := m.checkableInputID()
	if checkable == core.NoneInputID {
		// Predictions have not caught up with the server yet.
		return
	}
	m.trimDeques(checkable)
	if len(m.serverSnaps) == 0 || len(m.clientSnaps) == 0 {
		return
	}

	server := m.serverSnaps[0]
	client := m.clientSnaps[0]
	m.captureBaseline(server)

	res := snapshot.Compare(server, client, snapshot.CompareOptions{
		Equal:         s.host.Compare,
		SkipRewinding: m.skipRewinding,
	})

	m.playerCtl.NotifyInputChecked(checkable)

	if res.Equal {
		// Skip-rewinding diffs patch in place; the active list and
		// custom data of the snapshot still apply.
		patch := res.NoRewind
		patch.HasActiveList = server.HasActiveList
		patch.ActiveList = server.ActiveList
		patch.HasCustomData = server.HasCustomData
		patch.CustomData = server.CustomData
		if !patch.IsEmpty() {
			m.applySnapshot(patch, core.EventFlagSyncRecover, true)
		}
		// The checked prediction is consumed; later ones stay for the
		// next snapshot.
		m.clientSnaps = m.clientSnaps[1:]
	} else {
		synclog.DesyncDetected(s.ctx, s.pub, s.tick, synclog.DesyncPayload{
			InputID:   uint32(checkable),
			Objects:   divergedNames(s, res.DivergedNetIDs),
			Variables: divergedVariables(s, res.DivergedVars),
		})
		if s.OnDesync != nil {
			s.OnDesync(res.DivergedNetIDs)
		}
		m.rewind(server, checkable)
	}

	m.finishSync()

	m.serverSnaps = m.serverSnaps[1:]
	if s.OnStateValidated != nil {
		s.OnStateValidated(checkable)
	}
}

// checkableInputID is the newest input id present in both deques.
func (m *clientSync) checkableInputID() core.InputID {
	best := core.NoneInputID
	for _, srv := range m.serverSnaps {
		if srv.InputID == core.NoneInputID {
			continue
		}
		for _, cli := range m.clientSnaps {
			if cli.InputID == srv.InputID {
				if best == core.NoneInputID || srv.InputID > best {
					best = srv.InputID
				}
				break
			}
		}
	}
	return best
}

// trimDeques drops snapshots older than the checkable id so both
// fronts line up on it.
func (m *clientSync) trimDeques(checkable core.InputID) {
	keepSrv := m.serverSnaps[:0]
	for _, snap := range m.serverSnaps {
		if snap.InputID != core.NoneInputID && snap.InputID >= checkable {
			keepSrv = append(keepSrv, snap)
		}
	}
	m.serverSnaps = keepSrv

	keepCli := m.clientSnaps[:0]
	for _, snap := range m.clientSnaps {
		if snap.InputID >= checkable {
			keepCli = append(keepCli, snap)
		}
	}
	m.clientSnaps = keepCli
}

func (m *clientSync) skipRewinding(netID core.ObjectNetID, varID core.VarID) bool {
	od := m.scene.store.GetByNetID(netID)
	if od == nil {
		return false
	}
	v := od.Var(varID)
	return v != nil && v.SkipRewinding
}

// rewind resets to the authoritative state and replays every stored
// input newer than the checked one.
func (m *clientSync) rewind(server snapshot.Snapshot, checkable core.InputID) {
	s := m.scene

	m.applySnapshot(server, core.EventFlagSyncRecover|core.EventFlagSyncReset, true)

	frames := m.playerCtl.StoredInputsFrom(checkable)
	delta := 1 / s.cfg.TicksPerSecond

	m.clientSnaps = m.clientSnaps[:0]
	m.replaying = true
	for i, f := range frames {
		if s.OnRewindFrameBegin != nil {
			s.OnRewindFrameBegin(f.ID, i, len(frames))
		}
		m.playerCtl.ApplyFrame(f, delta)
		m.clientSnaps = append(m.clientSnaps, m.buildLocalSnapshot(f.ID))
	}
	m.replaying = false

	synclog.RewindCompleted(s.ctx, s.pub, s.tick, synclog.RewindPayload{
		InputID:        uint32(checkable),
		ReplayedInputs: len(frames),
	})
}

// captureBaseline seeds the end-of-sync baseline with the values the
// recovery starts from, for the variables the server snapshot ships.
// A replay can touch variables the snapshot never mentions, so change
// detection extends the set through noteBaseline while it runs.
func (m *clientSync) captureBaseline(server snapshot.Snapshot) {
	s := m.scene
	m.baseline = make(map[varKey]core.Variant)
	for _, o := range server.Objects {
		od := s.store.GetByNetID(o.NetID)
		if od == nil {
			continue
		}
		for i := range o.Vars {
			if !o.Vars[i].HasValue {
				continue
			}
			v := od.Var(core.VarID(i))
			if v == nil || !v.Enabled {
				continue
			}
			m.baseline[varKey{obj: od.LocalID, v: core.VarID(i)}] = v.Value.Clone()
		}
	}
}

// noteBaseline records the first value seen for a variable changed
// during the recovery window. First seen wins: the end-of-sync batch
// reports the pre-recovery value, not an intermediate replay step.
func (m *clientSync) noteBaseline(obj core.ObjectLocalID, vid core.VarID, old core.Variant) {
	if m.baseline == nil {
		return
	}
	k := varKey{obj: obj, v: vid}
	if _, seen := m.baseline[k]; !seen {
		m.baseline[k] = old.Clone()
	}
}

// finishSync fires the end-of-sync batch for variables whose value
// after the recovery differs from before it.
func (m *clientSync) finishSync() {
	s := m.scene
	s.bus.Begin(core.EventFlagEndSync)
	for k, old := range m.baseline {
		od := s.store.Get(k.obj)
		if od == nil {
			continue
		}
		v := od.Var(k.v)
		if v == nil {
			continue
		}
		if s.host.Compare(v.Value, old) {
			continue
		}
		s.bus.Add(k.obj, k.v, old)
	}
	s.bus.Flush(s.currentValue)
	m.baseline = nil
}

// applySnapshot writes the shipped values into the host and the
// tracked mirrors, dispatching change events under flag.
func (m *clientSync) applySnapshot(snap snapshot.Snapshot, flag core.NetEventFlag, withMeta bool) {
	s := m.scene
	s.bus.Begin(flag)

	if withMeta && snap.HasActiveList {
		active := make(map[core.ObjectNetID]struct{}, len(snap.ActiveList))
		for _, id := range snap.ActiveList {
			active[id] = struct{}{}
		}
		s.store.ForEachNetOrder(func(od *object.Data) bool {
			_, on := active[od.NetID]
			if !on && od.RealtimeEnabled {
				delete(m.deferredStreams, od.NetID)
			}
			od.SetRealtimeEnabled(on)
			return true
		})
	}
	if withMeta && snap.HasCustomData {
		s.host.SetSnapshotCustomData(snap.CustomData)
	}

	for _, o := range snap.Objects {
		od := s.store.GetByNetID(o.NetID)
		if od == nil {
			continue
		}
		for i := range o.Vars {
			slot := &o.Vars[i]
			if !slot.HasValue {
				continue
			}
			v := od.Var(core.VarID(i))
			if v == nil || !v.Enabled {
				continue
			}
			if s.host.Compare(slot.Value, v.Value) {
				continue
			}
			old := v.Value
			s.host.SetVariable(od.AppHandle, v.Name, slot.Value)
			v.Value = slot.Value.Clone()
			s.bus.Add(od.LocalID, core.VarID(i), old)
		}
	}

	s.bus.Flush(s.currentValue)
}

// receiveDeferred splits one epoch broadcast into per-object streams.
func (m *clientSync) receiveDeferred(payload []byte) {
	s := m.scene
	if !s.netEnabled {
		return
	}
	buf := databuffer.FromBits(payload, len(payload)*8)
	epoch, err := buf.ReadUint32()
	if err != nil {
		s.logger.Printf("sync: dropping malformed deferred payload: %v", err)
		return
	}
	// The smallest entry is flag + u8 id + u16 size; anything shorter
	// is byte padding.
	for buf.Remaining() >= 25 {
		small, err := buf.ReadBool()
		if err != nil {
			return
		}
		var netID core.ObjectNetID
		if small {
			raw, err := buf.ReadUint8()
			if err != nil {
				return
			}
			netID = core.ObjectNetID(raw)
		} else {
			raw, err := buf.ReadUint16()
			if err != nil {
				return
			}
			netID = core.ObjectNetID(raw)
		}
		bitCount, err := buf.ReadUint16()
		if err != nil {
			return
		}
		bits, err := buf.ReadBits(int(bitCount))
		if err != nil {
			s.logger.Printf("sync: truncated deferred entry for net id %d", netID)
			return
		}
		od := s.store.GetByNetID(netID)
		if od == nil || od.Deferred.Apply == nil {
			continue
		}
		st := m.deferredStreams[netID]
		if st == nil {
			st = &deferredStream{}
			m.deferredStreams[netID] = st
		}
		st.push(epoch, bits, int(bitCount))
	}
}

// processReceivedDeferred advances every interpolation stream by one
// alpha step and applies it.
func (m *clientSync) processReceivedDeferred(delta float64) {
	s := m.scene
	for netID, st := range m.deferredStreams {
		od := s.store.GetByNetID(netID)
		if od == nil || od.Deferred.Apply == nil {
			delete(m.deferredStreams, netID)
			continue
		}
		if st.idle() {
			continue
		}
		st.alpha += st.step
		if st.alpha > deferredAlphaLimit {
			// Extrapolated past the budget; hold until a newer epoch.
			continue
		}
		st.past.Seek(0)
		st.future.Seek(0)
		od.Deferred.Apply(delta, st.alpha, st.past, st.future)
	}
}

func divergedNames(s *Scene, ids []core.ObjectNetID) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if od := s.store.GetByNetID(id); od != nil {
			names = append(names, od.Name)
		}
	}
	return names
}

func divergedVariables(s *Scene, diffs []snapshot.VarDiff) []synclog.DesyncVariable {
	vars := make([]synclog.DesyncVariable, 0, len(diffs))
	for _, d := range diffs {
		dv := synclog.DesyncVariable{
			Name:   d.Name,
			Client: d.Client.String(),
			Server: d.Server.String(),
		}
		if od := s.store.GetByNetID(d.NetID); od != nil {
			dv.Object = od.Name
			if dv.Name == "" {
				if v := od.Var(d.VarID); v != nil {
					dv.Name = v.Name
				}
			}
		}
		vars = append(vars, dv)
	}
	return vars
}
