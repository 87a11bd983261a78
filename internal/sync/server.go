package sync

import (
	"scene-sync/engine/internal/controller"
	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
	"scene-sync/engine/internal/group"
	"scene-sync/engine/internal/object"
	"scene-sync/engine/internal/snapshot"
	"scene-sync/engine/logging"
	"scene-sync/engine/logging/netlog"
	"scene-sync/engine/logging/synclog"
)

// maxDeferredObjectBits is the wire limit of one trickled object
// payload; the size field is a u16 bit count.
const maxDeferredObjectBits = 0xFFFF

// serverSync runs the authoritative side: simulate, detect changes,
// emit group snapshots and trickled epoch data.
type serverSync struct {
	scene *Scene

	epoch          uint32
	relevancyTimer float64
}

func newServerSync(s *Scene) *serverSync {
	return &serverSync{scene: s}
}

func (m *serverSync) name() string { return "server" }

func (m *serverSync) process(delta float64) {
	s := m.scene

	if s.peersDirty {
		s.peersDirty = false
		m.updatePeers()
	}

	m.relevancyTimer += delta
	if m.relevancyTimer >= s.cfg.NodesRelevancyUpdateTime {
		m.relevancyTimer = 0
		s.host.UpdateNodesRelevancy()
	}

	m.epoch++

	s.runSimulation(delta)
	s.detectChanges(core.EventFlagChange)

	m.notifyState(delta)
	m.processDeferred(delta)
}

func (m *serverSync) handleMessage(from core.PeerID, ch Channel, payload []byte) {
	s := m.scene
	pd := s.peers[from]
	if pd == nil {
		s.logger.Printf("sync: message on %s from unknown peer %d", ch, from)
		return
	}
	switch ch {
	case ChannelInput:
		ctl := m.peerController(pd)
		if ctl == nil {
			netlog.InputDropped(s.ctx, s.pub, s.tick, logging.PeerRef(peerRefID(from)),
				netlog.InputDroppedPayload{Reason: "no controller", Bytes: len(payload)})
			return
		}
		ctl.ReceiveInputs(payload)
	case ChannelNeedFullSnapshot:
		pd.NeedFullSnapshot = true
		pd.ForceNotifySnapshot = true
	case ChannelNetEnable:
		if len(payload) < 1 {
			return
		}
		if payload[0] != 0 {
			if !pd.Enabled {
				pd.WantToEnable = true
			}
		} else {
			pd.Enabled = false
			pd.WantToEnable = false
		}
	default:
		s.logger.Printf("sync: unexpected %s message from peer %d", ch, from)
	}
}

// updatePeers rebinds peers to the controllers they have authority
// over and announces the bindings to every client.
func (m *serverSync) updatePeers() {
	s := m.scene

	for _, pd := range s.peers {
		pd.ControllerObject = core.NoneObjectLocalID
	}
	s.store.ForEachInsertion(func(od *object.Data) bool {
		if od.Controller == nil {
			return true
		}
		if pd := s.peers[od.AuthorityPeer]; pd != nil {
			pd.ControllerObject = od.LocalID
		}
		return true
	})
	s.updateControllerRoles()

	// Authority announcement: net id, peer, server controlled flag per
	// controller, one buffer for all of them.
	buf := databuffer.New()
	count := 0
	s.store.ForEachInsertion(func(od *object.Data) bool {
		if od.Controller == nil || od.NetID == core.NoneNetID {
			return true
		}
		buf.WriteUint16(uint16(od.NetID))
		buf.WriteUint32(uint32(od.AuthorityPeer))
		buf.WriteBool(od.ServerControlled)
		count++
		return true
	})
	if count == 0 {
		return
	}
	payload := buf.Bytes()
	for peer := range s.peers {
		s.transport.SendReliable(peer, ChannelPeerStatus, payload)
	}
}

func (m *serverSync) peerController(pd *PeerData) *controller.Core {
	od := m.scene.store.Get(pd.ControllerObject)
	if od == nil {
		return nil
	}
	ctl, _ := od.Controller.(*controller.Core)
	return ctl
}

// notifyState walks the groups and emits at most one full and one
// delta snapshot body per group, customized per peer only by the
// prepended input id.
func (m *serverSync) notifyState(delta float64) {
	s := m.scene
	for _, g := range s.groups {
		peers := g.Peers()
		if len(peers) == 0 {
			continue
		}
		g.StateNotifierTimer += delta
		due := g.StateNotifierTimer >= s.cfg.ServerNotifyStateInterval
		if !due {
			for _, p := range peers {
				if pd := s.peers[p]; pd != nil && (pd.ForceNotifySnapshot || pd.WantToEnable) {
					due = true
					break
				}
			}
		}
		if !due {
			continue
		}
		g.StateNotifierTimer = 0
		m.emitGroup(g)
	}
}

func (m *serverSync) emitGroup(g *group.SyncGroup) {
	s := m.scene
	dirty := g.ConsumeDirty()

	var fullBody, deltaBody *snapshot.Snapshot

	for _, p := range append([]core.PeerID(nil), g.Peers()...) {
		pd := s.peers[p]
		if pd == nil {
			continue
		}
		if pd.WantToEnable {
			pd.WantToEnable = false
			pd.Enabled = true
			pd.NeedFullSnapshot = true
		}
		if !pd.Enabled {
			continue
		}
		full := pd.NeedFullSnapshot
		pd.NeedFullSnapshot = false
		pd.ForceNotifySnapshot = false

		var body *snapshot.Snapshot
		if full {
			if fullBody == nil {
				fullBody = m.buildSnapshot(g, true, true)
			}
			body = fullBody
		} else {
			if deltaBody == nil {
				deltaBody = m.buildSnapshot(g, false, dirty)
			}
			body = deltaBody
		}

		out := *body
		out.InputID = m.peerInputID(pd)
		buf := snapshot.Encode(out)
		s.transport.SendReliable(p, ChannelState, buf.Bytes())
		if ctl := m.peerController(pd); ctl != nil {
			ctl.NotifySendState()
		}
		synclog.SnapshotSent(s.ctx, s.pub, s.tick, logging.PeerRef(peerRefID(p)),
			synclog.SnapshotSentPayload{
				Group:   uint32(g.ID),
				Full:    full,
				Bits:    buf.BitSize(),
				Objects: len(out.Objects),
			})
	}

	g.MarkChangesNotified()
}

// buildSnapshot assembles one snapshot body. Delta bodies carry only
// the variables recorded changed since the last notification; full
// bodies carry every enabled variable plus the object names.
func (m *serverSync) buildSnapshot(g *group.SyncGroup, full, withActiveList bool) *snapshot.Snapshot {
	s := m.scene
	snap := &snapshot.Snapshot{InputID: core.NoneInputID}

	if withActiveList {
		snap.HasActiveList = true
		for _, ro := range g.Realtime() {
			if ro.Object.NetID != core.NoneNetID && ro.Object.RealtimeEnabled {
				snap.ActiveList = append(snap.ActiveList, ro.Object.NetID)
			}
		}
	}

	if v, ok := s.host.SnapshotCustomData(g.ID); ok {
		snap.HasCustomData = true
		snap.CustomData = v.Clone()
	}

	for _, ro := range g.Realtime() {
		od := ro.Object
		if od.NetID == core.NoneNetID || !od.RealtimeEnabled {
			continue
		}
		change := ro.Change
		if !full && !change.HasChanges() {
			continue
		}
		o := snapshot.ObjectState{NetID: od.NetID}
		if full || change.Unknown {
			o.Name = od.Name
		}
		o.Vars = make([]snapshot.VarSlot, len(od.Vars))
		for i := range od.Vars {
			v := &od.Vars[i]
			o.Vars[i].Name = v.Name
			if !v.Enabled {
				continue
			}
			_, changed := change.Vars[v.Name]
			if full || change.Unknown || changed {
				o.Vars[i].HasValue = true
				o.Vars[i].Value = v.Value.Clone()
			}
		}
		snap.Objects = append(snap.Objects, o)
	}

	snap.SortObjects()
	return snap
}

func (m *serverSync) peerInputID(pd *PeerData) core.InputID {
	if ctl := m.peerController(pd); ctl != nil {
		return ctl.InputID()
	}
	return core.NoneInputID
}

// processDeferred trickles deferred objects whose priority crossed
// 1.0, most starved first, capped per update and per object size.
func (m *serverSync) processDeferred(delta float64) {
	s := m.scene
	for _, g := range s.groups {
		peers := g.Peers()
		if len(peers) == 0 || len(g.Deferred()) == 0 {
			continue
		}

		for i := range g.Deferred() {
			d := g.DeferredAt(i)
			d.UpdatePriority += d.UpdateRate
		}
		g.SortDeferredByPriority()

		buf := databuffer.New()
		buf.WriteUint32(m.epoch)
		count := 0
		for i := 0; i < len(g.Deferred()) && count < s.cfg.MaxDeferredNodesPerUpdate; i++ {
			d := g.DeferredAt(i)
			if d.UpdatePriority < 1.0 {
				break
			}
			d.UpdatePriority = 0
			od := d.Object
			if od.NetID == core.NoneNetID || od.Deferred.Collect == nil {
				continue
			}
			tmp := databuffer.New()
			if !od.Deferred.Collect(tmp, d.UpdateRate) || tmp.BitSize() == 0 {
				continue
			}
			if tmp.BitSize() > maxDeferredObjectBits {
				s.logger.Printf("sync: deferred payload for %q exceeds %d bits, skipped", od.Name, maxDeferredObjectBits)
				continue
			}
			if od.NetID <= 0xFF {
				buf.WriteBool(true)
				buf.WriteUint8(uint8(od.NetID))
			} else {
				buf.WriteBool(false)
				buf.WriteUint16(uint16(od.NetID))
			}
			buf.WriteUint16(uint16(tmp.BitSize()))
			buf.Append(tmp)
			count++
		}
		if count == 0 {
			continue
		}
		payload := buf.Bytes()
		for _, p := range peers {
			if pd := s.peers[p]; pd == nil || !pd.Enabled {
				continue
			}
			s.transport.SendUnreliable(p, ChannelDeferred, payload)
		}
	}
}
