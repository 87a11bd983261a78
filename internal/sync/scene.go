// Package sync wires the object store, sync groups, controllers and
// the change event bus into the synchronizer facade the host
// application drives once per simulation tick.
package sync

import (
	"context"
	"fmt"
	"strconv"

	"scene-sync/engine/internal/controller"
	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
	"scene-sync/engine/internal/event"
	"scene-sync/engine/internal/group"
	"scene-sync/engine/internal/object"
	"scene-sync/engine/internal/telemetry"
	"scene-sync/engine/logging"
	"scene-sync/engine/logging/netlog"
	"scene-sync/engine/logging/synclog"
)

// Deps carries the ambient collaborators. Zero fields fall back to
// no-op implementations.
type Deps struct {
	Publisher logging.Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
}

// mode is the strategy the Scene delegates per-tick work and message
// dispatch to. Exactly one of server, client or standalone is active.
type mode interface {
	name() string
	process(delta float64)
	handleMessage(from core.PeerID, ch Channel, payload []byte)
}

// Scene is the synchronizer facade. Single-threaded: every method,
// including HandleMessage, must run on the simulation goroutine.
type Scene struct {
	cfg       Config
	host      Host
	transport Transport

	ctx     context.Context
	pub     logging.Publisher
	logger  telemetry.Logger
	metrics telemetry.Metrics

	store  *object.Store
	bus    *event.Bus
	groups []*group.SyncGroup

	peers      map[core.PeerID]*PeerData
	peersDirty bool

	mode mode
	tick uint64

	// netEnabled mirrors the server-side enable toggle on clients.
	netEnabled bool

	// procObjects caches the realtime-enabled dispatch order.
	procObjects []*object.Data

	// OnStateValidated fires on clients when a server snapshot
	// confirmed the state at an input id, after any recovery.
	OnStateValidated func(id core.InputID)
	// OnRewindFrameBegin fires before each replayed input of a rewind.
	OnRewindFrameBegin func(id core.InputID, index, total int)
	// OnDesync fires when the local prediction disagreed with the
	// server, before the recovery runs.
	OnDesync func(netIDs []core.ObjectNetID)
}

func NewScene(cfg Config, host Host, transport Transport, deps Deps) *Scene {
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics{}
	}
	s := &Scene{
		cfg:        cfg.withDefaults(),
		host:       host,
		transport:  transport,
		ctx:        context.Background(),
		pub:        deps.Publisher,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		store:      object.NewStore(),
		bus:        event.NewBus(),
		peers:      make(map[core.PeerID]*PeerData),
		netEnabled: true,
	}
	s.groups = append(s.groups, group.New(core.GlobalSyncGroupID))
	s.ResetMode()
	return s
}

// ResetMode re-derives the synchronizer strategy from the transport.
// Called once at construction and again when the transport changes
// sides, e.g. after a host migration.
func (s *Scene) ResetMode() {
	switch {
	case s.transport == nil:
		s.mode = newStandaloneSync(s)
	case s.transport.IsServer():
		s.mode = newServerSync(s)
	default:
		s.mode = newClientSync(s)
	}
	s.updateControllerRoles()
}

func (s *Scene) Config() Config   { return s.cfg }
func (s *Scene) Tick() uint64     { return s.tick }
func (s *Scene) ModeName() string { return s.mode.name() }
func (s *Scene) Bus() *event.Bus  { return s.bus }

func (s *Scene) IsServer() bool {
	return s.transport != nil && s.transport.IsServer()
}

// Config setters. Validation clamps instead of erroring, matching the
// withDefaults policy.

func (s *Scene) SetServerNotifyStateInterval(seconds float64) {
	if seconds > 0 {
		s.cfg.ServerNotifyStateInterval = seconds
	}
}

func (s *Scene) SetNodesRelevancyUpdateTime(seconds float64) {
	if seconds > 0 {
		s.cfg.NodesRelevancyUpdateTime = seconds
	}
}

func (s *Scene) SetMaxDeferredNodesPerUpdate(n int) {
	if n > 0 {
		s.cfg.MaxDeferredNodesPerUpdate = n
	}
}

func (s *Scene) SetTickAcceleration(fps float64) {
	if fps > 0 {
		s.cfg.TickAcceleration = fps
	}
}

func (s *Scene) SetFrameDelayBounds(min, max int) {
	if min > 0 && max >= min {
		s.cfg.MinFramesDelay = min
		s.cfg.MaxFramesDelay = max
	}
}

// Process advances the engine by one host tick.
func (s *Scene) Process(delta float64) {
	s.tick++
	s.mode.process(delta)
}

// HandleMessage dispatches one received engine message. Transports
// call this from the simulation goroutine.
func (s *Scene) HandleMessage(from core.PeerID, ch Channel, payload []byte) {
	s.mode.handleMessage(from, ch, payload)
}

// RegisterObject starts replicating the named host object. On the
// server a net id is assigned immediately; clients learn theirs from
// the first snapshot announcing the name.
func (s *Scene) RegisterObject(name string) (*object.Data, error) {
	if s.store.FindByName(name) != nil {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyRegistered, name)
	}
	handle, ok := s.host.FetchAppObject(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownObject, name)
	}
	od := s.store.Allocate()
	s.store.Bind(od, name, handle)
	if s.IsServer() {
		s.store.SetNetID(od, s.store.GenerateNetID())
	}
	s.groups[core.GlobalSyncGroupID].Add(od, true)

	if funcs, isController := s.host.ExtractController(handle); isController {
		s.attachController(od, funcs)
	}
	return od, nil
}

// UnregisterObject stops replication and releases the local id. The
// net id is never reassigned on the server.
func (s *Scene) UnregisterObject(od *object.Data) {
	if od == nil {
		return
	}
	s.bus.DetachObject(od.LocalID)
	for _, g := range s.groups {
		g.Remove(od)
	}
	if cs, ok := s.mode.(*clientSync); ok {
		cs.dropObject(od)
	}
	s.store.Deallocate(od)
	s.peersDirty = true
}

// RegisterVariable adds (or re-enables) a replicated variable, seeded
// with the host's current value. Peers are told about it on the next
// snapshot via the unknown-object announcement.
func (s *Scene) RegisterVariable(od *object.Data, name string, skipRewinding bool) core.VarID {
	value := s.host.GetVariable(od.AppHandle, name)
	id := od.RegisterVar(name, value, skipRewinding)
	for _, g := range s.groups {
		g.NotifyNewVariable(od, name)
	}
	return id
}

func (s *Scene) UnregisterVariable(od *object.Data, name string) bool {
	return od.RemoveVar(name)
}

// AttachListener observes the named variables of od for event modes in
// mask. The callback receives old values in the given order.
func (s *Scene) AttachListener(od *object.Data, varNames []string, mask core.NetEventFlag, cb event.Callback) (event.Handle, error) {
	watches := make([]event.WatchedVar, 0, len(varNames))
	for _, name := range varNames {
		id, ok := od.FindVar(name)
		if !ok {
			return event.NoneHandle, fmt.Errorf("sync: object %q has no variable %q", od.Name, name)
		}
		watches = append(watches, event.WatchedVar{Object: od.LocalID, Var: id})
	}
	return s.bus.Attach(watches, mask, cb), nil
}

func (s *Scene) DetachListener(h event.Handle) {
	s.bus.Detach(h)
}

func (s *Scene) RegisterProcess(od *object.Data, phase core.ProcessPhase, fn object.ProcessFunc) {
	od.AddProcessFunc(phase, fn)
}

// SetDeferredFuncs opts the object into trickled sync. The object
// still needs deferred membership in a group to be emitted.
func (s *Scene) SetDeferredFuncs(od *object.Data, funcs object.DeferredFuncs) {
	od.Deferred = funcs
}

// Sync group management. Group 0 always exists and its membership is
// engine managed.

func (s *Scene) CreateSyncGroup() core.SyncGroupID {
	id := core.SyncGroupID(len(s.groups))
	s.groups = append(s.groups, group.New(id))
	return id
}

func (s *Scene) groupByID(id core.SyncGroupID) (*group.SyncGroup, error) {
	if int(id) >= len(s.groups) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGroup, id)
	}
	return s.groups[id], nil
}

func (s *Scene) SyncGroupAddObject(id core.SyncGroupID, od *object.Data, realtime bool) error {
	if id == core.GlobalSyncGroupID {
		return ErrGlobalGroupReadOnly
	}
	g, err := s.groupByID(id)
	if err != nil {
		return err
	}
	g.Add(od, realtime)
	return nil
}

func (s *Scene) SyncGroupRemoveObject(id core.SyncGroupID, od *object.Data) error {
	if id == core.GlobalSyncGroupID {
		return ErrGlobalGroupReadOnly
	}
	g, err := s.groupByID(id)
	if err != nil {
		return err
	}
	g.Remove(od)
	return nil
}

func (s *Scene) SyncGroupReplace(id core.SyncGroupID, realtime, deferred []*object.Data) error {
	if id == core.GlobalSyncGroupID {
		return ErrGlobalGroupReadOnly
	}
	g, err := s.groupByID(id)
	if err != nil {
		return err
	}
	g.Replace(realtime, deferred)
	return nil
}

func (s *Scene) SyncGroupRemoveAll(id core.SyncGroupID) error {
	if id == core.GlobalSyncGroupID {
		return ErrGlobalGroupReadOnly
	}
	g, err := s.groupByID(id)
	if err != nil {
		return err
	}
	g.RemoveAll()
	return nil
}

func (s *Scene) SetDeferredUpdateRate(id core.SyncGroupID, od *object.Data, rate float64) error {
	g, err := s.groupByID(id)
	if err != nil {
		return err
	}
	g.SetDeferredUpdateRate(od, rate)
	return nil
}

func (s *Scene) SetGroupUserData(id core.SyncGroupID, data any) error {
	g, err := s.groupByID(id)
	if err != nil {
		return err
	}
	g.UserData = data
	return nil
}

// MovePeerToGroup moves the peer's listening membership. The peer
// gets a forced full snapshot of the new group.
func (s *Scene) MovePeerToGroup(peer core.PeerID, id core.SyncGroupID) error {
	if !s.IsServer() {
		return ErrServerOnly
	}
	pd, ok := s.peers[peer]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	g, err := s.groupByID(id)
	if err != nil {
		return err
	}
	if old, err := s.groupByID(pd.GroupID); err == nil {
		old.RemoveListeningPeer(peer)
	}
	pd.GroupID = id
	pd.NeedFullSnapshot = true
	pd.ForceNotifySnapshot = true
	g.AddListeningPeer(peer)
	return nil
}

// ForceStateNotify makes the group emit a snapshot on the next tick
// instead of waiting out the interval.
func (s *Scene) ForceStateNotify(id core.SyncGroupID) error {
	g, err := s.groupByID(id)
	if err != nil {
		return err
	}
	g.StateNotifierTimer = s.cfg.ServerNotifyStateInterval
	return nil
}

func (s *Scene) ForceStateNotifyAll() {
	for _, g := range s.groups {
		g.StateNotifierTimer = s.cfg.ServerNotifyStateInterval
	}
}

// SetPeerNetworkingEnable toggles state delivery for one peer. A
// re-enabled peer waits for the next snapshot window and then gets a
// full snapshot.
func (s *Scene) SetPeerNetworkingEnable(peer core.PeerID, enabled bool) error {
	if !s.IsServer() {
		return ErrServerOnly
	}
	pd, ok := s.peers[peer]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	payload := []byte{0}
	if enabled {
		if !pd.Enabled {
			pd.WantToEnable = true
		}
		payload[0] = 1
	} else {
		pd.Enabled = false
		pd.WantToEnable = false
	}
	return s.transport.SendReliable(peer, ChannelNetEnable, payload)
}

// SetEnabled is the client-side request to pause or resume its own
// state stream.
func (s *Scene) SetEnabled(enabled bool) error {
	if s.transport == nil || s.IsServer() {
		return nil
	}
	payload := []byte{0}
	if enabled {
		payload[0] = 1
	}
	return s.transport.SendReliable(s.transport.ServerPeerID(), ChannelNetEnable, payload)
}

// PeerConnected registers a transport session. Server side only has
// real work; clients note the server appearing.
func (s *Scene) PeerConnected(peer core.PeerID) {
	netlog.PeerConnected(s.ctx, s.pub, s.tick, logging.PeerRef(peerRefID(peer)))
	if !s.IsServer() {
		return
	}
	if _, exists := s.peers[peer]; exists {
		return
	}
	s.peers[peer] = newPeerData(peer)
	s.groups[core.GlobalSyncGroupID].AddListeningPeer(peer)
	s.peersDirty = true
}

func (s *Scene) PeerDisconnected(peer core.PeerID) {
	netlog.PeerDisconnected(s.ctx, s.pub, s.tick, logging.PeerRef(peerRefID(peer)))
	if !s.IsServer() {
		return
	}
	pd, ok := s.peers[peer]
	if !ok {
		return
	}
	delete(s.peers, peer)
	for _, g := range s.groups {
		g.RemoveListeningPeer(peer)
	}
	if od := s.store.Get(pd.ControllerObject); od != nil {
		od.AuthorityPeer = core.NonePeerID
	}
	s.peersDirty = true
	s.updateControllerRoles()
}

func (s *Scene) Peer(peer core.PeerID) *PeerData {
	return s.peers[peer]
}

func (s *Scene) Store() *object.Store { return s.store }

// attachController builds the role machine for an input-driven
// object and wires its transport hooks.
func (s *Scene) attachController(od *object.Data, funcs ControllerFuncs) {
	ctl := controller.NewCore(s.controllerConfig(), controller.Hooks{
		CollectInput: funcs.CollectInput,
		ApplyInput: func(buf *databuffer.Buffer, delta float64) {
			s.applyControllerInput(od, funcs, buf, delta)
		},
		SendInputPacket: func(payload []byte) {
			if s.transport != nil {
				s.transport.SendUnreliable(s.transport.ServerPeerID(), ChannelInput, payload)
			}
		},
		SendTickSpeedup: func(distance int8) {
			s.sendTickSpeedup(od, distance)
		},
		OnStreamPaused: func() {
			synclog.StreamPaused(s.ctx, s.pub, s.tick, logging.ObjectRef(od.Name))
		},
		OnReset: func(role controller.Role) {
			synclog.ControllerReset(s.ctx, s.pub, s.tick, logging.ObjectRef(od.Name), role.String())
		},
	}, s.logger, s.metrics)
	od.Controller = ctl
	if s.transport != nil {
		od.AuthorityPeer = s.transport.AuthorityOf(od.AppHandle)
	}
	s.peersDirty = true
	s.updateControllerRoles()
}

func (s *Scene) controllerConfig() controller.Config {
	return controller.Config{
		InputStorageSize:             s.cfg.PlayerInputStorageSize,
		MaxRedundantInputs:           s.cfg.MaxRedundantInputs,
		NetworkTracedFrames:          s.cfg.NetworkTracedFrames,
		MinFramesDelay:               s.cfg.MinFramesDelay,
		MaxFramesDelay:               s.cfg.MaxFramesDelay,
		TickAcceleration:             s.cfg.TickAcceleration,
		TickSpeedupNotificationDelay: s.cfg.TickSpeedupNotificationDelay,
		TicksPerSecond:               s.cfg.TicksPerSecond,
	}
}

// applyControllerInput feeds one input into the host and steps the
// simulation that depends on it. For the local player the whole scene
// advances; other controllers only step their own object.
func (s *Scene) applyControllerInput(od *object.Data, funcs ControllerFuncs, buf *databuffer.Buffer, delta float64) {
	if funcs.ApplyInput != nil {
		funcs.ApplyInput(buf, delta)
	}
	if cs, ok := s.mode.(*clientSync); ok && cs.player == od {
		cs.afterPlayerInput(delta)
		return
	}
	s.runObjectPhases(od, delta)
}

func (s *Scene) sendTickSpeedup(od *object.Data, distance int8) {
	if s.transport == nil || od.AuthorityPeer == core.NonePeerID {
		return
	}
	s.transport.SendReliable(od.AuthorityPeer, ChannelTickSpeedup, []byte{byte(distance)})
	netlog.TickSpeedup(s.ctx, s.pub, s.tick, logging.PeerRef(peerRefID(od.AuthorityPeer)),
		netlog.TickSpeedupPayload{Distance: int(distance)})
}

// updateControllerRoles re-derives every controller's role from the
// current mode and authority. Role changes reset the role object.
func (s *Scene) updateControllerRoles() {
	var player *object.Data
	s.store.ForEachInsertion(func(od *object.Data) bool {
		ctl, ok := od.Controller.(*controller.Core)
		if !ok {
			return true
		}
		want := controller.RoleNoNet
		switch s.mode.(type) {
		case *serverSync:
			if od.ServerControlled || od.AuthorityPeer == core.NonePeerID || od.AuthorityPeer == s.transport.LocalPeerID() {
				want = controller.RoleAutonomousServer
			} else {
				want = controller.RoleServer
			}
		case *clientSync:
			if !od.ServerControlled && od.AuthorityPeer == s.transport.LocalPeerID() {
				want = controller.RolePlayer
				player = od
			} else {
				want = controller.RoleDoll
			}
		}
		if ctl.Role() != want {
			ctl.SetRole(want)
		}
		return true
	})
	if cs, ok := s.mode.(*clientSync); ok {
		cs.setPlayer(player)
	}
}

// refreshProcessCache rebuilds the dispatch order when registrations
// or realtime toggles invalidated it.
func (s *Scene) refreshProcessCache() {
	if !s.store.ConsumeProcessCacheDirty() {
		return
	}
	s.procObjects = s.procObjects[:0]
	s.store.ForEachInsertion(func(od *object.Data) bool {
		if od.RealtimeEnabled {
			s.procObjects = append(s.procObjects, od)
		}
		return true
	})
}

// runSimulation is the server and standalone tick: process functions
// in phase order, controllers stepped in the process phase.
func (s *Scene) runSimulation(delta float64) {
	s.refreshProcessCache()
	for phase := core.ProcessPhase(0); int(phase) < core.PhaseCount; phase++ {
		for _, od := range s.procObjects {
			if od.Controller != nil {
				if phase == core.PhaseProcess {
					if ctl, ok := od.Controller.(*controller.Core); ok {
						ctl.Process(delta)
					}
				}
				continue
			}
			for _, fn := range od.ProcessFuncs(phase) {
				fn(delta)
			}
		}
	}
}

// runPassivePhases steps every non-controller object, plus the extra
// object's own functions. The client sub-tick path uses it with the
// player object so the player simulates with the rest of the scene.
func (s *Scene) runPassivePhases(delta float64, extra *object.Data) {
	s.refreshProcessCache()
	for phase := core.ProcessPhase(0); int(phase) < core.PhaseCount; phase++ {
		for _, od := range s.procObjects {
			if od.Controller != nil && od != extra {
				continue
			}
			for _, fn := range od.ProcessFuncs(phase) {
				fn(delta)
			}
		}
	}
}

func (s *Scene) runObjectPhases(od *object.Data, delta float64) {
	for phase := core.ProcessPhase(0); int(phase) < core.PhaseCount; phase++ {
		for _, fn := range od.ProcessFuncs(phase) {
			fn(delta)
		}
	}
}

// detectChanges diffs the host values against the tracked ones,
// batching listener dispatch under flag and recording per-group
// change sets for delta snapshots.
func (s *Scene) detectChanges(flag core.NetEventFlag) {
	s.bus.Begin(flag)
	var cs *clientSync
	if flag&core.EventFlagSyncRecover != 0 {
		cs, _ = s.mode.(*clientSync)
	}
	s.store.ForEachInsertion(func(od *object.Data) bool {
		if !od.RealtimeEnabled {
			return true
		}
		for i := range od.Vars {
			v := &od.Vars[i]
			if !v.Enabled {
				continue
			}
			cur := s.host.GetVariable(od.AppHandle, v.Name)
			if s.host.Compare(cur, v.Value) {
				continue
			}
			old := v.Value
			if cs != nil {
				cs.noteBaseline(od.LocalID, core.VarID(i), old)
			}
			v.Value = cur.Clone()
			s.bus.Add(od.LocalID, core.VarID(i), old)
			for _, g := range s.groups {
				g.NotifyVariableChanged(od, v.Name)
			}
		}
		return true
	})
	s.bus.Flush(s.currentValue)
}

func (s *Scene) currentValue(w event.WatchedVar) core.Variant {
	od := s.store.Get(w.Object)
	if od == nil {
		return core.Variant{}
	}
	v := od.Var(w.Var)
	if v == nil {
		return core.Variant{}
	}
	return v.Value
}

func peerRefID(peer core.PeerID) string {
	return strconv.FormatInt(int64(peer), 10)
}
