package sync

import (
	"context"

	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
	"scene-sync/engine/internal/object"
	"scene-sync/engine/logging"
)

func deferredCollect(collect func(*databuffer.Buffer, float64) bool) object.DeferredFuncs {
	return object.DeferredFuncs{Collect: collect}
}

// memPublisher records every published event for assertions.
type memPublisher struct {
	events []logging.Event
}

func (p *memPublisher) Publish(_ context.Context, e logging.Event) {
	p.events = append(p.events, e)
}

func (p *memPublisher) ofType(t logging.EventType) []logging.Event {
	var out []logging.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// memHost is an in-memory Host with named objects and variant maps.
type memHost struct {
	handles    map[string]uint64
	names      map[uint64]string
	vals       map[uint64]map[string]core.Variant
	ctls       map[uint64]ControllerFuncs
	custom     map[core.SyncGroupID]core.Variant
	received   []core.Variant
	relevancy  int
	nextHandle uint64
}

func newMemHost() *memHost {
	return &memHost{
		handles: make(map[string]uint64),
		names:   make(map[uint64]string),
		vals:    make(map[uint64]map[string]core.Variant),
		ctls:    make(map[uint64]ControllerFuncs),
		custom:  make(map[core.SyncGroupID]core.Variant),
	}
}

func (h *memHost) addObject(name string) uint64 {
	h.nextHandle++
	handle := h.nextHandle
	h.handles[name] = handle
	h.names[handle] = name
	h.vals[handle] = make(map[string]core.Variant)
	return handle
}

func (h *memHost) addController(name string, funcs ControllerFuncs) uint64 {
	handle := h.addObject(name)
	h.ctls[handle] = funcs
	return handle
}

func (h *memHost) set(name, varName string, v core.Variant) {
	h.vals[h.handles[name]][varName] = v
}

func (h *memHost) val(name, varName string) core.Variant {
	return h.vals[h.handles[name]][varName]
}

func (h *memHost) FetchAppObject(name string) (uint64, bool) {
	handle, ok := h.handles[name]
	return handle, ok
}

func (h *memHost) ObjectName(handle uint64) string { return h.names[handle] }

func (h *memHost) GetVariable(handle uint64, name string) core.Variant {
	return h.vals[handle][name]
}

func (h *memHost) SetVariable(handle uint64, name string, value core.Variant) {
	h.vals[handle][name] = value.Clone()
}

func (h *memHost) Compare(a, b core.Variant) bool { return a.Equal(b) }

func (h *memHost) ExtractController(handle uint64) (ControllerFuncs, bool) {
	funcs, ok := h.ctls[handle]
	return funcs, ok
}

func (h *memHost) UpdateNodesRelevancy() { h.relevancy++ }

func (h *memHost) SnapshotCustomData(groupID core.SyncGroupID) (core.Variant, bool) {
	v, ok := h.custom[groupID]
	return v, ok
}

func (h *memHost) SetSnapshotCustomData(value core.Variant) {
	h.received = append(h.received, value.Clone())
}

type sentMsg struct {
	to       core.PeerID
	ch       Channel
	payload  []byte
	reliable bool
}

// captureTransport records outgoing messages for assertions.
type captureTransport struct {
	local     core.PeerID
	server    core.PeerID
	isServer  bool
	authority map[uint64]core.PeerID
	sent      []sentMsg
}

func (t *captureTransport) LocalPeerID() core.PeerID  { return t.local }
func (t *captureTransport) ServerPeerID() core.PeerID { return t.server }
func (t *captureTransport) IsServer() bool            { return t.isServer }

func (t *captureTransport) AuthorityOf(handle uint64) core.PeerID {
	if peer, ok := t.authority[handle]; ok {
		return peer
	}
	return core.NonePeerID
}

func (t *captureTransport) SendReliable(to core.PeerID, ch Channel, payload []byte) error {
	t.sent = append(t.sent, sentMsg{to: to, ch: ch, payload: append([]byte(nil), payload...), reliable: true})
	return nil
}

func (t *captureTransport) SendUnreliable(to core.PeerID, ch Channel, payload []byte) error {
	t.sent = append(t.sent, sentMsg{to: to, ch: ch, payload: append([]byte(nil), payload...), reliable: false})
	return nil
}

// take returns and removes every captured message on the channel.
func (t *captureTransport) take(ch Channel) []sentMsg {
	var out []sentMsg
	keep := t.sent[:0]
	for _, m := range t.sent {
		if m.ch == ch {
			out = append(out, m)
		} else {
			keep = append(keep, m)
		}
	}
	t.sent = keep
	return out
}

// memNet routes messages between scenes through an explicit queue so
// tests control delivery points.
type netMsg struct {
	from, to core.PeerID
	ch       Channel
	payload  []byte
}

type memNet struct {
	scenes map[core.PeerID]*Scene
	queue  []netMsg
}

func newMemNet() *memNet {
	return &memNet{scenes: make(map[core.PeerID]*Scene)}
}

func (n *memNet) flush() {
	for len(n.queue) > 0 {
		m := n.queue[0]
		n.queue = n.queue[1:]
		if sc := n.scenes[m.to]; sc != nil {
			sc.HandleMessage(m.from, m.ch, m.payload)
		}
	}
}

type memPeer struct {
	net       *memNet
	local     core.PeerID
	server    core.PeerID
	isServer  bool
	authority map[uint64]core.PeerID
}

func (p *memPeer) LocalPeerID() core.PeerID  { return p.local }
func (p *memPeer) ServerPeerID() core.PeerID { return p.server }
func (p *memPeer) IsServer() bool            { return p.isServer }

func (p *memPeer) AuthorityOf(handle uint64) core.PeerID {
	if peer, ok := p.authority[handle]; ok {
		return peer
	}
	return core.NonePeerID
}

func (p *memPeer) send(to core.PeerID, ch Channel, payload []byte) error {
	p.net.queue = append(p.net.queue, netMsg{
		from:    p.local,
		to:      to,
		ch:      ch,
		payload: append([]byte(nil), payload...),
	})
	return nil
}

func (p *memPeer) SendReliable(to core.PeerID, ch Channel, payload []byte) error {
	return p.send(to, ch, payload)
}

func (p *memPeer) SendUnreliable(to core.PeerID, ch Channel, payload []byte) error {
	return p.send(to, ch, payload)
}
