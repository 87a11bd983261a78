// Package group implements sync groups: sets of peers sharing one
// view of a subset of objects, with per-object change tracking for
// delta snapshots and priority accounting for deferred streaming.
package group

import (
	"sort"

	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/object"
)

// Change records what a group still has to tell its peers about one
// realtime object.
type Change struct {
	// Unknown is set until the first notification that carries the
	// object's name, so joining peers can bind it.
	Unknown bool
	// Vars holds the names of variables changed since the last
	// notification.
	Vars map[string]struct{}
}

func (c *Change) HasChanges() bool {
	return c.Unknown || len(c.Vars) > 0
}

type RealtimeObject struct {
	Object *object.Data
	Change Change
}

type DeferredObject struct {
	Object *object.Data
	// UpdateRate is added to UpdatePriority every tick; the object is
	// emitted (and the priority consumed) once it crosses 1.0.
	UpdateRate     float64
	UpdatePriority float64
}

// SyncGroup owns its membership vectors only; objects are owned by
// the store.
type SyncGroup struct {
	ID core.SyncGroupID

	realtime []RealtimeObject
	deferred []DeferredObject
	peers    []core.PeerID

	// StateNotifierTimer accumulates tick deltas toward the next
	// snapshot emission for this group.
	StateNotifierTimer float64

	// UserData is an opaque application tag.
	UserData any

	dirty bool
}

func New(id core.SyncGroupID) *SyncGroup {
	return &SyncGroup{ID: id}
}

// Add inserts the object into the realtime or deferred set, moving it
// between the two if it was already present on the other side.
func (g *SyncGroup) Add(od *object.Data, realtime bool) {
	if od == nil {
		return
	}
	if realtime {
		g.removeDeferred(od)
		if g.findRealtime(od) >= 0 {
			return
		}
		g.realtime = append(g.realtime, RealtimeObject{
			Object: od,
			Change: Change{Unknown: true, Vars: make(map[string]struct{})},
		})
	} else {
		g.removeRealtime(od)
		if g.findDeferred(od) >= 0 {
			return
		}
		g.deferred = append(g.deferred, DeferredObject{Object: od, UpdateRate: 1.0})
	}
	g.dirty = true
}

// Remove drops the object from whichever set holds it.
func (g *SyncGroup) Remove(od *object.Data) {
	removed := g.removeRealtime(od)
	removed = g.removeDeferred(od) || removed
	if removed {
		g.dirty = true
	}
}

// Replace swaps the whole membership in one step. Change state of
// objects that stay realtime is preserved so pending notifications
// are not lost.
func (g *SyncGroup) Replace(realtime, deferred []*object.Data) {
	oldChanges := make(map[core.ObjectLocalID]Change, len(g.realtime))
	for i := range g.realtime {
		oldChanges[g.realtime[i].Object.LocalID] = g.realtime[i].Change
	}
	oldRates := make(map[core.ObjectLocalID]DeferredObject, len(g.deferred))
	for i := range g.deferred {
		oldRates[g.deferred[i].Object.LocalID] = g.deferred[i]
	}

	g.realtime = g.realtime[:0]
	g.deferred = g.deferred[:0]
	seen := make(map[core.ObjectLocalID]struct{}, len(realtime)+len(deferred))

	for _, od := range realtime {
		if od == nil {
			continue
		}
		if _, dup := seen[od.LocalID]; dup {
			continue
		}
		seen[od.LocalID] = struct{}{}
		change, ok := oldChanges[od.LocalID]
		if !ok {
			change = Change{Unknown: true, Vars: make(map[string]struct{})}
		}
		g.realtime = append(g.realtime, RealtimeObject{Object: od, Change: change})
	}
	for _, od := range deferred {
		if od == nil {
			continue
		}
		if _, dup := seen[od.LocalID]; dup {
			continue
		}
		seen[od.LocalID] = struct{}{}
		entry, ok := oldRates[od.LocalID]
		if !ok {
			entry = DeferredObject{Object: od, UpdateRate: 1.0}
		}
		g.deferred = append(g.deferred, entry)
	}
	g.dirty = true
}

// RemoveAll empties both sets.
func (g *SyncGroup) RemoveAll() {
	if len(g.realtime) == 0 && len(g.deferred) == 0 {
		return
	}
	g.realtime = g.realtime[:0]
	g.deferred = g.deferred[:0]
	g.dirty = true
}

func (g *SyncGroup) SetDeferredUpdateRate(od *object.Data, rate float64) {
	if i := g.findDeferred(od); i >= 0 {
		if rate < 0 {
			rate = 0
		}
		g.deferred[i].UpdateRate = rate
	}
}

func (g *SyncGroup) DeferredUpdateRate(od *object.Data) float64 {
	if i := g.findDeferred(od); i >= 0 {
		return g.deferred[i].UpdateRate
	}
	return 0
}

// NotifyNewVariable records a variable the peers have never seen;
// it also marks the object unknown so its name is re-announced.
func (g *SyncGroup) NotifyNewVariable(od *object.Data, varName string) {
	if i := g.findRealtime(od); i >= 0 {
		g.realtime[i].Change.Unknown = true
		g.realtime[i].Change.Vars[varName] = struct{}{}
	}
}

func (g *SyncGroup) NotifyVariableChanged(od *object.Data, varName string) {
	if i := g.findRealtime(od); i >= 0 {
		g.realtime[i].Change.Vars[varName] = struct{}{}
	}
}

// MarkChangesNotified clears pending change records after a snapshot
// reached every listening peer.
func (g *SyncGroup) MarkChangesNotified() {
	for i := range g.realtime {
		g.realtime[i].Change.Unknown = false
		for k := range g.realtime[i].Change.Vars {
			delete(g.realtime[i].Change.Vars, k)
		}
	}
}

// SortDeferredByPriority orders the trickled set so the most starved
// objects are emitted first.
func (g *SyncGroup) SortDeferredByPriority() {
	sort.SliceStable(g.deferred, func(i, j int) bool {
		return g.deferred[i].UpdatePriority > g.deferred[j].UpdatePriority
	})
}

func (g *SyncGroup) Realtime() []RealtimeObject { return g.realtime }
func (g *SyncGroup) Deferred() []DeferredObject { return g.deferred }

// DeferredAt exposes a mutable entry for priority accounting.
func (g *SyncGroup) DeferredAt(i int) *DeferredObject { return &g.deferred[i] }

func (g *SyncGroup) RealtimeChange(od *object.Data) *Change {
	if i := g.findRealtime(od); i >= 0 {
		return &g.realtime[i].Change
	}
	return nil
}

// ConsumeDirty reports and clears the membership dirty bit. Snapshot
// generation emits the active-object list when it was set.
func (g *SyncGroup) ConsumeDirty() bool {
	d := g.dirty
	g.dirty = false
	return d
}

func (g *SyncGroup) MarkDirty() { g.dirty = true }

func (g *SyncGroup) AddListeningPeer(peer core.PeerID) {
	for _, p := range g.peers {
		if p == peer {
			return
		}
	}
	g.peers = append(g.peers, peer)
}

func (g *SyncGroup) RemoveListeningPeer(peer core.PeerID) {
	for i, p := range g.peers {
		if p == peer {
			g.peers = append(g.peers[:i], g.peers[i+1:]...)
			return
		}
	}
}

func (g *SyncGroup) Peers() []core.PeerID { return g.peers }

func (g *SyncGroup) HasPeer(peer core.PeerID) bool {
	for _, p := range g.peers {
		if p == peer {
			return true
		}
	}
	return false
}

func (g *SyncGroup) findRealtime(od *object.Data) int {
	for i := range g.realtime {
		if g.realtime[i].Object == od {
			return i
		}
	}
	return -1
}

func (g *SyncGroup) findDeferred(od *object.Data) int {
	for i := range g.deferred {
		if g.deferred[i].Object == od {
			return i
		}
	}
	return -1
}

func (g *SyncGroup) removeRealtime(od *object.Data) bool {
	if i := g.findRealtime(od); i >= 0 {
		g.realtime = append(g.realtime[:i], g.realtime[i+1:]...)
		return true
	}
	return false
}

func (g *SyncGroup) removeDeferred(od *object.Data) bool {
	if i := g.findDeferred(od); i >= 0 {
		g.deferred = append(g.deferred[:i], g.deferred[i+1:]...)
		return true
	}
	return false
}
