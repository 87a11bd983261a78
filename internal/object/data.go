// Package object holds the replicated representation of scene objects
// and the store that owns them.
package object

import (
	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
)

// VarDescriptor tracks one replicated variable. Its ID equals its
// insertion index and is never reused; removal only clears Enabled.
type VarDescriptor struct {
	ID            core.VarID
	Name          string
	Value         core.Variant
	Enabled       bool
	SkipRewinding bool
}

// ProcessFunc runs once per simulation tick (or sub-tick for
// controllers) in phase order.
type ProcessFunc func(delta float64)

// DeferredFuncs are the host callbacks for trickled objects. Collect
// fills buf with the current epoch state and reports whether there is
// anything to send. Apply interpolates between two received epochs.
type DeferredFuncs struct {
	Collect func(buf *databuffer.Buffer, updateRate float64) bool
	Apply   func(delta, alpha float64, past, future *databuffer.Buffer)
}

// ControllerRef is the slice of the controller surface the store and
// snapshot layers need. The full role machinery lives elsewhere.
type ControllerRef interface {
	InputID() core.InputID
	StreamPaused() bool
}

// Data is the replicated state of one scene object. The store is the
// only mutator of LocalID and NetID.
type Data struct {
	LocalID   core.ObjectLocalID
	NetID     core.ObjectNetID
	Name      string
	AppHandle uint64

	Vars []VarDescriptor

	// RealtimeEnabled gates client simulation and rollback compare.
	RealtimeEnabled bool

	Controller       ControllerRef
	AuthorityPeer    core.PeerID
	ServerControlled bool

	Deferred DeferredFuncs

	processFuncs [core.PhaseCount][]ProcessFunc

	store *Store
}

// RegisterVar appends a new descriptor or re-enables a previously
// removed one. The returned id is dense and stable.
func (d *Data) RegisterVar(name string, value core.Variant, skipRewinding bool) core.VarID {
	if id, ok := d.FindVar(name); ok {
		v := &d.Vars[id]
		v.Enabled = true
		v.SkipRewinding = skipRewinding
		v.Value = value.Clone()
		return id
	}
	id := core.VarID(len(d.Vars))
	d.Vars = append(d.Vars, VarDescriptor{
		ID:            id,
		Name:          name,
		Value:         value.Clone(),
		Enabled:       true,
		SkipRewinding: skipRewinding,
	})
	return id
}

// RemoveVar disables the descriptor in place so later ids keep their
// positions.
func (d *Data) RemoveVar(name string) bool {
	id, ok := d.FindVar(name)
	if !ok {
		return false
	}
	d.Vars[id].Enabled = false
	return true
}

func (d *Data) FindVar(name string) (core.VarID, bool) {
	for i := range d.Vars {
		if d.Vars[i].Name == name {
			return core.VarID(i), true
		}
	}
	return core.NoneVarID, false
}

func (d *Data) Var(id core.VarID) *VarDescriptor {
	if int(id) >= len(d.Vars) {
		return nil
	}
	return &d.Vars[id]
}

// SetRealtimeEnabled flips client-side simulation for this object and
// invalidates the cached process dispatch list.
func (d *Data) SetRealtimeEnabled(enabled bool) {
	if d.RealtimeEnabled == enabled {
		return
	}
	d.RealtimeEnabled = enabled
	if d.store != nil {
		d.store.MarkProcessCacheDirty()
	}
}

func (d *Data) AddProcessFunc(phase core.ProcessPhase, fn ProcessFunc) {
	if fn == nil || int(phase) >= core.PhaseCount {
		return
	}
	d.processFuncs[phase] = append(d.processFuncs[phase], fn)
	if d.store != nil {
		d.store.MarkProcessCacheDirty()
	}
}

func (d *Data) ProcessFuncs(phase core.ProcessPhase) []ProcessFunc {
	if int(phase) >= core.PhaseCount {
		return nil
	}
	return d.processFuncs[phase]
}

// HasDeferred reports whether the object participates in trickled
// sync.
func (d *Data) HasDeferred() bool {
	return d.Deferred.Collect != nil || d.Deferred.Apply != nil
}
