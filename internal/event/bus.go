// Package event implements the variable-change listener bus. Dispatch
// is batched: Begin sets the event mode, Add records old values, Flush
// invokes every touched listener exactly once.
package event

import "scene-sync/engine/internal/core"

// WatchedVar identifies one (object, variable) pair a listener
// observes. A cleared entry keeps its slot with Object set to the
// None sentinel so the listener's ordering survives object teardown.
type WatchedVar struct {
	Object core.ObjectLocalID
	Var    core.VarID
}

// Callback receives the old values in watch order. Entries that were
// not observed during the batch carry the current value instead.
type Callback func(old []core.Variant)

// Handle references a listener inside the arena. Stable for the
// listener's lifetime.
type Handle int

const NoneHandle Handle = -1

type listener struct {
	watches []WatchedVar
	mask    core.NetEventFlag
	cb      Callback
	active  bool

	// Per-batch scratch.
	emitted  bool
	old      []core.Variant
	observed []bool
}

// Bus owns the listener arena. Single-threaded like the rest of the
// engine.
type Bus struct {
	arena   []listener
	free    []Handle
	byWatch map[WatchedVar][]Handle

	mode    core.NetEventFlag
	inBatch bool
	touched []Handle
}

func NewBus() *Bus {
	return &Bus{byWatch: make(map[WatchedVar][]Handle)}
}

// Attach registers a listener for the given watches, active for event
// modes intersecting mask.
func (b *Bus) Attach(watches []WatchedVar, mask core.NetEventFlag, cb Callback) Handle {
	if cb == nil || len(watches) == 0 {
		return NoneHandle
	}
	var h Handle
	if n := len(b.free); n > 0 {
		h = b.free[n-1]
		b.free = b.free[:n-1]
	} else {
		h = Handle(len(b.arena))
		b.arena = append(b.arena, listener{})
	}
	b.arena[h] = listener{
		watches:  append([]WatchedVar(nil), watches...),
		mask:     mask,
		cb:       cb,
		active:   true,
		old:      make([]core.Variant, len(watches)),
		observed: make([]bool, len(watches)),
	}
	for _, w := range watches {
		b.byWatch[w] = append(b.byWatch[w], h)
	}
	return h
}

// Detach removes a listener. Index slices shrink; the arena slot is
// recycled.
func (b *Bus) Detach(h Handle) {
	if h == NoneHandle || int(h) >= len(b.arena) || !b.arena[h].active {
		return
	}
	l := &b.arena[h]
	for _, w := range l.watches {
		b.dropIndex(w, h)
	}
	l.active = false
	l.cb = nil
	l.watches = nil
	b.free = append(b.free, h)
}

// DetachObject nulls every watch entry pointing at the object without
// reordering the listener's watch list.
func (b *Bus) DetachObject(obj core.ObjectLocalID) {
	for h := range b.arena {
		l := &b.arena[h]
		if !l.active {
			continue
		}
		for i := range l.watches {
			if l.watches[i].Object != obj {
				continue
			}
			b.dropIndex(l.watches[i], Handle(h))
			l.watches[i].Object = core.NoneObjectLocalID
		}
	}
}

func (b *Bus) dropIndex(w WatchedVar, h Handle) {
	handles := b.byWatch[w]
	for i, cand := range handles {
		if cand == h {
			b.byWatch[w] = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(b.byWatch[w]) == 0 {
		delete(b.byWatch, w)
	}
}

// Begin opens a batch in the given event mode. Nested batches are a
// caller bug; the previous batch is flushed implicitly with no value
// getter.
func (b *Bus) Begin(flag core.NetEventFlag) {
	if b.inBatch {
		b.Flush(nil)
	}
	b.mode = flag
	b.inBatch = true
	b.touched = b.touched[:0]
}

// Add records the old value of (obj, varID) into every listener whose
// mask intersects the current mode.
func (b *Bus) Add(obj core.ObjectLocalID, varID core.VarID, old core.Variant) {
	if !b.inBatch {
		return
	}
	for _, h := range b.byWatch[WatchedVar{Object: obj, Var: varID}] {
		l := &b.arena[h]
		if !l.active || l.mask&b.mode == 0 {
			continue
		}
		if !l.emitted {
			l.emitted = true
			b.touched = append(b.touched, h)
		}
		for i, w := range l.watches {
			if w.Object == obj && w.Var == varID && !l.observed[i] {
				l.old[i] = old.Clone()
				l.observed[i] = true
			}
		}
	}
}

// Flush invokes each touched listener once. current supplies the
// present value for watches that were not observed in this batch; a
// nil getter leaves them as the zero Variant.
func (b *Bus) Flush(current func(WatchedVar) core.Variant) {
	if !b.inBatch {
		return
	}
	// A callback may attach or detach listeners; snapshot the touched
	// set first.
	pending := append([]Handle(nil), b.touched...)
	b.inBatch = false
	b.touched = b.touched[:0]

	for _, h := range pending {
		l := &b.arena[h]
		if !l.active {
			continue
		}
		old := make([]core.Variant, len(l.watches))
		for i := range l.watches {
			if l.observed[i] {
				old[i] = l.old[i]
			} else if current != nil && l.watches[i].Object != core.NoneObjectLocalID {
				old[i] = current(l.watches[i])
			}
			l.observed[i] = false
			l.old[i] = core.Variant{}
		}
		l.emitted = false
		l.cb(old)
	}
}

// InBatch reports whether a Begin is waiting for its Flush.
func (b *Bus) InBatch() bool { return b.inBatch }
