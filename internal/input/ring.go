package input

import (
	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/telemetry"
)

const (
	MetricRingDroppedFull     = "inputring_dropped_full_total"
	MetricRingDroppedOutOrder = "inputring_dropped_out_of_order_total"
	MetricRingDroppedDup      = "inputring_dropped_duplicate_total"
	MetricRingOccupancy       = "inputring_occupancy"
)

// Ring is a bounded FIFO of FrameSnapshot with strictly increasing
// input ids. Single-threaded; the engine thread is the only caller.
type Ring struct {
	data    []FrameSnapshot
	head    int
	count   int
	metrics telemetry.Metrics
}

func NewRing(capacity int, metrics telemetry.Metrics) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{data: make([]FrameSnapshot, capacity), metrics: metrics}
}

func (r *Ring) Len() int { return r.count }
func (r *Ring) Cap() int { return len(r.data) }

// PushBack appends a frame. Frames older than or equal to the current
// back are dropped, which is how redundant resends deduplicate.
func (r *Ring) PushBack(f FrameSnapshot) bool {
	if r.count > 0 {
		back := r.At(r.count - 1)
		if f.ID == back.ID {
			r.bump(MetricRingDroppedDup)
			return false
		}
		if f.ID < back.ID {
			r.bump(MetricRingDroppedOutOrder)
			return false
		}
	}
	if r.count == len(r.data) {
		r.bump(MetricRingDroppedFull)
		return false
	}
	r.data[(r.head+r.count)%len(r.data)] = f
	r.count++
	r.gauge()
	return true
}

func (r *Ring) PopFront() (FrameSnapshot, bool) {
	if r.count == 0 {
		return FrameSnapshot{}, false
	}
	f := r.data[r.head]
	r.data[r.head] = FrameSnapshot{}
	r.head = (r.head + 1) % len(r.data)
	r.count--
	r.gauge()
	return f, true
}

// At returns the i-th frame from the front without consuming it.
func (r *Ring) At(i int) FrameSnapshot {
	return r.data[(r.head+i)%len(r.data)]
}

func (r *Ring) Front() (FrameSnapshot, bool) {
	if r.count == 0 {
		return FrameSnapshot{}, false
	}
	return r.data[r.head], true
}

func (r *Ring) Back() (FrameSnapshot, bool) {
	if r.count == 0 {
		return FrameSnapshot{}, false
	}
	return r.At(r.count - 1), true
}

// Window copies up to k frames starting at offset i from the front.
func (r *Ring) Window(i, k int) []FrameSnapshot {
	if i < 0 || i >= r.count || k <= 0 {
		return nil
	}
	if i+k > r.count {
		k = r.count - i
	}
	out := make([]FrameSnapshot, k)
	for j := 0; j < k; j++ {
		out[j] = r.At(i + j)
	}
	return out
}

// Contains reports whether id is currently buffered.
func (r *Ring) Contains(id core.InputID) bool {
	for i := 0; i < r.count; i++ {
		if r.At(i).ID == id {
			return true
		}
	}
	return false
}

// TrimFrontThrough pops every frame with id <= upTo.
func (r *Ring) TrimFrontThrough(upTo core.InputID) int {
	popped := 0
	for r.count > 0 && r.data[r.head].ID <= upTo {
		r.PopFront()
		popped++
	}
	return popped
}

func (r *Ring) Clear() {
	for r.count > 0 {
		r.PopFront()
	}
}

func (r *Ring) bump(key string) {
	if r.metrics != nil {
		r.metrics.Add(key, 1)
	}
}

func (r *Ring) gauge() {
	if r.metrics != nil {
		r.metrics.Store(MetricRingOccupancy, uint64(r.count))
	}
}
