// Package input holds the per-controller input history structures.
package input

import (
	"bytes"
	"time"

	"scene-sync/engine/internal/core"
)

// FrameSnapshot is one captured input sample. Buffer is an opaque
// bit-packed payload of BitCount valid bits.
type FrameSnapshot struct {
	ID         core.InputID
	Buffer     []byte
	BitCount   int
	Similarity core.InputID
	ReceivedAt time.Time
}

// SameBuffer reports whether two frames carry identical payloads,
// which is what the redundancy compression keys on.
func (f FrameSnapshot) SameBuffer(o FrameSnapshot) bool {
	return f.BitCount == o.BitCount && bytes.Equal(f.Buffer, o.Buffer)
}

// Clone severs the payload aliasing.
func (f FrameSnapshot) Clone() FrameSnapshot {
	f.Buffer = append([]byte(nil), f.Buffer...)
	return f
}
