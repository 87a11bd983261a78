package controller

import (
	"fmt"
	"time"

	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
	"scene-sync/engine/internal/input"
)

// Input packet layout (bit-packed):
//
//	first_input_id:u32  count:u8
//	per frame: duplicate:bool  [ bit_size:u16  bits ] if !duplicate
//
// Frames carry consecutive ids starting at first_input_id. A
// duplicate frame reuses the previous frame's payload, which is how
// redundant resends of an unchanged input stay cheap.
func encodeInputPacket(frames []input.FrameSnapshot) []byte {
	if len(frames) == 0 {
		return nil
	}
	buf := databuffer.New()
	buf.WriteUint32(uint32(frames[0].ID))
	buf.WriteUint8(uint8(len(frames)))
	for i, f := range frames {
		dup := i > 0 && f.SameBuffer(frames[i-1])
		buf.WriteBool(dup)
		if !dup {
			buf.WriteUint16(uint16(f.BitCount))
			buf.WriteBits(f.Buffer, f.BitCount)
		}
	}
	return buf.Bytes()
}

func decodeInputPacket(payload []byte, now time.Time) ([]input.FrameSnapshot, error) {
	buf := databuffer.FromBits(payload, len(payload)*8)
	firstID, err := buf.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("input packet: first id: %w", err)
	}
	count, err := buf.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("input packet: count: %w", err)
	}
	frames := make([]input.FrameSnapshot, 0, count)
	for i := 0; i < int(count); i++ {
		dup, err := buf.ReadBool()
		if err != nil {
			return nil, fmt.Errorf("input packet: frame %d flag: %w", i, err)
		}
		f := input.FrameSnapshot{
			ID:         core.InputID(firstID) + core.InputID(i),
			Similarity: core.NoneInputID,
			ReceivedAt: now,
		}
		if dup {
			if i == 0 {
				return nil, fmt.Errorf("input packet: frame 0 marked duplicate")
			}
			prev := frames[len(frames)-1]
			f.Buffer = prev.Buffer
			f.BitCount = prev.BitCount
			f.Similarity = prev.ID
		} else {
			bits, err := buf.ReadUint16()
			if err != nil {
				return nil, fmt.Errorf("input packet: frame %d size: %w", i, err)
			}
			f.BitCount = int(bits)
			f.Buffer, err = buf.ReadBits(int(bits))
			if err != nil {
				return nil, fmt.Errorf("input packet: frame %d payload: %w", i, err)
			}
		}
		frames = append(frames, f)
	}
	return frames, nil
}
