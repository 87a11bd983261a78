package snapshot

import (
	"fmt"

	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
)

// maxVarsPerObject is the wire limit of the u8 slot count; slots past
// it are not emitted.
const maxVarsPerObject = 255

// Encode serializes the snapshot into a fresh bit buffer. Objects are
// emitted in ascending net-id order; callers sort beforehand or
// accept the codec doing it.
func Encode(s Snapshot) *databuffer.Buffer {
	s.SortObjects()
	buf := databuffer.New()

	buf.WriteUint32(uint32(s.InputID))

	buf.WriteBool(s.HasActiveList)
	if s.HasActiveList {
		for _, id := range s.ActiveList {
			buf.WriteUint16(uint16(id))
		}
		buf.WriteUint16(uint16(core.NoneNetID))
	}

	buf.WriteBool(s.HasCustomData)
	if s.HasCustomData {
		buf.WriteVariant(s.CustomData)
	}

	for _, o := range s.Objects {
		buf.WriteUint16(uint16(o.NetID))
		hasName := o.Name != ""
		buf.WriteBool(hasName)
		if hasName {
			buf.WriteString(o.Name)
		}
		vars := o.Vars
		if len(vars) > maxVarsPerObject {
			vars = vars[:maxVarsPerObject]
		}
		buf.WriteUint8(uint8(len(vars)))
		for _, v := range vars {
			buf.WriteBool(v.HasValue)
			if v.HasValue {
				buf.WriteVariant(v.Value)
			}
		}
	}
	buf.WriteUint16(uint16(core.NoneNetID))

	return buf
}

// Decode parses a snapshot from the buffer's read cursor. A malformed
// payload returns an error with nothing applied; the caller drops the
// packet and requests a full snapshot.
func Decode(buf *databuffer.Buffer) (Snapshot, error) {
	var s Snapshot

	inputID, err := buf.ReadUint32()
	if err != nil {
		return s, fmt.Errorf("snapshot: input id: %w", err)
	}
	s.InputID = core.InputID(inputID)

	s.HasActiveList, err = buf.ReadBool()
	if err != nil {
		return s, fmt.Errorf("snapshot: active list flag: %w", err)
	}
	if s.HasActiveList {
		for {
			raw, err := buf.ReadUint16()
			if err != nil {
				return s, fmt.Errorf("snapshot: active list: %w", err)
			}
			id := core.ObjectNetID(raw)
			if id == core.NoneNetID {
				break
			}
			s.ActiveList = append(s.ActiveList, id)
		}
	}

	s.HasCustomData, err = buf.ReadBool()
	if err != nil {
		return s, fmt.Errorf("snapshot: custom data flag: %w", err)
	}
	if s.HasCustomData {
		s.CustomData, err = buf.ReadVariant()
		if err != nil {
			return s, fmt.Errorf("snapshot: custom data: %w", err)
		}
	}

	for {
		raw, err := buf.ReadUint16()
		if err != nil {
			return s, fmt.Errorf("snapshot: object net id: %w", err)
		}
		netID := core.ObjectNetID(raw)
		if netID == core.NoneNetID {
			break
		}

		o := ObjectState{NetID: netID}
		hasName, err := buf.ReadBool()
		if err != nil {
			return s, fmt.Errorf("snapshot: object %d name flag: %w", netID, err)
		}
		if hasName {
			o.Name, err = buf.ReadString()
			if err != nil {
				return s, fmt.Errorf("snapshot: object %d name: %w", netID, err)
			}
		}

		varCount, err := buf.ReadUint8()
		if err != nil {
			return s, fmt.Errorf("snapshot: object %d var count: %w", netID, err)
		}
		o.Vars = make([]VarSlot, varCount)
		for i := range o.Vars {
			o.Vars[i].HasValue, err = buf.ReadBool()
			if err != nil {
				return s, fmt.Errorf("snapshot: object %d var %d flag: %w", netID, i, err)
			}
			if o.Vars[i].HasValue {
				o.Vars[i].Value, err = buf.ReadVariant()
				if err != nil {
					return s, fmt.Errorf("snapshot: object %d var %d value: %w", netID, i, err)
				}
			}
		}
		s.Objects = append(s.Objects, o)
	}

	return s, nil
}
