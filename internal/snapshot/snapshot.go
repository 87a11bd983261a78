// Package snapshot defines the scene state sample exchanged between
// server and client, its bit-packed wire codec, and the rollback
// compare.
package snapshot

import (
	"sort"

	"scene-sync/engine/internal/core"
)

// VarSlot is one variable inside an object state. Slots are
// positional: index equals the variable id. Name is known on the
// generating side and empty after decode.
type VarSlot struct {
	Name     string
	HasValue bool
	Value    core.Variant
}

// ObjectState carries the replicated variables of one object. Name is
// empty when the snapshot does not announce it.
type ObjectState struct {
	NetID core.ObjectNetID
	Name  string
	Vars  []VarSlot
}

// Snapshot is a plain value; Clone is the single deep-copy operation
// and nothing aliases its internal slices afterwards.
type Snapshot struct {
	InputID       core.InputID
	HasActiveList bool
	ActiveList    []core.ObjectNetID
	HasCustomData bool
	CustomData    core.Variant
	Objects       []ObjectState
}

func (s Snapshot) Clone() Snapshot {
	out := s
	out.ActiveList = append([]core.ObjectNetID(nil), s.ActiveList...)
	out.CustomData = s.CustomData.Clone()
	out.Objects = make([]ObjectState, len(s.Objects))
	for i, o := range s.Objects {
		copied := o
		copied.Vars = make([]VarSlot, len(o.Vars))
		for j, v := range o.Vars {
			v.Value = v.Value.Clone()
			copied.Vars[j] = v
		}
		out.Objects[i] = copied
	}
	return out
}

// Object returns the state for netID, or nil.
func (s *Snapshot) Object(netID core.ObjectNetID) *ObjectState {
	for i := range s.Objects {
		if s.Objects[i].NetID == netID {
			return &s.Objects[i]
		}
	}
	return nil
}

// Upsert returns the state for netID, creating it if absent.
func (s *Snapshot) Upsert(netID core.ObjectNetID) *ObjectState {
	if o := s.Object(netID); o != nil {
		return o
	}
	s.Objects = append(s.Objects, ObjectState{NetID: netID})
	return &s.Objects[len(s.Objects)-1]
}

// SortObjects puts objects in ascending net-id order, the order the
// codec emits them in.
func (s *Snapshot) SortObjects() {
	sort.Slice(s.Objects, func(i, j int) bool {
		return s.Objects[i].NetID < s.Objects[j].NetID
	})
}

// IsEmpty reports whether the snapshot carries no payload at all.
func (s *Snapshot) IsEmpty() bool {
	return !s.HasActiveList && !s.HasCustomData && len(s.Objects) == 0
}
