package object

import (
	"sort"

	"scene-sync/engine/internal/core"
)

// Store exclusively owns every Data. All id mutation flows through it
// so the index maps stay consistent.
type Store struct {
	slots     []*Data // indexed by LocalID, nil when freed
	free      []core.ObjectLocalID
	insertion []*Data

	byNetID  map[core.ObjectNetID]*Data
	byHandle map[uint64]core.ObjectLocalID
	byName   map[string]*Data

	nextNetID core.ObjectNetID

	processCacheDirty bool
}

func NewStore() *Store {
	return &Store{
		byNetID:  make(map[core.ObjectNetID]*Data),
		byHandle: make(map[uint64]core.ObjectLocalID),
		byName:   make(map[string]*Data),
	}
}

// Allocate hands out an object with a fresh (or recycled) local id and
// no net id.
func (s *Store) Allocate() *Data {
	od := &Data{
		NetID:           core.NoneNetID,
		AuthorityPeer:   core.NonePeerID,
		RealtimeEnabled: true,
		store:           s,
	}
	if n := len(s.free); n > 0 {
		od.LocalID = s.free[n-1]
		s.free = s.free[:n-1]
		s.slots[od.LocalID] = od
	} else {
		od.LocalID = core.ObjectLocalID(len(s.slots))
		s.slots = append(s.slots, od)
	}
	s.insertion = append(s.insertion, od)
	s.processCacheDirty = true
	return od
}

// Bind registers the host identity of an allocated object.
func (s *Store) Bind(od *Data, name string, handle uint64) {
	od.Name = name
	od.AppHandle = handle
	if name != "" {
		s.byName[name] = od
	}
	if handle != 0 {
		s.byHandle[handle] = od.LocalID
	}
}

// Deallocate releases the object and recycles its local id. Callers
// are responsible for dropping group membership and listeners first.
func (s *Store) Deallocate(od *Data) {
	if od == nil || int(od.LocalID) >= len(s.slots) || s.slots[od.LocalID] != od {
		return
	}
	s.slots[od.LocalID] = nil
	s.free = append(s.free, od.LocalID)
	for i, o := range s.insertion {
		if o == od {
			s.insertion = append(s.insertion[:i], s.insertion[i+1:]...)
			break
		}
	}
	if od.NetID != core.NoneNetID {
		delete(s.byNetID, od.NetID)
	}
	if od.Name != "" {
		delete(s.byName, od.Name)
	}
	if od.AppHandle != 0 {
		delete(s.byHandle, od.AppHandle)
	}
	od.store = nil
	s.processCacheDirty = true
}

func (s *Store) Get(id core.ObjectLocalID) *Data {
	if int(id) >= len(s.slots) {
		return nil
	}
	return s.slots[id]
}

func (s *Store) GetByNetID(id core.ObjectNetID) *Data {
	return s.byNetID[id]
}

func (s *Store) FindByHandle(handle uint64) (core.ObjectLocalID, bool) {
	id, ok := s.byHandle[handle]
	return id, ok
}

func (s *Store) FindByName(name string) *Data {
	return s.byName[name]
}

// SetNetID assigns or reassigns the network id. On the server a net id
// is assigned once and never changes; clients move from None to the
// server-announced id.
func (s *Store) SetNetID(od *Data, id core.ObjectNetID) {
	if od.NetID == id {
		return
	}
	if od.NetID != core.NoneNetID {
		delete(s.byNetID, od.NetID)
	}
	od.NetID = id
	if id != core.NoneNetID {
		s.byNetID[id] = od
	}
}

// GenerateNetID returns the next unused id, skipping the None
// sentinel.
func (s *Store) GenerateNetID() core.ObjectNetID {
	for {
		id := s.nextNetID
		s.nextNetID++
		if id == core.NoneNetID {
			continue
		}
		if _, used := s.byNetID[id]; !used {
			return id
		}
	}
}

// ForEachInsertion visits objects in registration order, the order
// process functions dispatch in.
func (s *Store) ForEachInsertion(fn func(*Data) bool) {
	for _, od := range s.insertion {
		if !fn(od) {
			return
		}
	}
}

// ForEachNetOrder visits objects with a net id in ascending net-id
// order, the order snapshots are built in.
func (s *Store) ForEachNetOrder(fn func(*Data) bool) {
	ids := make([]core.ObjectNetID, 0, len(s.byNetID))
	for id := range s.byNetID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if !fn(s.byNetID[id]) {
			return
		}
	}
}

func (s *Store) Len() int { return len(s.insertion) }

func (s *Store) MarkProcessCacheDirty() { s.processCacheDirty = true }

// ConsumeProcessCacheDirty reports and clears the dirty flag; the
// synchronizer rebuilds its dispatch list when it was set.
func (s *Store) ConsumeProcessCacheDirty() bool {
	dirty := s.processCacheDirty
	s.processCacheDirty = false
	return dirty
}
