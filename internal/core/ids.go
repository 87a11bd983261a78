package core

// ObjectLocalID is assigned by the object store and stays stable for
// the lifetime of the process.
type ObjectLocalID uint32

// ObjectNetID is assigned by the server and shared across peers.
type ObjectNetID uint16

// VarID equals the insertion index of the variable on its object.
type VarID uint32

// SyncGroupID indexes into the synchronizer's group table. Group 0 is
// the implicit global group.
type SyncGroupID uint32

// PeerID identifies a connected peer. The server is peer 1 by
// convention of the default transport.
type PeerID int32

// InputID identifies one input sample on one controller, strictly
// increasing.
type InputID uint32

const (
	NoneObjectLocalID ObjectLocalID = 0xFFFFFFFF
	NoneNetID         ObjectNetID   = 0xFFFF
	NoneVarID         VarID         = 0xFFFFFFFF
	NoneInputID       InputID       = 0xFFFFFFFF
	NonePeerID        PeerID        = -1

	GlobalSyncGroupID SyncGroupID = 0
)
