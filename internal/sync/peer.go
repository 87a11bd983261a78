package sync

import "scene-sync/engine/internal/core"

// PeerData is the server-side session state for one connected peer.
type PeerData struct {
	ID      core.PeerID
	GroupID core.SyncGroupID

	// Enabled gates whether the peer receives state at all. A
	// disabled peer that asks to re-enable waits for the next
	// snapshot window (want_to_enable).
	Enabled      bool
	WantToEnable bool

	// ForceNotifySnapshot makes the next notificator pass emit
	// regardless of the group timer.
	ForceNotifySnapshot bool
	// NeedFullSnapshot upgrades the peer's next snapshot to full.
	NeedFullSnapshot bool

	// ControllerObject is the object this peer drives, if any.
	ControllerObject core.ObjectLocalID
}

func newPeerData(id core.PeerID) *PeerData {
	return &PeerData{
		ID:                  id,
		GroupID:             core.GlobalSyncGroupID,
		Enabled:             true,
		ForceNotifySnapshot: true,
		NeedFullSnapshot:    true,
		ControllerObject:    core.NoneObjectLocalID,
	}
}
