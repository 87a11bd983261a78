package sync

import "scene-sync/engine/internal/core"

// Channel names one engine message stream. State and control flow on
// the reliable path; deferred epoch data rides the unreliable one.
type Channel uint8

const (
	ChannelState Channel = iota
	ChannelNeedFullSnapshot
	ChannelInput
	ChannelTickSpeedup
	ChannelDeferred
	ChannelNetEnable
	ChannelPeerStatus
)

func (c Channel) String() string {
	switch c {
	case ChannelState:
		return "state"
	case ChannelNeedFullSnapshot:
		return "need_full_snapshot"
	case ChannelInput:
		return "input"
	case ChannelTickSpeedup:
		return "tick_speedup"
	case ChannelDeferred:
		return "deferred"
	case ChannelNetEnable:
		return "net_enable"
	case ChannelPeerStatus:
		return "peer_status"
	}
	return "unknown"
}

// Transport moves engine messages between peers. Implementations must
// deliver incoming messages on the simulation goroutine via
// Scene.HandleMessage.
type Transport interface {
	LocalPeerID() core.PeerID
	ServerPeerID() core.PeerID
	IsServer() bool

	// AuthorityOf reports which peer drives the object's inputs.
	AuthorityOf(handle uint64) core.PeerID

	SendReliable(to core.PeerID, ch Channel, payload []byte) error
	SendUnreliable(to core.PeerID, ch Channel, payload []byte) error
}
