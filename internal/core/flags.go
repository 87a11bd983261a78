package core

// NetEventFlag tags a batch of variable change events with the reason
// the engine is touching the variables.
type NetEventFlag uint8

const (
	// EventFlagChange marks an organic change detected during normal
	// simulation.
	EventFlagChange NetEventFlag = 1 << iota
	// EventFlagSyncRecover marks writes performed while applying an
	// authoritative server snapshot.
	EventFlagSyncRecover
	// EventFlagSyncReset marks the initial reset step of a rewind.
	EventFlagSyncReset
	// EventFlagSyncRewind marks writes performed while replaying
	// stored inputs after a reset.
	EventFlagSyncRewind
	// EventFlagEndSync fires once per recovery for variables whose
	// final value differs from the value before the recovery began.
	EventFlagEndSync
)

const (
	EventFlagDefault = EventFlagChange | EventFlagEndSync
	EventFlagSyncAll = EventFlagSyncRecover | EventFlagSyncReset | EventFlagSyncRewind
	EventFlagAll     = EventFlagDefault | EventFlagSyncAll
)

// ProcessPhase orders registered process functions within one tick.
type ProcessPhase uint8

const (
	PhaseEarly ProcessPhase = iota
	PhasePreProcess
	PhaseProcess
	PhasePostProcess
	PhaseLate

	PhaseCount = int(PhaseLate) + 1
)
