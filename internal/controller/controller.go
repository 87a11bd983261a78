// Package controller implements the per-object input state machine.
// One Core wraps the active role object; changing role destroys and
// recreates it.
package controller

import (
	"time"

	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
	"scene-sync/engine/internal/input"
	"scene-sync/engine/internal/telemetry"
)

type Role uint8

const (
	RoleNoNet Role = iota
	RoleServer
	RoleAutonomousServer
	RolePlayer
	RoleDoll
)

func (r Role) String() string {
	switch r {
	case RoleNoNet:
		return "no_net"
	case RoleServer:
		return "server"
	case RoleAutonomousServer:
		return "autonomous_server"
	case RolePlayer:
		return "player"
	case RoleDoll:
		return "doll"
	}
	return "invalid"
}

// ghostInputTolerance is how many consecutive missing inputs the
// server role re-applies the last known input for before pausing the
// stream.
const ghostInputTolerance = 10

// Config carries the input tuning knobs. Zero values are replaced by
// the defaults below.
type Config struct {
	InputStorageSize             int
	MaxRedundantInputs           int
	NetworkTracedFrames          int
	MinFramesDelay               int
	MaxFramesDelay               int
	TickAcceleration             float64
	TickSpeedupNotificationDelay time.Duration
	TicksPerSecond               float64
}

func DefaultConfig() Config {
	return Config{
		InputStorageSize:             180,
		MaxRedundantInputs:           6,
		NetworkTracedFrames:          120,
		MinFramesDelay:               2,
		MaxFramesDelay:               7,
		TickAcceleration:             5.0,
		TickSpeedupNotificationDelay: 600 * time.Millisecond,
		TicksPerSecond:               60,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InputStorageSize <= 0 {
		c.InputStorageSize = d.InputStorageSize
	}
	if c.MaxRedundantInputs <= 0 {
		c.MaxRedundantInputs = d.MaxRedundantInputs
	}
	if c.NetworkTracedFrames <= 0 {
		c.NetworkTracedFrames = d.NetworkTracedFrames
	}
	if c.MinFramesDelay <= 0 {
		c.MinFramesDelay = d.MinFramesDelay
	}
	if c.MaxFramesDelay <= 0 {
		c.MaxFramesDelay = d.MaxFramesDelay
	}
	if c.TickAcceleration <= 0 {
		c.TickAcceleration = d.TickAcceleration
	}
	if c.TickSpeedupNotificationDelay <= 0 {
		c.TickSpeedupNotificationDelay = d.TickSpeedupNotificationDelay
	}
	if c.TicksPerSecond <= 0 {
		c.TicksPerSecond = d.TicksPerSecond
	}
	return c
}

// Hooks are the host-side operations the roles drive. CollectInput
// fills a fresh buffer from the local input devices; ApplyInput runs
// the controlled object's simulation for that input.
type Hooks struct {
	CollectInput    func(buf *databuffer.Buffer, delta float64)
	ApplyInput      func(buf *databuffer.Buffer, delta float64)
	SendInputPacket func(payload []byte)
	SendTickSpeedup func(distance int8)
	OnInputMissed   func(id core.InputID)
	OnStreamPaused  func()
	OnReset         func(role Role)
}

type roleImpl interface {
	inputID() core.InputID
	process(delta float64)
	receiveInputs(payload []byte) bool
	paused() bool
}

// Core is the stable handle the synchronizer and object store hold.
// Implements object.ControllerRef.
type Core struct {
	role    Role
	impl    roleImpl
	cfg     Config
	hooks   Hooks
	logger  telemetry.Logger
	metrics telemetry.Metrics
	clock   func() time.Time
}

func NewCore(cfg Config, hooks Hooks, logger telemetry.Logger, metrics telemetry.Metrics) *Core {
	if logger == nil {
		logger = telemetry.Nop()
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	c := &Core{
		cfg:     cfg.withDefaults(),
		hooks:   hooks,
		logger:  logger,
		metrics: metrics,
		clock:   time.Now,
	}
	c.role = RoleNoNet
	c.impl = newNoNetRole(c)
	return c
}

// SetClock overrides the receive-timestamp source; tests use it.
func (c *Core) SetClock(clock func() time.Time) {
	if clock != nil {
		c.clock = clock
	}
}

func (c *Core) Role() Role { return c.role }

// SetRole tears down the current role object and builds the new one.
// Safe to call with the current role to force a reset.
func (c *Core) SetRole(role Role) {
	c.role = role
	switch role {
	case RoleServer:
		c.impl = newServerRole(c)
	case RoleAutonomousServer:
		c.impl = newAutonomousRole(c)
	case RolePlayer:
		c.impl = newPlayerRole(c)
	case RoleDoll:
		c.impl = newDollRole(c)
	default:
		c.role = RoleNoNet
		c.impl = newNoNetRole(c)
	}
	if c.hooks.OnReset != nil {
		c.hooks.OnReset(c.role)
	}
}

// InputID reports the id the current state of the controlled object
// corresponds to; None while the stream is paused or nothing was
// consumed yet.
func (c *Core) InputID() core.InputID {
	if c == nil || c.impl == nil {
		return core.NoneInputID
	}
	return c.impl.inputID()
}

func (c *Core) StreamPaused() bool {
	if c == nil || c.impl == nil {
		return false
	}
	return c.impl.paused()
}

// Process runs the role's per-tick logic.
func (c *Core) Process(delta float64) {
	if c == nil || c.impl == nil {
		return
	}
	c.impl.process(delta)
}

// ReceiveInputs feeds a received input packet to the role. Reports
// whether any previously unseen input was accepted.
func (c *Core) ReceiveInputs(payload []byte) bool {
	if c == nil || c.impl == nil {
		return false
	}
	return c.impl.receiveInputs(payload)
}

// ReceiveTickSpeedup applies the server's frame-delay hint; only the
// player role reacts.
func (c *Core) ReceiveTickSpeedup(distance int8) {
	if p, ok := c.impl.(*playerRole); ok {
		p.receiveTickSpeedup(distance)
	}
}

// NotifyInputChecked discards local inputs up to and including id once
// the server confirmed them.
func (c *Core) NotifyInputChecked(id core.InputID) {
	if p, ok := c.impl.(*playerRole); ok {
		p.notifyInputChecked(id)
	}
}

// NotifySendState is invoked by the server synchronizer whenever it
// ships a snapshot for this controller's peer; the server role uses
// it to pace tick-speedup hints.
func (c *Core) NotifySendState() {
	if s, ok := c.impl.(*serverRole); ok {
		s.notifySendState()
	}
}

// StoredInputsFrom returns the locally produced frames with id > from,
// oldest first. Only the player role stores them; the client
// synchronizer replays these during a rewind.
func (c *Core) StoredInputsFrom(from core.InputID) []input.FrameSnapshot {
	if p, ok := c.impl.(*playerRole); ok {
		return p.storedInputsFrom(from)
	}
	return nil
}

// ApplyFrame re-runs the simulation for one stored input. Used by the
// rewind replay path.
func (c *Core) ApplyFrame(f input.FrameSnapshot, delta float64) {
	if c.hooks.ApplyInput != nil {
		buf := databuffer.FromBits(f.Buffer, f.BitCount)
		c.hooks.ApplyInput(buf, delta)
	}
}

// PendingInputs reports how many received inputs wait for
// application; used by tests and the stream pause heuristics.
func (c *Core) PendingInputs() int {
	switch impl := c.impl.(type) {
	case *serverRole:
		return impl.ring.Len()
	case *dollRole:
		return impl.ring.Len()
	case *playerRole:
		return impl.ring.Len()
	}
	return 0
}
