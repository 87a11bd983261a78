package sync

import "time"

// Config carries every tuning knob of the engine. Held in memory
// only; mutate through the Scene setters so validation runs.
type Config struct {
	// ServerNotifyStateInterval is the seconds between group snapshot
	// emissions.
	ServerNotifyStateInterval float64 `yaml:"server_notify_state_interval"`
	// NodesRelevancyUpdateTime is the seconds between invocations of
	// the host's relevancy hook.
	NodesRelevancyUpdateTime float64 `yaml:"nodes_relevancy_update_time"`
	// MaxDeferredNodesPerUpdate caps how many trickled objects one
	// epoch broadcast may carry.
	MaxDeferredNodesPerUpdate int `yaml:"max_deferred_nodes_per_update"`
	// PlayerInputStorageSize bounds each controller's input ring.
	PlayerInputStorageSize int `yaml:"player_input_storage_size"`
	// MaxRedundantInputs is how many trailing inputs each client
	// packet repeats for loss tolerance.
	MaxRedundantInputs int `yaml:"max_redundant_inputs"`
	// TickSpeedupNotificationDelay paces the server's frame-delay
	// hints to each client.
	TickSpeedupNotificationDelay time.Duration `yaml:"tick_speedup_notification_delay"`
	// NetworkTracedFrames sizes the arrival-time statistics window.
	NetworkTracedFrames int `yaml:"network_traced_frames"`
	MinFramesDelay      int `yaml:"min_frames_delay"`
	MaxFramesDelay      int `yaml:"max_frames_delay"`
	// TickAcceleration scales the frame-delay distance into the
	// client clock skew, in frames per second per frame of distance.
	TickAcceleration float64 `yaml:"tick_acceleration"`
	// TicksPerSecond is the host simulation rate.
	TicksPerSecond float64 `yaml:"ticks_per_second"`
}

func DefaultConfig() Config {
	return Config{
		ServerNotifyStateInterval:    1.0,
		NodesRelevancyUpdateTime:     0.5,
		MaxDeferredNodesPerUpdate:    30,
		PlayerInputStorageSize:       180,
		MaxRedundantInputs:           6,
		TickSpeedupNotificationDelay: 600 * time.Millisecond,
		NetworkTracedFrames:          120,
		MinFramesDelay:               2,
		MaxFramesDelay:               7,
		TickAcceleration:             5.0,
		TicksPerSecond:               60,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ServerNotifyStateInterval <= 0 {
		c.ServerNotifyStateInterval = d.ServerNotifyStateInterval
	}
	if c.NodesRelevancyUpdateTime <= 0 {
		c.NodesRelevancyUpdateTime = d.NodesRelevancyUpdateTime
	}
	if c.MaxDeferredNodesPerUpdate <= 0 {
		c.MaxDeferredNodesPerUpdate = d.MaxDeferredNodesPerUpdate
	}
	if c.PlayerInputStorageSize <= 0 {
		c.PlayerInputStorageSize = d.PlayerInputStorageSize
	}
	if c.MaxRedundantInputs <= 0 {
		c.MaxRedundantInputs = d.MaxRedundantInputs
	}
	if c.TickSpeedupNotificationDelay <= 0 {
		c.TickSpeedupNotificationDelay = d.TickSpeedupNotificationDelay
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
	if c.TicksPerSecond <= 0 {
		c.TicksPerSecond = d.TicksPerSecond
	}
	return c
}
