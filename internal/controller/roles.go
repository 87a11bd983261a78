package controller

import (
	"math"

	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
	"scene-sync/engine/internal/input"
)

// playerRole runs on the client that owns the controller. It produces
// inputs, simulates them optimistically, and resends a redundant
// window of recent inputs every tick.
type playerRole struct {
	core *Core
	ring *input.Ring

	nextInputID   core.InputID
	lastProduced  core.InputID
	timeBank      float64
	accelerationF float64
}

func newPlayerRole(c *Core) *playerRole {
	return &playerRole{
		core:         c,
		ring:         input.NewRing(c.cfg.InputStorageSize, c.metrics),
		lastProduced: core.NoneInputID,
	}
}

func (p *playerRole) inputID() core.InputID { return p.lastProduced }
func (p *playerRole) paused() bool          { return false }

func (p *playerRole) receiveInputs([]byte) bool { return false }

func (p *playerRole) receiveTickSpeedup(distance int8) {
	p.accelerationF = float64(distance) * p.core.cfg.TickAcceleration
}

// calculateSubTicks converts the accumulated time bank into how many
// inputs to produce this frame. The server's acceleration hint skews
// the pretended frame length so the client drifts toward the optimal
// buffering delay.
func (p *playerRole) calculateSubTicks(delta float64) int {
	tps := p.core.cfg.TicksPerSecond
	pretended := 1.0 / (tps + p.accelerationF)
	if pretended <= 0 {
		pretended = 1.0 / tps
	}
	p.timeBank += delta
	sub := int(math.Floor(p.timeBank / pretended))
	if sub < 0 {
		sub = 0
	}
	p.timeBank -= float64(sub) * pretended
	return sub
}

func (p *playerRole) process(delta float64) {
	sub := p.calculateSubTicks(delta)
	for i := 0; i < sub; i++ {
		buf := databuffer.New()
		if p.core.hooks.CollectInput != nil {
			p.core.hooks.CollectInput(buf, delta)
		}
		frame := input.FrameSnapshot{
			ID:         p.nextInputID,
			Buffer:     buf.Bytes(),
			BitCount:   buf.BitSize(),
			Similarity: core.NoneInputID,
			ReceivedAt: p.core.clock(),
		}
		if back, ok := p.ring.Back(); ok && frame.SameBuffer(back) {
			frame.Similarity = back.ID
		}
		if p.ring.Len() == p.ring.Cap() {
			// The server stopped confirming; sacrifice the oldest.
			p.ring.PopFront()
		}
		p.ring.PushBack(frame)
		p.nextInputID++
		p.lastProduced = frame.ID

		if p.core.hooks.ApplyInput != nil {
			replay := databuffer.FromBits(frame.Buffer, frame.BitCount)
			p.core.hooks.ApplyInput(replay, delta)
		}
	}

	if sub > 0 {
		p.sendPending()
	}
}

func (p *playerRole) sendPending() {
	if p.core.hooks.SendInputPacket == nil || p.ring.Len() == 0 {
		return
	}
	window := p.core.cfg.MaxRedundantInputs
	start := p.ring.Len() - window
	if start < 0 {
		start = 0
	}
	frames := p.ring.Window(start, window)
	p.core.hooks.SendInputPacket(encodeInputPacket(frames))
}

func (p *playerRole) notifyInputChecked(id core.InputID) {
	p.ring.TrimFrontThrough(id)
}

// StoredInputsFrom returns the frames with id > from, oldest first;
// the client synchronizer replays these during a rewind.
func (p *playerRole) storedInputsFrom(from core.InputID) []input.FrameSnapshot {
	var out []input.FrameSnapshot
	for i := 0; i < p.ring.Len(); i++ {
		f := p.ring.At(i)
		if f.ID > from {
			out = append(out, f)
		}
	}
	return out
}

// serverRole consumes received inputs on the authoritative side and
// paces the client's tick rate.
type serverRole struct {
	core *Core
	ring *input.Ring

	lastConsumed core.InputID
	lastFrame    input.FrameSnapshot
	hasLastFrame bool
	ghostCount   int
	streamPaused bool

	arrival        *input.StatisticalRing
	lastArrivalSet bool
	lastArrival    float64 // seconds, monotonic-ish from clock
	speedupElapsed float64
}

func newServerRole(c *Core) *serverRole {
	return &serverRole{
		core:         c,
		ring:         input.NewRing(c.cfg.InputStorageSize, c.metrics),
		lastConsumed: core.NoneInputID,
		arrival:      input.NewStatisticalRing(c.cfg.NetworkTracedFrames),
	}
}

func (s *serverRole) inputID() core.InputID {
	if s.streamPaused {
		return core.NoneInputID
	}
	return s.lastConsumed
}

func (s *serverRole) paused() bool { return s.streamPaused }

func (s *serverRole) receiveInputs(payload []byte) bool {
	now := s.core.clock()
	frames, err := decodeInputPacket(payload, now)
	if err != nil {
		s.core.logger.Printf("discarding malformed input packet: %v", err)
		return false
	}
	accepted := false
	for _, f := range frames {
		if s.lastConsumed != core.NoneInputID && f.ID <= s.lastConsumed {
			continue
		}
		if s.ring.Contains(f.ID) {
			continue
		}
		if !s.ring.PushBack(f) {
			continue
		}
		accepted = true

		ts := float64(now.UnixNano()) / 1e9
		if s.lastArrivalSet {
			s.arrival.Push(ts - s.lastArrival)
		}
		s.lastArrival = ts
		s.lastArrivalSet = true
	}
	if accepted && s.streamPaused {
		s.streamPaused = false
		s.ghostCount = 0
	}
	return accepted
}

func (s *serverRole) process(delta float64) {
	s.speedupElapsed += delta

	if frame, ok := s.ring.PopFront(); ok {
		s.lastConsumed = frame.ID
		s.lastFrame = frame
		s.hasLastFrame = true
		s.ghostCount = 0
		s.apply(frame, delta)
		return
	}

	if s.streamPaused || !s.hasLastFrame {
		return
	}

	s.ghostCount++
	if s.ghostCount > ghostInputTolerance {
		s.streamPaused = true
		if s.core.hooks.OnStreamPaused != nil {
			s.core.hooks.OnStreamPaused()
		}
		return
	}
	if s.core.hooks.OnInputMissed != nil {
		s.core.hooks.OnInputMissed(s.lastConsumed + 1)
	}
	s.apply(s.lastFrame, delta)
}

func (s *serverRole) apply(frame input.FrameSnapshot, delta float64) {
	if s.core.hooks.ApplyInput != nil {
		buf := databuffer.FromBits(frame.Buffer, frame.BitCount)
		s.core.hooks.ApplyInput(buf, delta)
	}
}

// notifySendState recalculates the optimal frame delay and, at most
// once per notification window, tells the client how far off it is.
func (s *serverRole) notifySendState() {
	window := s.core.cfg.TickSpeedupNotificationDelay.Seconds()
	if s.speedupElapsed < window {
		return
	}
	s.speedupElapsed = 0

	// A starved ring must push the client faster, an overfull one
	// slower, so the distance is measured from the buffer toward the
	// optimum.
	optimal := s.optimalFrameDelay()
	distance := optimal - s.ring.Len()
	if distance > 127 {
		distance = 127
	}
	if distance < -128 {
		distance = -128
	}
	if s.core.hooks.SendTickSpeedup != nil {
		s.core.hooks.SendTickSpeedup(int8(distance))
	}
}

// optimalFrameDelay sizes the client-side input buffer from the
// observed arrival jitter, clamped to the configured window.
func (s *serverRole) optimalFrameDelay() int {
	cfg := s.core.cfg
	if s.arrival.Len() == 0 {
		return cfg.MinFramesDelay
	}
	tickDelta := 1.0 / cfg.TicksPerSecond
	frames := int(math.Ceil(s.arrival.Max() / tickDelta))
	if frames < cfg.MinFramesDelay {
		frames = cfg.MinFramesDelay
	}
	if frames > cfg.MaxFramesDelay {
		frames = cfg.MaxFramesDelay
	}
	return frames
}

// dollRole consumes inputs like the server role but never adjusts the
// sender; its simulation is a shadow that snapshots overwrite.
type dollRole struct {
	core *Core
	ring *input.Ring

	lastConsumed core.InputID
	hasFrame     bool
}

func newDollRole(c *Core) *dollRole {
	return &dollRole{
		core:         c,
		ring:         input.NewRing(c.cfg.InputStorageSize, c.metrics),
		lastConsumed: core.NoneInputID,
	}
}

func (d *dollRole) inputID() core.InputID { return d.lastConsumed }
func (d *dollRole) paused() bool          { return false }

func (d *dollRole) receiveInputs(payload []byte) bool {
	frames, err := decodeInputPacket(payload, d.core.clock())
	if err != nil {
		d.core.logger.Printf("doll: discarding malformed input packet: %v", err)
		return false
	}
	accepted := false
	for _, f := range frames {
		if d.lastConsumed != core.NoneInputID && f.ID <= d.lastConsumed {
			continue
		}
		if d.ring.Contains(f.ID) {
			continue
		}
		if d.ring.PushBack(f) {
			accepted = true
		}
	}
	return accepted
}

func (d *dollRole) process(delta float64) {
	frame, ok := d.ring.PopFront()
	if !ok {
		return
	}
	d.lastConsumed = frame.ID
	d.hasFrame = true
	if d.core.hooks.ApplyInput != nil {
		buf := databuffer.FromBits(frame.Buffer, frame.BitCount)
		d.core.hooks.ApplyInput(buf, delta)
	}
}

// autonomousRole generates inputs on the server itself; receive is a
// no-op because nothing remote feeds it.
type autonomousRole struct {
	core   *Core
	nextID core.InputID
	lastID core.InputID
}

func newAutonomousRole(c *Core) *autonomousRole {
	return &autonomousRole{core: c, lastID: core.NoneInputID}
}

func (a *autonomousRole) inputID() core.InputID     { return a.lastID }
func (a *autonomousRole) paused() bool              { return false }
func (a *autonomousRole) receiveInputs([]byte) bool { return false }

func (a *autonomousRole) process(delta float64) {
	buf := databuffer.New()
	if a.core.hooks.CollectInput != nil {
		a.core.hooks.CollectInput(buf, delta)
	}
	a.lastID = a.nextID
	a.nextID++
	if a.core.hooks.ApplyInput != nil {
		replay := databuffer.FromBits(buf.Bytes(), buf.BitSize())
		a.core.hooks.ApplyInput(replay, delta)
	}
}

// noNetRole drives the object without any networking.
type noNetRole struct {
	core    *Core
	frameID core.InputID
}

func newNoNetRole(c *Core) *noNetRole {
	return &noNetRole{core: c}
}

func (n *noNetRole) inputID() core.InputID     { return core.NoneInputID }
func (n *noNetRole) paused() bool              { return false }
func (n *noNetRole) receiveInputs([]byte) bool { return false }

func (n *noNetRole) process(delta float64) {
	buf := databuffer.New()
	if n.core.hooks.CollectInput != nil {
		n.core.hooks.CollectInput(buf, delta)
	}
	n.frameID++
	if n.core.hooks.ApplyInput != nil {
		replay := databuffer.FromBits(buf.Bytes(), buf.BitSize())
		n.core.hooks.ApplyInput(replay, delta)
	}
}
