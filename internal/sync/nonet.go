package sync

import "scene-sync/engine/internal/core"

// standaloneSync keeps the engine surface usable without a transport:
// simulate and dispatch change events, send nothing.
type standaloneSync struct {
	scene *Scene
}

func newStandaloneSync(s *Scene) *standaloneSync {
	return &standaloneSync{scene: s}
}

func (m *standaloneSync) name() string { return "standalone" }

func (m *standaloneSync) process(delta float64) {
	m.scene.runSimulation(delta)
	m.scene.detectChanges(core.EventFlagChange)
}

func (m *standaloneSync) handleMessage(from core.PeerID, ch Channel, payload []byte) {
	m.scene.logger.Printf("sync: standalone mode dropping %s message from peer %d", ch, from)
}
