package cli

import (
	"fmt"
	"math"

	"scene-sync/engine/internal/core"
	"scene-sync/engine/internal/databuffer"
	"scene-sync/engine/internal/object"
	"scene-sync/engine/internal/sync"
	"scene-sync/engine/internal/telemetry"
)

const floatTolerance = 1e-6

// skyName is the single trickled object of the demo scene.
const skyName = "sky"

type demoObject struct {
	name  string
	vars  map[string]core.Variant
	angle float64
	speed float64
}

// demoHost is a self-contained scene graph of orbiting objects plus a
// slowly changing sky, enough to exercise realtime snapshots and the
// deferred stream without a real game behind it.
type demoHost struct {
	objects []*demoObject
	byName  map[string]uint64
	custom  core.Variant
}

func newDemoHost(orbs int) *demoHost {
	if orbs <= 0 {
		orbs = 4
	}
	h := &demoHost{byName: make(map[string]uint64)}
	for i := 0; i < orbs; i++ {
		h.add(&demoObject{
			name: fmt.Sprintf("orb-%d", i),
			vars: map[string]core.Variant{
				"x": core.FloatV(0),
				"y": core.FloatV(0),
			},
			angle: float64(i),
			speed: 0.5 + 0.25*float64(i),
		})
	}
	h.add(&demoObject{
		name: skyName,
		vars: map[string]core.Variant{},
	})
	return h
}

func (h *demoHost) add(o *demoObject) {
	h.objects = append(h.objects, o)
	h.byName[o.name] = uint64(len(h.objects))
}

func (h *demoHost) object(handle uint64) *demoObject {
	if handle == 0 || handle > uint64(len(h.objects)) {
		return nil
	}
	return h.objects[handle-1]
}

// step advances the orbits. Runs once per tick before the scene
// processes, so change detection sees fresh values.
func (h *demoHost) step(delta float64) {
	for _, o := range h.objects {
		if o.name == skyName {
			o.angle += delta * 0.05
			continue
		}
		o.angle += delta * o.speed
		radius := 10.0
		o.vars["x"] = core.FloatV(radius * math.Cos(o.angle))
		o.vars["y"] = core.FloatV(radius * math.Sin(o.angle))
	}
}

// register announces every demo object to the scene and builds the
// sync group peers watch: orbs on the realtime snapshot path, the sky
// trickled through the deferred stream.
func (h *demoHost) register(s *sync.Scene) (core.SyncGroupID, error) {
	gid := s.CreateSyncGroup()
	for _, o := range h.objects {
		od, err := s.RegisterObject(o.name)
		if err != nil {
			return gid, err
		}
		if o.name == skyName {
			obj := o
			s.SetDeferredFuncs(od, object.DeferredFuncs{
				Collect: func(buf *databuffer.Buffer, _ float64) bool {
					phase := uint8(math.Mod(obj.angle, 1.0) * 255)
					buf.WriteUint8(phase)
					return true
				},
			})
			if err := s.SyncGroupAddObject(gid, od, false); err != nil {
				return gid, err
			}
			if err := s.SetDeferredUpdateRate(gid, od, 0.2); err != nil {
				return gid, err
			}
			continue
		}
		s.RegisterVariable(od, "x", false)
		s.RegisterVariable(od, "y", false)
		if err := s.SyncGroupAddObject(gid, od, true); err != nil {
			return gid, err
		}
	}
	return gid, nil
}

// demoReceiver moves every fresh peer into the demo group before the
// scene processes its first snapshot window.
type demoReceiver struct {
	scene  *sync.Scene
	group  core.SyncGroupID
	logger telemetry.Logger
}

func (r *demoReceiver) PeerConnected(id core.PeerID) {
	r.scene.PeerConnected(id)
	if err := r.scene.MovePeerToGroup(id, r.group); err != nil && r.logger != nil {
		r.logger.Printf("move peer %d to demo group: %v", id, err)
	}
}

func (r *demoReceiver) PeerDisconnected(id core.PeerID) {
	r.scene.PeerDisconnected(id)
}

func (r *demoReceiver) HandleMessage(from core.PeerID, ch sync.Channel, payload []byte) {
	r.scene.HandleMessage(from, ch, payload)
}

func (h *demoHost) FetchAppObject(name string) (uint64, bool) {
	handle, ok := h.byName[name]
	return handle, ok
}

func (h *demoHost) ObjectName(handle uint64) string {
	if o := h.object(handle); o != nil {
		return o.name
	}
	return ""
}

func (h *demoHost) GetVariable(handle uint64, name string) core.Variant {
	if o := h.object(handle); o != nil {
		return o.vars[name]
	}
	return core.Nil()
}

func (h *demoHost) SetVariable(handle uint64, name string, value core.Variant) {
	if o := h.object(handle); o != nil {
		o.vars[name] = value
	}
}

func (h *demoHost) Compare(a, b core.Variant) bool {
	if a.Kind == core.KindFloat && b.Kind == core.KindFloat {
		return math.Abs(a.Flt-b.Flt) <= floatTolerance
	}
	return a.Equal(b)
}

func (h *demoHost) ExtractController(uint64) (sync.ControllerFuncs, bool) {
	return sync.ControllerFuncs{}, false
}

func (h *demoHost) UpdateNodesRelevancy() {}

func (h *demoHost) SnapshotCustomData(core.SyncGroupID) (core.Variant, bool) {
	if h.custom.Kind == core.KindNil {
		return core.Nil(), false
	}
	return h.custom, true
}

func (h *demoHost) SetSnapshotCustomData(value core.Variant) {
	h.custom = value
}
