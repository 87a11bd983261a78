package event

import (
	"testing"

	"scene-sync/engine/internal/core"
)

func TestListenerInvokedOncePerFlush(t *testing.T) {
	b := NewBus()
	calls := 0
	var lastOld []core.Variant
	b.Attach([]WatchedVar{{Object: 1, Var: 0}, {Object: 1, Var: 1}}, core.EventFlagChange, func(old []core.Variant) {
		calls++
		lastOld = old
	})

	b.Begin(core.EventFlagChange)
	b.Add(1, 0, core.IntV(10))
	b.Add(1, 0, core.IntV(99)) // second observation must not overwrite
	b.Add(1, 1, core.IntV(20))
	b.Flush(nil)

	if calls != 1 {
		t.Fatalf("expected exactly one callback, got %d", calls)
	}
	if lastOld[0].Int != 10 || lastOld[1].Int != 20 {
		t.Fatalf("old values wrong: %v", lastOld)
	}
}

func TestMaskFiltersMode(t *testing.T) {
	b := NewBus()
	calls := 0
	b.Attach([]WatchedVar{{Object: 2, Var: 0}}, core.EventFlagSyncRecover, func([]core.Variant) {
		calls++
	})

	b.Begin(core.EventFlagChange)
	b.Add(2, 0, core.IntV(1))
	b.Flush(nil)
	if calls != 0 {
		t.Fatalf("listener fired outside its mask")
	}

	b.Begin(core.EventFlagSyncRecover | core.EventFlagSyncReset)
	b.Add(2, 0, core.IntV(1))
	b.Flush(nil)
	if calls != 1 {
		t.Fatalf("listener must fire when masks intersect, calls=%d", calls)
	}
}

func TestUnobservedWatchUsesCurrentValue(t *testing.T) {
	b := NewBus()
	var got []core.Variant
	b.Attach([]WatchedVar{{Object: 3, Var: 0}, {Object: 3, Var: 1}}, core.EventFlagChange, func(old []core.Variant) {
		got = old
	})

	b.Begin(core.EventFlagChange)
	b.Add(3, 0, core.IntV(5))
	b.Flush(func(w WatchedVar) core.Variant {
		if w.Var == 1 {
			return core.StringV("current")
		}
		return core.Nil()
	})

	if got[0].Int != 5 {
		t.Fatalf("observed old value lost: %v", got[0])
	}
	if got[1].Str != "current" {
		t.Fatalf("unobserved watch must carry the current value, got %v", got[1])
	}
}

func TestDetachObjectPreservesWatchOrdering(t *testing.T) {
	b := NewBus()
	var got []core.Variant
	b.Attach([]WatchedVar{{Object: 4, Var: 0}, {Object: 5, Var: 0}, {Object: 4, Var: 1}}, core.EventFlagChange, func(old []core.Variant) {
		got = old
	})

	b.DetachObject(4)

	b.Begin(core.EventFlagChange)
	b.Add(4, 0, core.IntV(1)) // must be ignored, object detached
	b.Add(5, 0, core.IntV(7))
	b.Flush(nil)

	if len(got) != 3 {
		t.Fatalf("watch list length must survive teardown, got %d", len(got))
	}
	if got[1].Int != 7 {
		t.Fatalf("surviving watch moved position: %v", got)
	}
	if got[0].Kind != core.KindNil || got[2].Kind != core.KindNil {
		t.Fatalf("cleared watches must yield zero values: %v", got)
	}
}

func TestDetachRecyclesHandle(t *testing.T) {
	b := NewBus()
	h := b.Attach([]WatchedVar{{Object: 6, Var: 0}}, core.EventFlagChange, func([]core.Variant) {})
	b.Detach(h)

	calls := 0
	h2 := b.Attach([]WatchedVar{{Object: 6, Var: 0}}, core.EventFlagChange, func([]core.Variant) { calls++ })
	if h2 != h {
		t.Fatalf("expected recycled handle %d, got %d", h, h2)
	}

	b.Begin(core.EventFlagChange)
	b.Add(6, 0, core.IntV(1))
	b.Flush(nil)
	if calls != 1 {
		t.Fatalf("recycled listener must receive events, calls=%d", calls)
	}
}
