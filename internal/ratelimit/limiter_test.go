package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsWithinGlobalCeiling(t *testing.T) {
	l := New(Ceilings{Window: time.Minute, Global: 2})

	if ok, _ := l.Check("key-1", "search"); !ok {
		t.Fatalf("expected first call to be allowed")
	}
	l.Record("key-1", "search")

	if ok, _ := l.Check("key-2", "search"); !ok {
		t.Fatalf("expected second call to be allowed")
	}
	l.Record("key-2", "search")

	if ok, scope := l.Check("key-3", "search"); ok || scope != ScopeGlobal {
		t.Fatalf("expected third call to hit global ceiling, got ok=%v scope=%v", ok, scope)
	}
}

func TestLimiter_PerKeyCeilingIsIndependentPerKey(t *testing.T) {
	l := New(Ceilings{Window: time.Minute, PerKey: 1})

	l.Record("key-1", "search")
	if ok, scope := l.Check("key-1", "search"); ok || scope != ScopeKey {
		t.Fatalf("expected key-1 to be over its ceiling, got ok=%v scope=%v", ok, scope)
	}
	if ok, _ := l.Check("key-2", "search"); !ok {
		t.Fatalf("expected key-2 to remain unaffected by key-1's usage")
	}
}

func TestLimiter_PerToolCeiling(t *testing.T) {
	l := New(Ceilings{Window: time.Minute, PerTool: map[string]int{"expensive": 1}})

	l.Record("key-1", "expensive")
	if ok, scope := l.Check("key-1", "expensive"); ok || scope != ScopeTool {
		t.Fatalf("expected tool ceiling to trip, got ok=%v scope=%v", ok, scope)
	}
	if ok, _ := l.Check("key-1", "cheap"); !ok {
		t.Fatalf("expected an unrelated tool to remain unaffected")
	}
}

func TestLimiter_WindowExpiresOldCalls(t *testing.T) {
	l := New(Ceilings{Window: 20 * time.Millisecond, PerKey: 1})

	l.Record("key-1", "search")
	if ok, _ := l.Check("key-1", "search"); ok {
		t.Fatalf("expected key-1 to be limited immediately after recording")
	}

	time.Sleep(30 * time.Millisecond)
	if ok, _ := l.Check("key-1", "search"); !ok {
		t.Fatalf("expected window to have expired the earlier call")
	}
}

func TestLimiter_ZeroCeilingMeansUnlimited(t *testing.T) {
	l := New(Ceilings{Window: time.Minute})

	for i := 0; i < 1000; i++ {
		if ok, _ := l.Check("key-1", "search"); !ok {
			t.Fatalf("expected no ceiling to mean unlimited calls, failed at %d", i)
		}
		l.Record("key-1", "search")
	}
}
