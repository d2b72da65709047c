package quota

import "testing"

func TestCheck_AllowsWithinDefaults(t *testing.T) {
	tr := New()
	global := Defaults{DailyCalls: 10, DailyCredits: 100}

	ok, dim := tr.Check("key-1", nil, global, 5)
	if !ok || dim != DimensionNone {
		t.Fatalf("expected allowed, got ok=%v dim=%v", ok, dim)
	}
}

func TestCheck_DeniesOverDailyCallCeiling(t *testing.T) {
	tr := New()
	global := Defaults{DailyCalls: 2}

	tr.Record("key-1", 0)
	tr.Record("key-1", 0)

	ok, dim := tr.Check("key-1", nil, global, 0)
	if ok || dim != DimensionDailyCalls {
		t.Fatalf("expected daily call ceiling denial, got ok=%v dim=%v", ok, dim)
	}
}

func TestCheck_DeniesOverDailyCreditCeiling(t *testing.T) {
	tr := New()
	global := Defaults{DailyCredits: 50}

	tr.Record("key-1", 45)

	ok, dim := tr.Check("key-1", nil, global, 10)
	if ok || dim != DimensionDailyCredits {
		t.Fatalf("expected daily credit ceiling denial, got ok=%v dim=%v", ok, dim)
	}
}

func TestCheck_OverrideReplacesOnlyNonZeroFields(t *testing.T) {
	tr := New()
	global := Defaults{DailyCalls: 5, DailyCredits: 100}
	override := &Override{DailyCalls: 1000}

	for i := 0; i < 5; i++ {
		tr.Record("key-1", 0)
	}

	ok, dim := tr.Check("key-1", override, global, 0)
	if !ok || dim != DimensionNone {
		t.Fatalf("override should have lifted the daily call ceiling, got ok=%v dim=%v", ok, dim)
	}
}

func TestUsageFor_UnknownKeyIsZero(t *testing.T) {
	tr := New()
	usage := tr.UsageFor("never-seen")
	if usage != (Usage{}) {
		t.Fatalf("expected zero usage, got %+v", usage)
	}
}
