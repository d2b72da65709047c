package ledger

import (
	"testing"
	"time"
)

func TestRecord_TrimsToMaxSize(t *testing.T) {
	l := New(2)
	l.Record("k1", EntryTopup, 10, 0, 10, "", "")
	l.Record("k1", EntryTopup, 5, 10, 15, "", "")
	l.Record("k1", EntryTopup, 5, 15, 20, "", "")

	entries := l.GetHistory("k1", HistoryFilter{})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after trim, got %d", len(entries))
	}
	if entries[0].BalanceAfter != 20 {
		t.Fatalf("expected newest entry first, got %+v", entries[0])
	}
}

func TestGetHistory_FiltersByTypeAndLimit(t *testing.T) {
	l := New(10)
	l.Record("k1", EntryTopup, 100, 0, 100, "", "initial load")
	l.Record("k1", EntryDeduction, 5, 100, 95, "search", "")
	l.Record("k1", EntryDeduction, 5, 95, 90, "search", "")

	deductions := l.GetHistory("k1", HistoryFilter{Type: EntryDeduction})
	if len(deductions) != 2 {
		t.Fatalf("expected 2 deductions, got %d", len(deductions))
	}

	limited := l.GetHistory("k1", HistoryFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("expected 1 entry with limit, got %d", len(limited))
	}
}

func TestGetSpendingVelocity_NoDebits(t *testing.T) {
	l := New(10)
	v := l.GetSpendingVelocity("k1", 400, 24)
	if v.DataPoints != 0 {
		t.Fatalf("expected 0 data points, got %d", v.DataPoints)
	}
	if v.CreditsPerHour != 0 {
		t.Fatalf("expected 0 credits/hour with no debits, got %v", v.CreditsPerHour)
	}
	if v.HoursRemaining != nil {
		t.Fatalf("expected no depletion forecast with zero spend rate, got %v", *v.HoursRemaining)
	}
}

func TestGetSpendingVelocity_SingleDebit(t *testing.T) {
	l := New(10)
	l.mu.Lock()
	l.byKey["k1"] = []Entry{{
		ID:            "e1",
		Timestamp:     time.Now().UTC().Add(-1 * time.Hour),
		Type:          EntryDeduction,
		Amount:        100,
		BalanceBefore: 500,
		BalanceAfter:  400,
	}}
	l.mu.Unlock()

	v := l.GetSpendingVelocity("k1", 400, 24)
	if v.DataPoints != 1 {
		t.Fatalf("expected 1 data point, got %d", v.DataPoints)
	}
	if v.CreditsPerHour < 90 || v.CreditsPerHour > 110 {
		t.Fatalf("expected creditsPerHour near 100, got %v", v.CreditsPerHour)
	}
	if v.HoursRemaining == nil {
		t.Fatal("expected a depletion forecast")
	}
	if *v.HoursRemaining < 3.5 || *v.HoursRemaining > 4.5 {
		t.Fatalf("expected hoursRemaining near 4, got %v", *v.HoursRemaining)
	}
}

func TestGetSpendingVelocity_ZeroBalanceDepletesNow(t *testing.T) {
	l := New(10)
	l.Record("k1", EntryDeduction, 100, 100, 0, "search", "")

	v := l.GetSpendingVelocity("k1", 0, 24)
	if v.HoursRemaining == nil || *v.HoursRemaining != 0 {
		t.Fatalf("expected hoursRemaining=0 for a depleted balance, got %+v", v.HoursRemaining)
	}
	if v.DepletionAt == nil {
		t.Fatal("expected a depletion timestamp")
	}
}

func TestGetSpendingVelocity_MoreDebitsNeverDecreaseRate(t *testing.T) {
	l1 := New(10)
	l1.Record("k1", EntryDeduction, 50, 100, 50, "search", "")

	l2 := New(10)
	l2.Record("k1", EntryDeduction, 50, 100, 50, "search", "")
	l2.Record("k1", EntryDeduction, 50, 50, 0, "search", "")

	v1 := l1.GetSpendingVelocity("k1", 50, 24)
	v2 := l2.GetSpendingVelocity("k1", 0, 24)

	if v2.CreditsPerHour < v1.CreditsPerHour {
		t.Fatalf("expected velocity to never decrease with more debits: v1=%v v2=%v", v1.CreditsPerHour, v2.CreditsPerHour)
	}
}
