package circuitbreaker

import (
	"errors"
	"testing"
)

func TestManager_DisabledPassesThrough(t *testing.T) {
	m := NewManager(Config{Enabled: false})

	calls := 0
	for i := 0; i < 20; i++ {
		_, _ = m.Execute("weather", func() (interface{}, error) {
			calls++
			return nil, errors.New("boom")
		})
	}
	if calls != 20 {
		t.Fatalf("expected all 20 calls to pass through, got %d", calls)
	}
	if m.State("weather") != "disabled" {
		t.Errorf("expected disabled state, got %s", m.State("weather"))
	}
}

func TestManager_TripsOnConsecutiveFailures(t *testing.T) {
	m := NewManager(Config{
		Enabled: true,
		Breaker: BreakerConfig{
			MaxRequests:         1,
			ConsecutiveFailures: 3,
			MinRequests:         0,
		},
	})

	for i := 0; i < 3; i++ {
		_, err := m.Execute("weather", func() (interface{}, error) {
			return nil, errors.New("backend unreachable")
		})
		if err == nil {
			t.Fatalf("expected error on call %d", i)
		}
	}

	if m.State("weather") != "open" {
		t.Fatalf("expected breaker to be open after 3 consecutive failures, got %s", m.State("weather"))
	}

	_, err := m.Execute("weather", func() (interface{}, error) {
		return "should not run", nil
	})
	if err == nil {
		t.Fatal("expected open breaker to reject the call")
	}
}

func TestManager_BreakersAreIsolatedPerPrefix(t *testing.T) {
	m := NewManager(Config{
		Enabled: true,
		Breaker: BreakerConfig{
			MaxRequests:         1,
			ConsecutiveFailures: 2,
		},
	})

	for i := 0; i < 2; i++ {
		_, _ = m.Execute("weather", func() (interface{}, error) {
			return nil, errors.New("boom")
		})
	}
	if m.State("weather") != "open" {
		t.Fatalf("expected weather breaker open, got %s", m.State("weather"))
	}

	_, err := m.Execute("search", func() (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected search breaker to remain closed, got error: %v", err)
	}
	if m.State("search") != "closed" {
		t.Fatalf("expected search breaker closed, got %s", m.State("search"))
	}
}

func TestManager_CountsTrackRequests(t *testing.T) {
	m := NewManager(Config{
		Enabled: true,
		Breaker: BreakerConfig{MaxRequests: 1, ConsecutiveFailures: 100},
	})

	_, _ = m.Execute("weather", func() (interface{}, error) { return "ok", nil })
	_, _ = m.Execute("weather", func() (interface{}, error) { return nil, errors.New("fail") })

	counts := m.Counts("weather")
	if counts.Requests != 2 {
		t.Errorf("expected 2 requests, got %d", counts.Requests)
	}
	if counts.TotalSuccesses != 1 {
		t.Errorf("expected 1 success, got %d", counts.TotalSuccesses)
	}
	if counts.TotalFailures != 1 {
		t.Errorf("expected 1 failure, got %d", counts.TotalFailures)
	}
}
