// Package ledger implements the bounded, append-only credit-change history
// for every key. The balance on the KeyRecord is always authoritative; the
// ledger is advisory and may be trimmed without losing correctness.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryType enumerates the kinds of credit-changing events recorded.
type EntryType string

const (
	EntryInitial     EntryType = "initial"
	EntryTopup       EntryType = "topup"
	EntryDeduction   EntryType = "deduction"
	EntryTransferIn  EntryType = "transfer_in"
	EntryTransferOut EntryType = "transfer_out"
	EntryAutoTopup   EntryType = "auto_topup"
	EntryRefund      EntryType = "refund"
	EntryBulkTopup   EntryType = "bulk_topup"
)

// Entry is one immutable record of a credit change for a single key.
type Entry struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Type           EntryType `json:"type"`
	Amount         int64     `json:"amount"`
	BalanceBefore  int64     `json:"balanceBefore"`
	BalanceAfter   int64     `json:"balanceAfter"`
	Tool           string    `json:"tool,omitempty"`
	Memo           string    `json:"memo,omitempty"`
}

// HistoryFilter narrows a getHistory query.
type HistoryFilter struct {
	Type  EntryType // zero value = any
	Since time.Time // zero value = no lower bound
	Limit int       // 0 = no limit
}

// Ledger holds a per-key, cap-bounded append log.
type Ledger struct {
	mu      sync.Mutex
	maxSize int
	byKey   map[string][]Entry
}

// New creates a Ledger that retains at most maxSize entries per key, evicting
// the oldest entry (FIFO) once the cap is exceeded.
func New(maxSize int) *Ledger {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Ledger{maxSize: maxSize, byKey: make(map[string][]Entry)}
}

// Record appends an entry for a key, generating its id and timestamp,
// trimming the oldest entry when the per-key cap is exceeded.
func (l *Ledger) Record(keyID string, typ EntryType, amount, balanceBefore, balanceAfter int64, tool, memo string) Entry {
	entry := Entry{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Type:          typ,
		Amount:        amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		Tool:          tool,
		Memo:          memo,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entries := append(l.byKey[keyID], entry)
	if len(entries) > l.maxSize {
		entries = entries[len(entries)-l.maxSize:]
	}
	l.byKey[keyID] = entries
	return entry
}

// GetHistory returns entries for a key, newest-first, matching the filter.
func (l *Ledger) GetHistory(keyID string, filter HistoryFilter) []Entry {
	l.mu.Lock()
	entries := append([]Entry(nil), l.byKey[keyID]...)
	l.mu.Unlock()

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Velocity holds the result of a spending-velocity computation.
type Velocity struct {
	CreditsPerHour  float64
	CreditsPerDay   float64
	CallsPerHour    float64
	CallsPerDay     float64
	DataPoints      int
	HoursRemaining  *float64
	DepletionAt     *time.Time
}

// GetSpendingVelocity computes recent spend rate and a depletion forecast
// from deduction/transfer_out entries within the trailing windowHours.
func (l *Ledger) GetSpendingVelocity(keyID string, currentBalance int64, windowHours float64) Velocity {
	if windowHours <= 0 {
		windowHours = 24
	}

	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(windowHours * float64(time.Hour)))

	l.mu.Lock()
	all := append([]Entry(nil), l.byKey[keyID]...)
	l.mu.Unlock()

	var debits []Entry
	for _, e := range all {
		if e.Type != EntryDeduction && e.Type != EntryTransferOut {
			continue
		}
		if e.Timestamp.Before(cutoff) {
			continue
		}
		debits = append(debits, e)
	}
	sort.Slice(debits, func(i, j int) bool { return debits[i].Timestamp.Before(debits[j].Timestamp) })

	n := len(debits)
	var totalDebited int64
	for _, e := range debits {
		totalDebited += e.Amount
	}

	var spanHours float64
	switch {
	case n >= 2:
		spanHours = debits[n-1].Timestamp.Sub(debits[0].Timestamp).Hours()
		if spanHours <= 0 {
			spanHours = windowHours
		}
	case n == 1:
		spanHours = now.Sub(debits[0].Timestamp).Hours()
		if spanHours < 0.01 {
			spanHours = 0.01
		}
	default:
		spanHours = windowHours
	}

	var creditsPerHour float64
	if totalDebited > 0 {
		creditsPerHour = float64(totalDebited) / spanHours
	}
	creditsPerDay := creditsPerHour * 24

	var callsPerHour float64
	if n > 0 {
		callsPerHour = float64(n) / spanHours
	}
	callsPerDay := callsPerHour * 24

	v := Velocity{
		CreditsPerHour: round2(creditsPerHour),
		CreditsPerDay:  round2(creditsPerDay),
		CallsPerHour:   round2(callsPerHour),
		CallsPerDay:    round2(callsPerDay),
		DataPoints:     n,
	}

	switch {
	case currentBalance <= 0:
		zero := 0.0
		v.HoursRemaining = &zero
		depletion := now
		v.DepletionAt = &depletion
	case creditsPerHour > 0:
		hours := round2(float64(currentBalance) / creditsPerHour)
		v.HoursRemaining = &hours
		depletion := now.Add(time.Duration(hours * float64(time.Hour)))
		v.DepletionAt = &depletion
	}

	return v
}

func round2(v float64) float64 {
	return float64(int64(v*100+sign(v)*0.5)) / 100
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
