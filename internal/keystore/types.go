// Package keystore owns the authoritative account state for every API key:
// the opaque key id to KeyRecord mapping, and every credit mutation that
// touches it. All credit mutations are linearizable per key; no mutation
// ever holds a lock across network I/O.
package keystore

import (
	"sync"
	"time"
)

// AutoTopupConfig describes an automatic top-up policy evaluated after a
// successful deduction: if the post-deduction balance falls below
// Threshold, Amount credits are added, capped at MaxDaily per UTC day.
type AutoTopupConfig struct {
	Threshold int64
	Amount    int64
	MaxDaily  int64
}

// QuotaOverride is a per-key override of the global daily/monthly ceilings.
// A zero value for any field means "use the global default for that field".
type QuotaOverride struct {
	DailyCalls     int64
	DailyCredits   int64
	MonthlyCalls   int64
	MonthlyCredits int64
}

// KeyRecord is the account for one API key. Mutable fields are guarded by mu
// and must only be touched through KeyStore methods; the zero value is not
// a valid record (use KeyStore.Create).
type KeyRecord struct {
	mu sync.Mutex

	Key  string
	Name string

	Credits      int64
	TotalSpent   int64
	TotalCalls   int64
	AllowedCalls int64
	DeniedCalls  int64

	CreatedAt  time.Time
	LastUsedAt time.Time

	Active    bool
	Suspended bool
	ExpiresAt *time.Time

	SpendingLimit int64 // 0 = unlimited

	AllowedTools map[string]struct{}
	DeniedTools  map[string]struct{}

	IPAllowlist []string // addresses or CIDR ranges

	AllowedCountries map[string]struct{}
	DeniedCountries  map[string]struct{}

	Quota     *QuotaOverride
	AutoTopup *AutoTopupConfig

	Namespace string
	Group     string
	Tags      []string
	Alias     string

	autoTopupDay    string // YYYY-MM-DD, UTC
	autoTopupToday  int64
}

// Snapshot is an immutable, lock-free copy of a KeyRecord's observable
// state, safe to read, serialize, or hand to another component.
type Snapshot struct {
	Key              string
	Name             string
	Credits          int64
	TotalSpent       int64
	TotalCalls       int64
	AllowedCalls     int64
	DeniedCalls      int64
	CreatedAt        time.Time
	LastUsedAt       time.Time
	Active           bool
	Suspended        bool
	ExpiresAt        *time.Time
	SpendingLimit    int64
	AllowedTools     []string
	DeniedTools      []string
	IPAllowlist      []string
	AllowedCountries []string
	DeniedCountries  []string
	Quota            *QuotaOverride
	AutoTopup        *AutoTopupConfig
	Namespace        string
	Group            string
	Tags             []string
	Alias            string
}

// snapshotLocked builds a Snapshot. Caller must hold r.mu.
func (r *KeyRecord) snapshotLocked() Snapshot {
	return Snapshot{
		Key:              r.Key,
		Name:             r.Name,
		Credits:          r.Credits,
		TotalSpent:       r.TotalSpent,
		TotalCalls:       r.TotalCalls,
		AllowedCalls:     r.AllowedCalls,
		DeniedCalls:      r.DeniedCalls,
		CreatedAt:        r.CreatedAt,
		LastUsedAt:       r.LastUsedAt,
		Active:           r.Active,
		Suspended:        r.Suspended,
		ExpiresAt:        r.ExpiresAt,
		SpendingLimit:    r.SpendingLimit,
		AllowedTools:     keysOf(r.AllowedTools),
		DeniedTools:      keysOf(r.DeniedTools),
		IPAllowlist:      append([]string(nil), r.IPAllowlist...),
		AllowedCountries: keysOf(r.AllowedCountries),
		DeniedCountries:  keysOf(r.DeniedCountries),
		Quota:            r.Quota,
		AutoTopup:        r.AutoTopup,
		Namespace:        r.Namespace,
		Group:            r.Group,
		Tags:             append([]string(nil), r.Tags...),
		Alias:            r.Alias,
	}
}

func keysOf(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func setOf(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

// Snapshot returns a point-in-time copy of the record's state.
func (r *KeyRecord) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// CreateParams are the inputs to KeyStore.Create.
type CreateParams struct {
	Name             string
	Credits          int64
	SpendingLimit    int64
	AllowedTools     []string
	DeniedTools      []string
	IPAllowlist      []string
	AllowedCountries []string
	DeniedCountries  []string
	Quota            *QuotaOverride
	AutoTopup        *AutoTopupConfig
	Namespace        string
	Group            string
	Tags             []string
	Alias            string
	ExpiresAt        *time.Time
}
