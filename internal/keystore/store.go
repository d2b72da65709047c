package keystore

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paygate/mcpgate/internal/ledger"
	"github.com/paygate/mcpgate/internal/metrics"
)

// KeyMirror is the subset of cross-node synchronization a KeyStore can push
// to. Implementations must not block the caller for long; a mirror failure
// is logged by the implementation and never fails the local mutation.
type KeyMirror interface {
	SaveKey(keyID string, credits int64, active bool) error
	RevokeKey(keyID string) error
	AtomicTopup(keyID string, amount int64) error
}

// Options configures a KeyStore at construction time. All fields are
// optional; the zero value disables the corresponding integration.
type Options struct {
	MaxKeys int
	Ledger  *ledger.Ledger
	Metrics *metrics.Metrics
	Mirror  KeyMirror

	// OnMutate, if set, is called after every account-mutating operation
	// (create, credit/debit, lifecycle changes). Used to mark a snapshot
	// writer dirty without the keystore package depending on it directly.
	OnMutate func()
}

// KeyStore owns the keyId -> KeyRecord map and every mutation that touches
// account state. Structural changes to the map (Create, and alias indexing)
// are guarded by mu; mutations to an existing record's fields are guarded by
// that record's own mutex so concurrent calls against different keys never
// contend with each other.
type KeyStore struct {
	mu      sync.RWMutex
	records map[string]*KeyRecord
	aliases map[string]string // alias -> keyId

	maxKeys  int
	ledger   *ledger.Ledger
	metrics  *metrics.Metrics
	mirror   KeyMirror
	onMutate func()
}

// New creates an empty KeyStore.
func New(opts Options) *KeyStore {
	return &KeyStore{
		records:  make(map[string]*KeyRecord),
		aliases:  make(map[string]string),
		maxKeys:  opts.MaxKeys,
		ledger:   opts.Ledger,
		metrics:  opts.Metrics,
		mirror:   opts.Mirror,
		onMutate: opts.OnMutate,
	}
}

func (s *KeyStore) markMutated() {
	if s.onMutate != nil {
		s.onMutate()
	}
}

// Create allocates a new key record and returns its generated id.
func (s *KeyStore) Create(params CreateParams) (string, *KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxKeys > 0 && len(s.records) >= s.maxKeys {
		return "", nil, ErrKeyLimitReached
	}
	if params.Alias != "" {
		if _, exists := s.aliases[params.Alias]; exists {
			return "", nil, ErrAliasTaken
		}
	}

	keyID := uuid.NewString()
	now := time.Now().UTC()

	rec := &KeyRecord{
		Key:              keyID,
		Name:             params.Name,
		Credits:          params.Credits,
		CreatedAt:        now,
		Active:           true,
		SpendingLimit:    params.SpendingLimit,
		AllowedTools:     setOf(params.AllowedTools),
		DeniedTools:      setOf(params.DeniedTools),
		IPAllowlist:      append([]string(nil), params.IPAllowlist...),
		AllowedCountries: setOf(params.AllowedCountries),
		DeniedCountries:  setOf(params.DeniedCountries),
		Quota:            params.Quota,
		AutoTopup:        params.AutoTopup,
		Namespace:        params.Namespace,
		Group:            params.Group,
		Tags:             append([]string(nil), params.Tags...),
		Alias:            params.Alias,
		ExpiresAt:        params.ExpiresAt,
	}

	s.records[keyID] = rec
	if params.Alias != "" {
		s.aliases[params.Alias] = keyID
	}

	if s.ledger != nil {
		s.ledger.Record(keyID, ledger.EntryInitial, params.Credits, 0, params.Credits, "", "key created")
	}
	if s.mirror != nil {
		_ = s.mirror.SaveKey(keyID, rec.Credits, rec.Active)
	}

	s.markMutated()
	return keyID, rec, nil
}

// Get returns the record for a key id, not resolving aliases.
func (s *KeyStore) Get(keyID string) (*KeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[keyID]
	return rec, ok
}

// ResolveByAliasOrId resolves a caller-supplied identifier, which may be a
// raw key id or a configured alias, to the canonical key id.
func (s *KeyStore) ResolveByAliasOrId(s2 string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.records[s2]; ok {
		return s2, true
	}
	if keyID, ok := s.aliases[s2]; ok {
		return keyID, true
	}
	return "", false
}

// List returns a snapshot of every record, ordered by key id.
func (s *KeyStore) List() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Restore replaces the store's contents with the given snapshots, used to
// rehydrate from a persisted file at startup. It does not touch the ledger
// or mirror; those rebuild independently.
func (s *KeyStore) Restore(snapshots []Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[string]*KeyRecord, len(snapshots))
	aliases := make(map[string]string, len(snapshots))

	for _, snap := range snapshots {
		rec := &KeyRecord{
			Key:              snap.Key,
			Name:             snap.Name,
			Credits:          snap.Credits,
			TotalSpent:       snap.TotalSpent,
			TotalCalls:       snap.TotalCalls,
			AllowedCalls:     snap.AllowedCalls,
			DeniedCalls:      snap.DeniedCalls,
			CreatedAt:        snap.CreatedAt,
			LastUsedAt:       snap.LastUsedAt,
			Active:           snap.Active,
			Suspended:        snap.Suspended,
			ExpiresAt:        snap.ExpiresAt,
			SpendingLimit:    snap.SpendingLimit,
			AllowedTools:     setOf(snap.AllowedTools),
			DeniedTools:      setOf(snap.DeniedTools),
			IPAllowlist:      snap.IPAllowlist,
			AllowedCountries: setOf(snap.AllowedCountries),
			DeniedCountries:  setOf(snap.DeniedCountries),
			Quota:            snap.Quota,
			AutoTopup:        snap.AutoTopup,
			Namespace:        snap.Namespace,
			Group:            snap.Group,
			Tags:             snap.Tags,
			Alias:            snap.Alias,
		}
		records[snap.Key] = rec
		if snap.Alias != "" {
			aliases[snap.Alias] = snap.Key
		}
	}

	s.records = records
	s.aliases = aliases
}

func (s *KeyStore) lookupLocked(keyID string) (*KeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[keyID]
	return rec, ok
}

// AddCredits adds amount credits to a key (e.g. an admin top-up) and records
// a ledger entry. amount must be positive.
func (s *KeyStore) AddCredits(keyID string, amount int64, memo string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	rec, ok := s.lookupLocked(keyID)
	if !ok {
		return 0, ErrNotFound
	}

	rec.mu.Lock()
	before := rec.Credits
	rec.Credits += amount
	after := rec.Credits
	rec.mu.Unlock()

	if s.ledger != nil {
		s.ledger.Record(keyID, ledger.EntryTopup, amount, before, after, "", memo)
	}
	if s.mirror != nil {
		_ = s.mirror.AtomicTopup(keyID, amount)
	}
	s.markMutated()
	return after, nil
}

// DeductCredits attempts to deduct amount credits for a tool call. It
// returns ok=false without changing the balance if the record is inactive,
// suspended, expired, over its spending limit, or has insufficient balance;
// the only mutation on that path is incrementing DeniedCalls.
func (s *KeyStore) DeductCredits(keyID string, amount int64, tool string) (ok bool, newBalance int64, err error) {
	if amount < 0 {
		return false, 0, ErrInvalidAmount
	}
	rec, found := s.lookupLocked(keyID)
	if !found {
		return false, 0, ErrNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.Active || rec.Suspended || isExpired(rec.ExpiresAt) {
		rec.DeniedCalls++
		return false, rec.Credits, nil
	}
	if rec.SpendingLimit > 0 && rec.TotalSpent+amount > rec.SpendingLimit {
		rec.DeniedCalls++
		return false, rec.Credits, nil
	}
	if rec.Credits < amount {
		rec.DeniedCalls++
		return false, rec.Credits, nil
	}

	before := rec.Credits
	rec.Credits -= amount
	rec.TotalSpent += amount
	rec.TotalCalls++
	rec.AllowedCalls++
	rec.LastUsedAt = time.Now().UTC()
	after := rec.Credits

	if s.ledger != nil {
		s.ledger.Record(keyID, ledger.EntryDeduction, amount, before, after, tool, "")
	}
	if s.metrics != nil {
		s.metrics.ObserveCreditMovement(tool, amount, 0)
	}

	s.markMutated()
	return true, after, nil
}

// Refund reverses a prior deduction, e.g. after a downstream backend error.
// amount must be positive.
func (s *KeyStore) Refund(keyID string, amount int64, tool string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	rec, ok := s.lookupLocked(keyID)
	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	before := rec.Credits
	rec.Credits += amount
	rec.TotalSpent -= amount
	after := rec.Credits
	rec.mu.Unlock()

	if s.ledger != nil {
		s.ledger.Record(keyID, ledger.EntryRefund, amount, before, after, tool, "")
	}
	if s.metrics != nil {
		s.metrics.ObserveCreditMovement(tool, 0, amount)
	}
	s.markMutated()
	return nil
}

// Transfer moves amount credits from one key to another atomically: either
// both balances change or neither does. Locks are acquired in a fixed order
// (lexicographic by key id) regardless of call direction, so two concurrent
// transfers between the same pair of keys can never deadlock.
func (s *KeyStore) Transfer(fromID, toID string, amount int64, memo string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if fromID == toID {
		return ErrSameKey
	}

	from, ok := s.lookupLocked(fromID)
	if !ok {
		return ErrNotFound
	}
	to, ok := s.lookupLocked(toID)
	if !ok {
		return ErrNotFound
	}

	first, second := from, to
	if strings.Compare(fromID, toID) > 0 {
		first, second = to, from
	}
	first.mu.Lock()
	second.mu.Lock()
	defer first.mu.Unlock()
	defer second.mu.Unlock()

	if !from.Active || from.Suspended || from.Credits < amount {
		return ErrInvalidAmount
	}

	fromBefore := from.Credits
	from.Credits -= amount
	fromAfter := from.Credits

	toBefore := to.Credits
	to.Credits += amount
	toAfter := to.Credits

	if s.ledger != nil {
		s.ledger.Record(fromID, ledger.EntryTransferOut, amount, fromBefore, fromAfter, "", memo)
		s.ledger.Record(toID, ledger.EntryTransferIn, amount, toBefore, toAfter, "", memo)
	}
	s.markMutated()
	return nil
}

// Revoke permanently deactivates a key. Revocation is terminal: a revoked
// key can never be resumed.
func (s *KeyStore) Revoke(keyID string) error {
	rec, ok := s.lookupLocked(keyID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	rec.Active = false
	rec.mu.Unlock()

	if s.mirror != nil {
		_ = s.mirror.RevokeKey(keyID)
	}
	s.markMutated()
	return nil
}

// Suspend temporarily deactivates a key; it can later be Resumed.
func (s *KeyStore) Suspend(keyID string) error {
	rec, ok := s.lookupLocked(keyID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	rec.Suspended = true
	rec.mu.Unlock()
	s.markMutated()
	return nil
}

// Resume clears a Suspend. On a revoked key it clears the suspended flag,
// but the key stays inactive.
func (s *KeyStore) Resume(keyID string) error {
	rec, ok := s.lookupLocked(keyID)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	rec.Suspended = false
	rec.mu.Unlock()
	s.markMutated()
	return nil
}

// MaybeAutoTopup evaluates a key's auto-topup policy after a successful
// deduction, adding credits if the balance fell below the configured
// threshold, capped at MaxDaily credits added per UTC day.
func (s *KeyStore) MaybeAutoTopup(keyID string) error {
	rec, ok := s.lookupLocked(keyID)
	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	policy := rec.AutoTopup
	if policy == nil || rec.Credits >= policy.Threshold {
		rec.mu.Unlock()
		return nil
	}

	today := time.Now().UTC().Format("2006-01-02")
	if rec.autoTopupDay != today {
		rec.autoTopupDay = today
		rec.autoTopupToday = 0
	}

	remaining := policy.MaxDaily - rec.autoTopupToday
	if policy.MaxDaily > 0 && remaining <= 0 {
		rec.mu.Unlock()
		return nil
	}

	amount := policy.Amount
	if policy.MaxDaily > 0 && amount > remaining {
		amount = remaining
	}
	if amount <= 0 {
		rec.mu.Unlock()
		return nil
	}

	before := rec.Credits
	rec.Credits += amount
	after := rec.Credits
	rec.autoTopupToday += amount
	rec.mu.Unlock()

	if s.ledger != nil {
		s.ledger.Record(keyID, ledger.EntryAutoTopup, amount, before, after, "", "auto top-up")
	}
	if s.mirror != nil {
		_ = s.mirror.AtomicTopup(keyID, amount)
	}
	s.markMutated()
	return nil
}

func isExpired(expiresAt *time.Time) bool {
	return expiresAt != nil && time.Now().UTC().After(*expiresAt)
}
