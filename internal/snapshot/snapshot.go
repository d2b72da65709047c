// Package snapshot persists the KeyStore's account state to a local file,
// written atomically so a crash mid-write never corrupts the last good copy.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/paygate/mcpgate/internal/keystore"
	"github.com/paygate/mcpgate/internal/metrics"
)

// fileFormat is the on-disk envelope, versioned so a future format change
// can be detected on load.
type fileFormat struct {
	Version int                 `json:"version"`
	SavedAt time.Time           `json:"savedAt"`
	Keys    []keystore.Snapshot `json:"keys"`
}

const currentVersion = 1

// Writer periodically and on-demand flushes a KeyStore's state to path,
// using a temp-file-then-rename write so readers never observe a partial
// file.
type Writer struct {
	path   string
	store  *keystore.KeyStore
	every  time.Duration
	mu     sync.Mutex
	dirty  bool
	stopCh chan struct{}
	doneCh chan struct{}

	metrics *metrics.Metrics
}

// NewWriter creates a Writer targeting path. every is the periodic flush
// interval; 0 disables the background ticker, so state is written only by
// explicit Flush calls and the final flush in Stop (MarkDirty alone writes
// nothing).
func NewWriter(path string, store *keystore.KeyStore, every time.Duration) *Writer {
	return &Writer{path: path, store: store, every: every}
}

// SetMetrics attaches a metrics sink; nil disables snapshot metrics.
func (w *Writer) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

// Load reads a previously-saved snapshot file and restores it into store.
// A missing file is not an error: the store simply starts empty.
func Load(path string, store *keystore.KeyStore) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("snapshot: reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("snapshot: parsing %s: %w", path, err)
	}

	store.Restore(ff.Keys)
	log.Info().Str("path", path).Int("keys", len(ff.Keys)).Msg("snapshot.loaded")
	return nil
}

// MarkDirty records that the store has changed since the last flush. Cheap
// enough to call from every mutating KeyStore call site.
func (w *Writer) MarkDirty() {
	w.mu.Lock()
	w.dirty = true
	w.mu.Unlock()
}

// Flush writes the current store state to disk immediately, regardless of
// the dirty flag.
func (w *Writer) Flush() (err error) {
	if w.metrics != nil {
		defer func() { w.metrics.ObserveSnapshot(err == nil) }()
	}

	keys := w.store.List()
	ff := fileFormat{Version: currentVersion, SavedAt: time.Now().UTC(), Keys: keys}

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshaling: %w", err)
	}

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("snapshot: creating directory: %w", err)
		}
	}

	tmpPath := w.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("snapshot: writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: renaming temp file: %w", err)
	}

	w.mu.Lock()
	w.dirty = false
	w.mu.Unlock()
	return nil
}

// Start begins the periodic flush loop, if every > 0. Safe to call once;
// a no-op when every <= 0.
func (w *Writer) Start() {
	if w.every <= 0 {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop()
}

func (w *Writer) loop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			dirty := w.dirty
			w.mu.Unlock()
			if !dirty {
				continue
			}
			if err := w.Flush(); err != nil {
				log.Error().Err(err).Str("path", w.path).Msg("snapshot.periodic_flush_failed")
			}
		}
	}
}

// Stop halts the periodic flush loop and performs one final flush.
func (w *Writer) Stop() error {
	if w.stopCh != nil {
		close(w.stopCh)
		<-w.doneCh
	}
	return w.Flush()
}
