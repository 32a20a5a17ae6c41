// Package dedup provides the durable signal deduplication store.
//
// Two keys guard every emission: an idempotency key naming one specific
// setup occurrence (symbol, direction, scenario, bar time) and a cooldown
// key naming the (symbol, direction) pair. A signal passes only if its
// setup was never recorded and the pair's last emission is older than the
// cooldown window.
//
// ShouldEmit and Record are deliberately decoupled: the check never
// mutates, and recording is unconditional. Callers sequence
// check → deliver → record themselves.
package dedup

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"signalbot/internal/model"
)

// Store holds the idempotency and cooldown maps and persists every
// mutation to a single JSON file. Not safe for concurrent use; the
// orchestrator's sequential loop is the only writer.
type Store struct {
	path      string
	cooldown  time.Duration
	retention time.Duration
	now       func() time.Time

	idempotency map[string]time.Time // idempotency key -> recorded at
	lastEmitted map[string]time.Time // cooldown key -> last emission
}

type persistedState struct {
	IdempotencyKeys map[string]time.Time `json:"idempotency_keys"`
	CooldownKeys    map[string]time.Time `json:"cooldown_keys"`
}

// Open loads the store from path, creating empty state when the file does
// not exist. An unparseable file is preserved under a ".corrupt" suffix
// and replaced with empty state; that is a recoverable condition, not an
// error. Idempotency entries older than the retention horizon are pruned
// on load.
func Open(path string, cooldown, retention time.Duration) (*Store, error) {
	s := &Store{
		path:        path,
		cooldown:    cooldown,
		retention:   retention,
		now:         func() time.Time { return time.Now().UTC() },
		idempotency: make(map[string]time.Time),
		lastEmitted: make(map[string]time.Time),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup: read state file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		backup := path + ".corrupt"
		if renameErr := os.Rename(path, backup); renameErr != nil {
			return nil, fmt.Errorf("dedup: preserve corrupt state file: %w", renameErr)
		}
		log.Printf("[dedup] state file unparseable, preserved as %s and reset: %v", backup, err)
		return s, nil
	}
	if state.IdempotencyKeys != nil {
		s.idempotency = state.IdempotencyKeys
	}
	if state.CooldownKeys != nil {
		s.lastEmitted = state.CooldownKeys
	}
	s.prune()
	return s, nil
}

// ShouldEmit reports whether the signal passes both dedup checks. It never
// mutates state: calling it repeatedly without an intervening Record gives
// the same answer while the clock stays inside the same cooldown window.
func (s *Store) ShouldEmit(sig *model.Signal) bool {
	if _, seen := s.idempotency[sig.IdempotencyKey()]; seen {
		return false
	}
	if last, ok := s.lastEmitted[sig.CooldownKey()]; ok {
		if s.now().Sub(last) < s.cooldown {
			return false
		}
	}
	return true
}

// Record unconditionally inserts the signal's idempotency and cooldown
// entries and persists the whole state. A write failure leaves the
// in-memory maps updated but must be treated by the caller as loss of the
// dedup guarantee.
func (s *Store) Record(sig *model.Signal) error {
	ts := s.now()
	s.idempotency[sig.IdempotencyKey()] = ts
	s.lastEmitted[sig.CooldownKey()] = ts
	s.prune()
	return s.persist()
}

// Counts returns the number of retained idempotency and cooldown entries.
func (s *Store) Counts() (idempotency, cooldown int) {
	return len(s.idempotency), len(s.lastEmitted)
}

// prune drops idempotency entries older than the retention horizon.
// Housekeeping only: entries beyond the horizon can no longer collide
// with live bar times.
func (s *Store) prune() {
	if s.retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.retention)
	for k, ts := range s.idempotency {
		if ts.Before(cutoff) {
			delete(s.idempotency, k)
		}
	}
}

// persist writes the full state to a temporary file and renames it into
// place, so a crash mid-write never leaves a partially written file.
func (s *Store) persist() error {
	state := persistedState{
		IdempotencyKeys: s.idempotency,
		CooldownKeys:    s.lastEmitted,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("dedup: encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".dedup-*.tmp")
	if err != nil {
		return fmt.Errorf("dedup: create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("dedup: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("dedup: close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("dedup: replace state file: %w", err)
	}
	return nil
}
