// Package store implements the durable shared state store: an in-memory
// key/value map with per-entry owners and optional TTL, mirrored to an
// append-only journal and periodically snapshotted to disk.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"agentbus/pkg/config"
	"agentbus/pkg/logx"
	"agentbus/pkg/metrics"
)

// Entry is one record in the store. A zero ExpiresAt means no expiry. An
// entry whose ExpiresAt is in the past is logically absent: reads skip it
// and the background GC reaps it.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// journalRecord is one line of the append-only mutation journal.
type journalRecord struct {
	Op    string `json:"op"` // "put" or "delete"
	Entry Entry  `json:"entry"`
}

const (
	opPut    = "put"
	opDelete = "delete"
)

// Store serializes all access behind a single mutex. Operations are fast and
// never block on the background flush, which snapshots a copy of the map.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry

	snapshotPath string
	journalPath  string
	journal      *os.File

	flushInterval time.Duration
	logger        *logx.Logger
	recorder      metrics.Recorder

	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

// New opens a store rooted at dir. A corrupt snapshot or journal never fails
// startup: the offending data is discarded with a warning and the store
// starts from whatever could be recovered. recorder may be nil.
func New(dir string, flushInterval time.Duration, recorder metrics.Recorder) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}

	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	s := &Store{
		entries:       make(map[string]Entry),
		snapshotPath:  filepath.Join(dir, config.DefaultStoreSnapshotName),
		journalPath:   filepath.Join(dir, config.DefaultStoreJournalName),
		flushInterval: flushInterval,
		logger:        logx.NewLogger("store"),
		recorder:      recorder,
		shutdown:      make(chan struct{}),
	}

	s.loadSnapshot()
	s.replayJournalFile(s.sidecarPath())
	s.replayJournalFile(s.journalPath)

	journal, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open store journal: %w", err)
	}
	s.journal = journal

	return s, nil
}

// loadSnapshot restores the last snapshot. Corruption degrades to an empty
// store with a warning rather than a startup failure.
func (s *Store) loadSnapshot() {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("store corrupted: unreadable snapshot %s: %v - starting empty", s.snapshotPath, err)
		}
		return
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("store corrupted: unparseable snapshot %s: %v - starting empty", s.snapshotPath, err)
		return
	}

	now := time.Now().UTC()
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		s.entries[e.Key] = e
	}
	s.logger.Info("Restored %d entries from snapshot", len(s.entries))
}

// replayJournalFile applies mutations recorded since the last snapshot. The
// sidecar (a journal rotated out for a snapshot that never completed) replays
// before the live journal so records apply in write order. Unparseable lines
// are skipped individually.
func (s *Store) replayJournalFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return
	}

	applied, skipped := 0, 0
	var line []byte
	for _, b := range data {
		if b != '\n' {
			line = append(line, b)
			continue
		}
		if len(line) == 0 {
			continue
		}

		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
		} else {
			s.apply(&rec)
			applied++
		}
		line = line[:0]
	}
	if len(line) > 0 {
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
		} else {
			s.apply(&rec)
			applied++
		}
	}

	if skipped > 0 {
		s.logger.Warn("Skipped %d corrupt journal records during replay", skipped)
	}
	if applied > 0 {
		s.logger.Info("Replayed %d journal records", applied)
	}
}

func (s *Store) apply(rec *journalRecord) {
	switch rec.Op {
	case opPut:
		s.entries[rec.Entry.Key] = rec.Entry
	case opDelete:
		delete(s.entries, rec.Entry.Key)
	}
}

// appendJournal mirrors a mutation to disk. Journal write failures are
// logged, not returned: foreground operations must not fail on audit I/O.
func (s *Store) appendJournal(rec *journalRecord) {
	if s.journal == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("Failed to serialize journal record for %s: %v", rec.Entry.Key, err)
		return
	}
	if _, err := s.journal.Write(append(data, '\n')); err != nil {
		s.logger.Error("Failed to write journal record for %s: %v", rec.Entry.Key, err)
	}
}

// Put creates or overwrites an entry. A ttl <= 0 means the entry never
// expires. Last writer wins per key.
func (s *Store) Put(key string, value any, owner string, ttl time.Duration) {
	now := time.Now().UTC()
	entry := Entry{
		Key:       key,
		Value:     value,
		Owner:     owner,
		CreatedAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry
	s.appendJournal(&journalRecord{Op: opPut, Entry: entry})
	s.recorder.ObserveStoreOp(opPut)
}

// Get returns the value for key. Expired entries are invisible but are not
// deleted on read; the background GC reaps them.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	s.recorder.ObserveStoreOp("get")
	if !exists || entry.Expired(time.Now().UTC()) {
		return nil, false
	}
	return entry.Value, true
}

// GetEntry returns the full entry for key, honoring expiry the same way
// Get does.
func (s *Store) GetEntry(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists || entry.Expired(time.Now().UTC()) {
		return Entry{}, false
	}
	return entry, true
}

// Delete removes an entry. Deleting a missing key is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists {
		return
	}
	delete(s.entries, key)
	s.appendJournal(&journalRecord{Op: opDelete, Entry: Entry{Key: key}})
	s.recorder.ObserveStoreOp(opDelete)
}

// Keys returns all live keys, sorted. A non-empty ownerFilter restricts the
// result to entries written by that owner.
func (s *Store) Keys(ownerFilter string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	keys := make([]string, 0, len(s.entries))
	for key, entry := range s.entries {
		if entry.Expired(now) {
			continue
		}
		if ownerFilter != "" && entry.Owner != ownerFilter {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	n := 0
	for _, entry := range s.entries {
		if !entry.Expired(now) {
			n++
		}
	}
	return n
}

// Run starts the background GC/flush loop. It returns when ctx is cancelled
// or Close is called.
func (s *Store) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.shutdown:
				return
			case <-ticker.C:
				s.gcAndFlush()
			}
		}
	}()
}

// gcAndFlush reaps expired entries and rewrites the snapshot. The snapshot
// is written from a copy taken under the lock so foreground Put/Get never
// wait on disk I/O.
func (s *Store) gcAndFlush() {
	now := time.Now().UTC()

	s.mu.Lock()
	reaped := 0
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			reaped++
		}
	}
	snapshot := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		snapshot = append(snapshot, entry)
	}
	// Rotated in the same critical section as the map copy: any mutation
	// journaled after this point lands in the fresh journal and survives
	// whether or not it made this snapshot.
	s.rotateJournal()
	s.mu.Unlock()

	if reaped > 0 {
		s.logger.Debug("GC reaped %d expired entries", reaped)
	}

	if err := s.writeSnapshot(snapshot); err != nil {
		// The sidecar stays on disk; startup replays it over the old snapshot.
		s.logger.Error("Snapshot flush failed: %v", err)
		return
	}

	// Everything in the sidecar is now covered by the snapshot.
	if err := os.Remove(s.sidecarPath()); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove journal sidecar after snapshot: %v", err)
	}
}

// writeSnapshot atomically replaces the snapshot file via temp file + rename.
func (s *Store) writeSnapshot(entries []Entry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	tmpPath := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.snapshotPath); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// rotateJournal renames the live journal to the sidecar and opens a fresh
// one. Called with the mutex held. If a sidecar already exists, a previous
// snapshot never completed and the sidecar is the only durable copy of its
// records, so the live journal keeps growing until a snapshot succeeds.
func (s *Store) rotateJournal() {
	if s.journal == nil {
		return
	}
	if _, err := os.Stat(s.sidecarPath()); err == nil {
		return
	}

	if err := s.journal.Close(); err != nil {
		s.logger.Warn("Failed to close journal before rotation: %v", err)
	}
	s.journal = nil

	if err := os.Rename(s.journalPath, s.sidecarPath()); err != nil {
		s.logger.Warn("Failed to rotate journal: %v", err)
	}

	journal, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.logger.Error("Failed to reopen store journal after rotation: %v", err)
		return
	}
	s.journal = journal
}

func (s *Store) sidecarPath() string {
	return s.journalPath + ".old"
}

// Flush forces a GC cycle and snapshot outside the background schedule.
func (s *Store) Flush() {
	s.gcAndFlush()
}

// Close stops the background loop, writes a final snapshot, and closes the
// journal.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.shutdown) })
	s.wg.Wait()

	s.gcAndFlush()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil {
		err := s.journal.Close()
		s.journal = nil
		if err != nil {
			return fmt.Errorf("failed to close store journal: %w", err)
		}
	}
	return nil
}
