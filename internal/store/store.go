// Package store keeps per-instance state in memory for the lifetime of the process.
//
// Every instance has its own lock, so work on one instance never waits on
// another. All accessors hand out copies; callers mutate state only through
// the UpdateLog and UpdateFixRecord mutators, which run under the lock.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oicur0t/logpulse/pkg/models"
)

// ErrUnknownInstance is returned by queries on an instance that was never created
var ErrUnknownInstance = errors.New("unknown instance")

// ErrUnknownEntry is returned when an entry id is not part of the instance's log
var ErrUnknownEntry = errors.New("unknown log entry")

type instance struct {
	mu        sync.Mutex
	createdAt time.Time
	logs      []models.LogEntry
	logIndex  map[string]int
	autoFix   models.AutoFixConfig
	fixes     []models.FixRecord
	fixIndex  map[string]int
}

// Store owns every instance known to the hub
type Store struct {
	mu        sync.RWMutex
	instances map[string]*instance
	now       func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		instances: make(map[string]*instance),
		now:       time.Now,
	}
}

// Create allocates a fresh instance id and registers it
func (s *Store) Create() string {
	id := uuid.NewString()
	s.GetOrCreate(id)
	return id
}

// GetOrCreate registers id if it is unknown. It reports whether this call created it.
func (s *Store) GetOrCreate(id string) bool {
	_, created := s.acquire(id)
	return created
}

// Exists reports whether id has been created
func (s *Store) Exists(id string) bool {
	return s.lookup(id) != nil
}

// IDs returns every known instance id in creation order
func (s *Store) IDs() []string {
	s.mu.RLock()
	type created struct {
		id string
		at time.Time
	}
	all := make([]created, 0, len(s.instances))
	for id, inst := range s.instances {
		all = append(all, created{id: id, at: inst.createdAt})
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].at.Equal(all[j].at) {
			return all[i].id < all[j].id
		}
		return all[i].at.Before(all[j].at)
	})

	ids := make([]string, len(all))
	for i, c := range all {
		ids[i] = c.id
	}
	return ids
}

func (s *Store) lookup(id string) *instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instances[id]
}

func (s *Store) acquire(id string) (*instance, bool) {
	if inst := s.lookup(id); inst != nil {
		return inst, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[id]; ok {
		return inst, false
	}
	inst := &instance{
		createdAt: s.now(),
		logIndex:  make(map[string]int),
		fixIndex:  make(map[string]int),
	}
	s.instances[id] = inst
	return inst, true
}

// AppendLog adds entry to the end of the instance's log sequence, creating the instance if needed
func (s *Store) AppendLog(id string, entry models.LogEntry) {
	inst, _ := s.acquire(id)
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.logIndex[entry.ID] = len(inst.logs)
	inst.logs = append(inst.logs, entry)
}

// UpdateLog applies mutate to the stored entry in place. The entry id cannot be changed.
// It reports whether the entry was found.
func (s *Store) UpdateLog(id, entryID string, mutate func(*models.LogEntry)) (models.LogEntry, bool) {
	inst := s.lookup(id)
	if inst == nil {
		return models.LogEntry{}, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	pos, ok := inst.logIndex[entryID]
	if !ok {
		return models.LogEntry{}, false
	}
	entry := inst.logs[pos]
	mutate(&entry)
	entry.ID = entryID
	inst.logs[pos] = entry
	return entry, true
}

// Log returns a single entry
func (s *Store) Log(id, entryID string) (models.LogEntry, error) {
	inst := s.lookup(id)
	if inst == nil {
		return models.LogEntry{}, ErrUnknownInstance
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	pos, ok := inst.logIndex[entryID]
	if !ok {
		return models.LogEntry{}, ErrUnknownEntry
	}
	return inst.logs[pos], nil
}

// Logs returns a copy of the whole log sequence in arrival order
func (s *Store) Logs(id string) ([]models.LogEntry, error) {
	inst := s.lookup(id)
	if inst == nil {
		return nil, ErrUnknownInstance
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]models.LogEntry(nil), inst.logs...), nil
}

// RecentLogs returns up to n of the latest entries in arrival order
func (s *Store) RecentLogs(id string, n int) []models.LogEntry {
	inst := s.lookup(id)
	if inst == nil || n <= 0 {
		return nil
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	start := len(inst.logs) - n
	if start < 0 {
		start = 0
	}
	return append([]models.LogEntry(nil), inst.logs[start:]...)
}

// AutoFixConfig returns the instance's auto-fix configuration
func (s *Store) AutoFixConfig(id string) (models.AutoFixConfig, error) {
	inst := s.lookup(id)
	if inst == nil {
		return models.AutoFixConfig{}, ErrUnknownInstance
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.autoFix, nil
}

// SetAutoFixConfig replaces the instance's auto-fix configuration
func (s *Store) SetAutoFixConfig(id string, cfg models.AutoFixConfig) error {
	inst := s.lookup(id)
	if inst == nil {
		return ErrUnknownInstance
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.autoFix = cfg
	return nil
}

// AppendFixRecord adds rec to the instance's fix history, creating the instance if needed
func (s *Store) AppendFixRecord(id string, rec models.FixRecord) {
	inst, _ := s.acquire(id)
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.fixIndex[rec.FixID] = len(inst.fixes)
	inst.fixes = append(inst.fixes, rec)
}

// UpdateFixRecord applies mutate to the stored record in place. mutate returns
// false to leave the record untouched. It reports whether the record changed.
func (s *Store) UpdateFixRecord(id, fixID string, mutate func(*models.FixRecord) bool) (models.FixRecord, bool) {
	inst := s.lookup(id)
	if inst == nil {
		return models.FixRecord{}, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	pos, ok := inst.fixIndex[fixID]
	if !ok {
		return models.FixRecord{}, false
	}
	rec := inst.fixes[pos]
	if !mutate(&rec) {
		return inst.fixes[pos], false
	}
	rec.FixID = fixID
	inst.fixes[pos] = rec
	return rec, true
}

// FixHistory returns the instance's fix records in trigger order
func (s *Store) FixHistory(id string) ([]models.FixRecord, error) {
	inst := s.lookup(id)
	if inst == nil {
		return nil, ErrUnknownInstance
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]models.FixRecord(nil), inst.fixes...), nil
}

// Snapshot is a consistent view of one instance
type Snapshot struct {
	Logs    []models.LogEntry
	AutoFix models.AutoFixConfig
	Fixes   []models.FixRecord
}

// Snapshot copies the instance's state under a single lock acquisition
func (s *Store) Snapshot(id string) (Snapshot, error) {
	inst := s.lookup(id)
	if inst == nil {
		return Snapshot{}, ErrUnknownInstance
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Snapshot{
		Logs:    append([]models.LogEntry(nil), inst.logs...),
		AutoFix: inst.autoFix,
		Fixes:   append([]models.FixRecord(nil), inst.fixes...),
	}, nil
}

// Stats summarizes an instance for status queries
type Stats struct {
	CreatedAt  time.Time `json:"createdAt"`
	LogCount   int       `json:"logCount"`
	Pending    int       `json:"pending"`
	ErrorCount int       `json:"errorCount"`
	WarnCount  int       `json:"warnCount"`
	FixCount   int       `json:"fixCount"`
}

// Stats counts an instance's entries and fixes
func (s *Store) Stats(id string) (Stats, error) {
	inst := s.lookup(id)
	if inst == nil {
		return Stats{}, ErrUnknownInstance
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	st := Stats{CreatedAt: inst.createdAt, LogCount: len(inst.logs), FixCount: len(inst.fixes)}
	for _, e := range inst.logs {
		switch {
		case !e.Classified():
			st.Pending++
		case e.Level() == models.LevelError:
			st.ErrorCount++
		case e.Level() == models.LevelWarn:
			st.WarnCount++
		}
	}
	return st, nil
}
