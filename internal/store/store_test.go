package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oicur0t/logpulse/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIsIdempotentUnderRace(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	created := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created <- s.GetOrCreate("inst-1")
		}()
	}
	wg.Wait()
	close(created)

	n := 0
	for c := range created {
		if c {
			n++
		}
	}
	assert.Equal(t, 1, n, "exactly one caller should create the instance")
	assert.True(t, s.Exists("inst-1"))
	assert.Equal(t, []string{"inst-1"}, s.IDs())
}

func TestCreateGeneratesDistinctIDs(t *testing.T) {
	s := New()
	a, b := s.Create(), s.Create()
	assert.NotEqual(t, a, b)
	assert.True(t, s.Exists(a))
	assert.True(t, s.Exists(b))
}

func TestAppendAndUpdateLog(t *testing.T) {
	s := New()
	s.AppendLog("inst-1", models.LogEntry{ID: "e1", Raw: "first"})
	s.AppendLog("inst-1", models.LogEntry{ID: "e2", Raw: "second"})

	updated, ok := s.UpdateLog("inst-1", "e2", func(e *models.LogEntry) {
		e.ID = "hijacked"
		e.Cleaned = &models.Classification{Level: models.LevelWarn, Message: "second"}
	})
	require.True(t, ok)
	assert.Equal(t, "e2", updated.ID, "entry id is immutable")

	logs, err := s.Logs("inst-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "e1", logs[0].ID)
	assert.Nil(t, logs[0].Cleaned)
	assert.Equal(t, models.LevelWarn, logs[1].Level())

	_, ok = s.UpdateLog("inst-1", "missing", func(*models.LogEntry) {})
	assert.False(t, ok)
	_, ok = s.UpdateLog("nope", "e1", func(*models.LogEntry) {})
	assert.False(t, ok)

	_, err = s.Log("inst-1", "missing")
	assert.ErrorIs(t, err, ErrUnknownEntry)
	_, err = s.Log("nope", "e1")
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	s := New()
	const n = 200
	for i := 0; i < n; i++ {
		s.AppendLog("inst-1", models.LogEntry{ID: fmt.Sprintf("e%d", i), Raw: "line"})
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		id := fmt.Sprintf("e%d", i)
		go func() {
			defer wg.Done()
			s.UpdateLog("inst-1", id, func(e *models.LogEntry) {
				e.Cleaned = &models.Classification{Level: models.LevelError}
			})
		}()
		go func() {
			defer wg.Done()
			s.UpdateLog("inst-1", id, func(e *models.LogEntry) {
				suggestion := "restart"
				e.AISuggestion = &suggestion
			})
		}()
	}
	wg.Wait()

	logs, err := s.Logs("inst-1")
	require.NoError(t, err)
	require.Len(t, logs, n)
	for i, e := range logs {
		assert.Equal(t, fmt.Sprintf("e%d", i), e.ID, "arrival order preserved")
		assert.NotNil(t, e.Cleaned, "classification lost on %s", e.ID)
		assert.NotNil(t, e.AISuggestion, "suggestion lost on %s", e.ID)
	}
}

func TestRecentLogs(t *testing.T) {
	s := New()
	for i := 0; i < 15; i++ {
		s.AppendLog("inst-1", models.LogEntry{ID: fmt.Sprintf("e%d", i)})
	}

	recent := s.RecentLogs("inst-1", 10)
	require.Len(t, recent, 10)
	assert.Equal(t, "e5", recent[0].ID)
	assert.Equal(t, "e14", recent[9].ID)

	assert.Len(t, s.RecentLogs("inst-1", 100), 15)
	assert.Nil(t, s.RecentLogs("unknown", 10))
}

func TestAutoFixConfig(t *testing.T) {
	s := New()

	_, err := s.AutoFixConfig("nope")
	assert.ErrorIs(t, err, ErrUnknownInstance)
	assert.ErrorIs(t, s.SetAutoFixConfig("nope", models.AutoFixConfig{}), ErrUnknownInstance)

	s.GetOrCreate("inst-1")
	cfg, err := s.AutoFixConfig("inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.AutoFixConfig{}, cfg)

	want := models.AutoFixConfig{Enabled: true, Command: "pm2 restart all"}
	require.NoError(t, s.SetAutoFixConfig("inst-1", want))
	cfg, err = s.AutoFixConfig("inst-1")
	require.NoError(t, err)
	assert.Equal(t, want, cfg)
}

func TestFixRecords(t *testing.T) {
	s := New()
	_, err := s.FixHistory("nope")
	assert.ErrorIs(t, err, ErrUnknownInstance)

	now := time.Now()
	s.AppendFixRecord("inst-1", models.FixRecord{FixID: "f1", Status: models.FixSent, TriggeredAt: now})
	s.AppendFixRecord("inst-1", models.FixRecord{FixID: "f2", Status: models.FixAgentOffline, TriggeredAt: now})

	rec, ok := s.UpdateFixRecord("inst-1", "f1", func(r *models.FixRecord) bool {
		r.Status = models.FixSuccess
		r.Stdout = "done"
		return true
	})
	require.True(t, ok)
	assert.Equal(t, models.FixSuccess, rec.Status)

	rec, ok = s.UpdateFixRecord("inst-1", "f2", func(r *models.FixRecord) bool {
		r.Status = models.FixSuccess
		return false
	})
	assert.False(t, ok)
	assert.Equal(t, models.FixAgentOffline, rec.Status)

	history, err := s.FixHistory("inst-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "f1", history[0].FixID)
	assert.Equal(t, "done", history[0].Stdout)
	assert.Equal(t, models.FixAgentOffline, history[1].Status)
}

func TestSnapshotAndStats(t *testing.T) {
	s := New()
	s.AppendLog("inst-1", models.LogEntry{ID: "e1"})
	s.AppendLog("inst-1", models.LogEntry{ID: "e2", Cleaned: &models.Classification{Level: models.LevelError}})
	s.AppendLog("inst-1", models.LogEntry{ID: "e3", Cleaned: &models.Classification{Level: models.LevelWarn}})
	s.AppendFixRecord("inst-1", models.FixRecord{FixID: "f1"})

	snap, err := s.Snapshot("inst-1")
	require.NoError(t, err)
	assert.Len(t, snap.Logs, 3)
	assert.Len(t, snap.Fixes, 1)

	// snapshots are copies
	snap.Logs[0].Raw = "changed"
	logs, _ := s.Logs("inst-1")
	assert.Empty(t, logs[0].Raw)

	st, err := s.Stats("inst-1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.LogCount)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 1, st.ErrorCount)
	assert.Equal(t, 1, st.WarnCount)
	assert.Equal(t, 1, st.FixCount)

	_, err = s.Snapshot("nope")
	assert.ErrorIs(t, err, ErrUnknownInstance)
}
