package archive

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oicur0t/logpulse/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

type batch struct {
	kind string
	docs []Document
}

type fakeWriter struct {
	mu      sync.Mutex
	batches []batch
	err     error
}

func (w *fakeWriter) WriteBatch(_ context.Context, kind string, docs []Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, batch{kind: kind, docs: docs})
	return nil
}

func (w *fakeWriter) written() []batch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]batch(nil), w.batches...)
}

func (w *fakeWriter) count(kind string) int {
	n := 0
	for _, b := range w.written() {
		if b.kind == kind {
			n += len(b.docs)
		}
	}
	return n
}

func run(t *testing.T, a *Archive) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, a.Start(ctx))
	}()
	return func() {
		stop()
		<-done
	}
}

func TestArchiveFlushesFullBatch(t *testing.T) {
	w := &fakeWriter{}
	a := New(w, 3, time.Hour, 100, zap.NewNop())
	stop := run(t, a)
	defer stop()

	for _, id := range []string{"a", "b", "c"} {
		a.RecordLog("inst", models.LogEntry{ID: id, Raw: "line"})
	}

	require.Eventually(t, func() bool { return w.count(KindLogs) == 3 }, time.Second, 5*time.Millisecond)
	b := w.written()[0]
	assert.Equal(t, KindLogs, b.kind)
	assert.Equal(t, "a", b.docs[0].ID)
	assert.Equal(t, "inst", b.docs[0].Body.(LogDocument).InstanceID)
}

func TestArchiveFlushesOnTimer(t *testing.T) {
	w := &fakeWriter{}
	a := New(w, 100, 10*time.Millisecond, 100, zap.NewNop())
	stop := run(t, a)
	defer stop()

	a.RecordFix("inst", models.FixRecord{FixID: "f1", Status: models.FixSent})
	require.Eventually(t, func() bool { return w.count(KindFixes) == 1 }, time.Second, 5*time.Millisecond)
}

func TestArchiveFlushesOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	a := New(w, 100, time.Hour, 100, zap.NewNop())

	a.RecordLog("inst", models.LogEntry{ID: "e1"})
	a.RecordFix("inst", models.FixRecord{FixID: "f1"})

	stop := run(t, a)
	stop()

	assert.Equal(t, 1, w.count(KindLogs))
	assert.Equal(t, 1, w.count(KindFixes))
}

func TestArchiveDropsWhenQueueFull(t *testing.T) {
	w := &fakeWriter{}
	a := New(w, 100, time.Hour, 2, zap.NewNop())

	for i := 0; i < 5; i++ {
		a.RecordLog("inst", models.LogEntry{ID: "e"})
	}
	assert.Len(t, a.queue, 2)
}

func TestArchiveWriteErrorDoesNotStop(t *testing.T) {
	w := &fakeWriter{err: errors.New("no primary")}
	a := New(w, 1, time.Hour, 100, zap.NewNop())
	stop := run(t, a)

	a.RecordLog("inst", models.LogEntry{ID: "e1"})
	time.Sleep(20 * time.Millisecond)

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()

	a.RecordLog("inst", models.LogEntry{ID: "e2"})
	require.Eventually(t, func() bool { return w.count(KindLogs) == 1 }, time.Second, 5*time.Millisecond)
	stop()
}

func TestLogDocumentBSON(t *testing.T) {
	reason := "db unreachable"
	doc := LogDocument{
		LogEntry: models.LogEntry{
			ID:  "e1",
			Raw: "ERROR db",
			Cleaned: &models.Classification{
				Level: models.LevelError, Service: "db", Message: "down", Anomaly: true, AnomalyReason: &reason,
			},
		},
		InstanceID: "inst",
	}

	data, err := bson.Marshal(doc)
	require.NoError(t, err)

	raw := bson.Raw(data)
	assert.Equal(t, "e1", raw.Lookup("_id").StringValue())
	assert.Equal(t, "inst", raw.Lookup("instance_id").StringValue())
	assert.Equal(t, "ERROR db", raw.Lookup("raw").StringValue())
	assert.Equal(t, "ERROR", raw.Lookup("cleaned", "level").StringValue())
	assert.Equal(t, "db unreachable", raw.Lookup("cleaned", "anomaly_reason").StringValue())

	_, err = raw.LookupErr("ai_suggestion")
	assert.Error(t, err)
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "logpulse_logs", collectionName("logpulse_", KindLogs))
	assert.Equal(t, "my_app_fixes", collectionName("My-App.", KindFixes))
}
