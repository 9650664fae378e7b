// Package archive copies classified log entries and fix records to durable
// storage in the background. The hub never reads the archive back.
package archive

import (
	"context"
	"sync"
	"time"

	"github.com/oicur0t/logpulse/internal/metrics"
	"github.com/oicur0t/logpulse/pkg/models"
	"go.uber.org/zap"
)

// Collection kinds
const (
	KindLogs  = "logs"
	KindFixes = "fixes"
)

// Document is one archived record. Later documents with the same ID replace earlier ones.
type Document struct {
	ID   string
	Body interface{}
}

// LogDocument is the archived form of a log entry
type LogDocument struct {
	models.LogEntry `bson:",inline"`
	InstanceID      string    `bson:"instance_id"`
	ArchivedAt      time.Time `bson:"archived_at"`
}

// FixDocument is the archived form of a fix record
type FixDocument struct {
	models.FixRecord `bson:",inline"`
	InstanceID       string    `bson:"instance_id"`
	ArchivedAt       time.Time `bson:"archived_at"`
}

// Writer persists a batch of documents of one kind
type Writer interface {
	WriteBatch(ctx context.Context, kind string, docs []Document) error
}

type item struct {
	kind string
	doc  Document
}

// Archive accumulates documents and hands them to a Writer in batches
type Archive struct {
	writer  Writer
	maxSize int
	maxWait time.Duration
	logger  *zap.Logger
	now     func() time.Time

	queue   chan item
	mu      sync.Mutex
	batches map[string][]Document // kind -> documents
}

// New creates an archive. Records are dropped when more than queueSize are waiting.
func New(writer Writer, maxSize int, maxWait time.Duration, queueSize int, logger *zap.Logger) *Archive {
	return &Archive{
		writer:  writer,
		maxSize: maxSize,
		maxWait: maxWait,
		logger:  logger,
		now:     time.Now,
		queue:   make(chan item, queueSize),
		batches: make(map[string][]Document),
	}
}

// RecordLog queues an entry for archiving
func (a *Archive) RecordLog(instanceID string, entry models.LogEntry) {
	a.enqueue(KindLogs, Document{
		ID:   entry.ID,
		Body: LogDocument{LogEntry: entry, InstanceID: instanceID, ArchivedAt: a.now()},
	})
}

// RecordFix queues a fix record for archiving
func (a *Archive) RecordFix(instanceID string, rec models.FixRecord) {
	a.enqueue(KindFixes, Document{
		ID:   rec.FixID,
		Body: FixDocument{FixRecord: rec, InstanceID: instanceID, ArchivedAt: a.now()},
	})
}

func (a *Archive) enqueue(kind string, doc Document) {
	select {
	case a.queue <- item{kind: kind, doc: doc}:
	default:
		metrics.ArchiveWrites.WithLabelValues(kind, "dropped").Inc()
		a.logger.Warn("Archive queue full, dropping document", zap.String("kind", kind), zap.String("id", doc.ID))
	}
}

// Start batches queued documents until ctx is cancelled, then flushes what is left
func (a *Archive) Start(ctx context.Context) error {
	ticker := time.NewTicker(a.maxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.drain()
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := a.flush(flushCtx); err != nil {
				a.logger.Error("Failed to flush final archive batch", zap.Error(err))
			}
			cancel()
			return nil

		case it := <-a.queue:
			if a.add(it) {
				if err := a.flushKind(ctx, it.kind); err != nil {
					a.logger.Error("Failed to flush archive batch", zap.Error(err), zap.String("kind", it.kind))
				}
				ticker.Reset(a.maxWait)
			}

		case <-ticker.C:
			if err := a.flush(ctx); err != nil {
				a.logger.Error("Failed to flush archive batch on timer", zap.Error(err))
			}
		}
	}
}

// add appends it to its batch and reports whether the batch is full
func (a *Archive) add(it item) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.batches[it.kind]; !exists {
		a.batches[it.kind] = make([]Document, 0, a.maxSize)
	}
	a.batches[it.kind] = append(a.batches[it.kind], it.doc)
	return len(a.batches[it.kind]) >= a.maxSize
}

func (a *Archive) drain() {
	for {
		select {
		case it := <-a.queue:
			a.add(it)
		default:
			return
		}
	}
}

// flush writes every pending batch
func (a *Archive) flush(ctx context.Context) error {
	a.mu.Lock()
	kinds := make([]string, 0, len(a.batches))
	for kind := range a.batches {
		kinds = append(kinds, kind)
	}
	a.mu.Unlock()

	var firstErr error
	for _, kind := range kinds {
		if err := a.flushKind(ctx, kind); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// flushKind writes the pending batch of one kind
func (a *Archive) flushKind(ctx context.Context, kind string) error {
	a.mu.Lock()
	batch := a.batches[kind]
	if len(batch) == 0 {
		a.mu.Unlock()
		return nil
	}
	docs := make([]Document, len(batch))
	copy(docs, batch)
	a.batches[kind] = a.batches[kind][:0]
	a.mu.Unlock()

	if err := a.writer.WriteBatch(ctx, kind, docs); err != nil {
		metrics.ArchiveWrites.WithLabelValues(kind, "error").Add(float64(len(docs)))
		return err
	}

	metrics.ArchiveWrites.WithLabelValues(kind, "ok").Add(float64(len(docs)))
	a.logger.Debug("Archive batch written", zap.String("kind", kind), zap.Int("size", len(docs)))
	return nil
}
