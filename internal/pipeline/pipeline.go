// Package pipeline accepts raw log lines, acknowledges them at once and
// enriches them in the background: classification, broadcast, fix
// suggestions and auto-fix hand-off.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oicur0t/logpulse/internal/classifier"
	"github.com/oicur0t/logpulse/internal/hub"
	"github.com/oicur0t/logpulse/internal/metrics"
	"github.com/oicur0t/logpulse/internal/store"
	"github.com/oicur0t/logpulse/pkg/models"
	"github.com/oicur0t/logpulse/pkg/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrInvalidInput is returned for a missing instance id or blank log text
	ErrInvalidInput = errors.New("invalid input")

	// ErrSuggestionUnavailable is returned when an on-demand suggestion or chat reply could not be produced
	ErrSuggestionUnavailable = errors.New("suggestion unavailable")

	// ErrClosed is returned by Ingest once Close has been called
	ErrClosed = errors.New("pipeline closed")
)

const (
	defaultMaxInFlight = 32
	defaultContextSize = 10
)

// Fixer decides whether a classified ERROR entry triggers a fix
type Fixer interface {
	MaybeAutoFix(instanceID, entryID string) (*models.FixRecord, error)
}

// Recorder receives every entry once it is classified and again once a suggestion is attached
type Recorder interface {
	RecordLog(instanceID string, entry models.LogEntry)
}

// Options tunes the pipeline
type Options struct {
	// MaxInFlight bounds concurrent classifier conversations
	MaxInFlight int64
	// ContextSize is the number of recent entries sent along with a suggestion request
	ContextSize int
	Recorder    Recorder
}

// Pipeline is the ingestion pipeline
type Pipeline struct {
	store   *store.Store
	hub     *hub.Registry
	gateway classifier.Gateway
	fixer   Fixer
	opts    Options
	logger  *zap.Logger

	sem *semaphore.Weighted

	// mu guards closed and every wg.Add
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// New creates a pipeline. fixer may be nil to disable auto-fix hand-off.
func New(st *store.Store, reg *hub.Registry, gateway classifier.Gateway, fixer Fixer, opts Options, logger *zap.Logger) *Pipeline {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.ContextSize <= 0 {
		opts.ContextSize = defaultContextSize
	}
	return &Pipeline{
		store:   st,
		hub:     reg,
		gateway: gateway,
		fixer:   fixer,
		opts:    opts,
		logger:  logger,
		sem:     semaphore.NewWeighted(opts.MaxInFlight),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Ingest stores raw as a provisional entry of the instance, creating the
// instance if needed, and returns the entry id without waiting for
// classification
func (p *Pipeline) Ingest(ctx context.Context, instanceID, raw string) (string, error) {
	if instanceID == "" {
		return "", fmt.Errorf("%w: missing instance id", ErrInvalidInput)
	}
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: log line is empty", ErrInvalidInput)
	}

	entry := models.LogEntry{
		ID:        p.newID(),
		Timestamp: p.now(),
		Raw:       raw,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.store.AppendLog(instanceID, entry)

	metrics.LogsIngested.Inc()
	metrics.PipelineInFlight.Inc()
	go p.process(context.WithoutCancel(ctx), instanceID, entry)

	return entry.ID, nil
}

// Wait blocks until every accepted entry has been fully processed
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close stops accepting lines and waits for the accepted ones to be processed
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) process(ctx context.Context, instanceID string, entry models.LogEntry) {
	defer p.wg.Done()
	defer metrics.PipelineInFlight.Dec()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.logger.Error("Dropping log entry", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	defer p.sem.Release(1)

	cleaned, aiErr := p.classify(ctx, instanceID, entry.Raw)

	var (
		stored models.LogEntry
		ok     bool
	)
	p.hub.Do(instanceID, func(tx *hub.Tx) {
		stored, ok = p.store.UpdateLog(instanceID, entry.ID, func(e *models.LogEntry) {
			e.Cleaned = &cleaned
			e.AIError = aiErr
		})
		if ok {
			tx.Broadcast(protocol.NewLog(instanceID, stored))
		}
	})
	if !ok {
		p.logger.Error("Provisional entry vanished", zap.String("instance_id", instanceID), zap.String("entry_id", entry.ID))
		return
	}
	p.record(instanceID, stored)

	level := stored.Level()
	if level == models.LevelError || level == models.LevelWarn {
		p.autoSuggest(ctx, instanceID, stored)
	}

	if level == models.LevelError && p.fixer != nil {
		if _, err := p.fixer.MaybeAutoFix(instanceID, stored.ID); err != nil {
			p.logger.Error("Auto-fix hand-off failed",
				zap.String("instance_id", instanceID),
				zap.String("entry_id", stored.ID),
				zap.Error(err))
		}
	}
}

// classify returns the fallback classification and true when the gateway fails
func (p *Pipeline) classify(ctx context.Context, instanceID, raw string) (models.Classification, bool) {
	timer := metrics.NewTimer()
	cleaned, err := p.gateway.Classify(ctx, raw)
	timer.ObserveDuration(metrics.ClassificationDuration)

	if err != nil {
		metrics.Classifications.WithLabelValues("fallback").Inc()
		p.logger.Warn("Classification failed, using fallback",
			zap.String("instance_id", instanceID),
			zap.Duration("elapsed", timer.Duration()),
			zap.Error(err))
		return classifier.Fallback(raw), true
	}

	metrics.Classifications.WithLabelValues("ok").Inc()
	return cleaned, false
}

func (p *Pipeline) autoSuggest(ctx context.Context, instanceID string, entry models.LogEntry) {
	recent := p.store.RecentLogs(instanceID, p.opts.ContextSize)

	suggestion, err := p.gateway.SuggestFix(ctx, entry, recent)
	if err != nil {
		metrics.Suggestions.WithLabelValues("none").Inc()
		p.logger.Debug("No fix suggestion",
			zap.String("instance_id", instanceID),
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		return
	}
	metrics.Suggestions.WithLabelValues("ok").Inc()
	p.attach(instanceID, entry.ID, suggestion)
}

// attach stores the suggestion on an entry that has none yet and announces it.
// It reports whether the entry changed.
func (p *Pipeline) attach(instanceID, entryID, suggestion string) bool {
	var (
		stored  models.LogEntry
		updated bool
	)
	p.hub.Do(instanceID, func(tx *hub.Tx) {
		_, found := p.store.UpdateLog(instanceID, entryID, func(e *models.LogEntry) {
			if e.AISuggestion != nil {
				return
			}
			s := suggestion
			e.AISuggestion = &s
			stored = *e
			updated = true
		})
		if found && updated {
			tx.Broadcast(protocol.AIFix(instanceID, stored))
		}
	})

	if updated {
		p.record(instanceID, stored)
	}
	return updated
}

// Suggest asks for a fix suggestion for an existing entry. The suggestion is
// attached to the entry unless it already carries one.
func (p *Pipeline) Suggest(ctx context.Context, instanceID, entryID string) (string, error) {
	entry, recent, err := p.lookup(instanceID, entryID)
	if err != nil {
		return "", err
	}

	suggestion, err := p.gateway.SuggestFix(ctx, entry, recent)
	if err != nil {
		metrics.Suggestions.WithLabelValues("none").Inc()
		return "", fmt.Errorf("%w: %v", ErrSuggestionUnavailable, err)
	}
	metrics.Suggestions.WithLabelValues("ok").Inc()

	p.attach(instanceID, entryID, suggestion)
	return suggestion, nil
}

// Chat answers an operator's question about an entry
func (p *Pipeline) Chat(ctx context.Context, instanceID, entryID, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	entry, recent, err := p.lookup(instanceID, entryID)
	if err != nil {
		return "", err
	}

	reply, err := p.gateway.Chat(ctx, entry, recent, question)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSuggestionUnavailable, err)
	}
	return reply, nil
}

// lookup returns the entry and the context window that ends with it
func (p *Pipeline) lookup(instanceID, entryID string) (models.LogEntry, []models.LogEntry, error) {
	logs, err := p.store.Logs(instanceID)
	if err != nil {
		return models.LogEntry{}, nil, err
	}
	for i, e := range logs {
		if e.ID != entryID {
			continue
		}
		start := i + 1 - p.opts.ContextSize
		if start < 0 {
			start = 0
		}
		return e, logs[start : i+1], nil
	}
	return models.LogEntry{}, nil, store.ErrUnknownEntry
}

func (p *Pipeline) record(instanceID string, entry models.LogEntry) {
	if p.opts.Recorder != nil {
		p.opts.Recorder.RecordLog(instanceID, entry)
	}
}
