// Package autofix dispatches fix commands to host agents and tracks every
// dispatch as a fix record until the agent reports an outcome.
package autofix

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oicur0t/logpulse/internal/hub"
	"github.com/oicur0t/logpulse/internal/metrics"
	"github.com/oicur0t/logpulse/internal/store"
	"github.com/oicur0t/logpulse/pkg/models"
	"github.com/oicur0t/logpulse/pkg/protocol"
	"go.uber.org/zap"
)

// ErrNoCommandConfigured is returned by a manual trigger on an instance without a fix command
var ErrNoCommandConfigured = errors.New("no fix command configured")

// Recorder receives every fix record after it changes
type Recorder interface {
	RecordFix(instanceID string, rec models.FixRecord)
}

// Options tunes the orchestrator
type Options struct {
	// FixTimeout moves a sent record to timed_out when no report arrived in time.
	// Zero disables expiry.
	FixTimeout    time.Duration
	SweepInterval time.Duration
	Recorder      Recorder
}

// Orchestrator is the fix orchestrator
type Orchestrator struct {
	store  *store.Store
	hub    *hub.Registry
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// New creates an orchestrator
func New(st *store.Store, reg *hub.Registry, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Orchestrator{
		store:  st,
		hub:    reg,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// MaybeAutoFix dispatches the instance's fix command for the failing entry if
// auto-fix is enabled with a command. It returns nil when nothing was dispatched.
func (o *Orchestrator) MaybeAutoFix(instanceID, entryID string) (*models.FixRecord, error) {
	cfg, err := o.store.AutoFixConfig(instanceID)
	if err != nil {
		return nil, err
	}
	if !cfg.Armed() {
		return nil, nil
	}

	rec := o.dispatch(instanceID, cfg.Command, entryID)
	return &rec, nil
}

// ManualTrigger dispatches the instance's fix command on operator request,
// whether or not auto-fix is enabled
func (o *Orchestrator) ManualTrigger(instanceID string) (*models.FixRecord, error) {
	cfg, err := o.store.AutoFixConfig(instanceID)
	if err != nil {
		return nil, err
	}
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, ErrNoCommandConfigured
	}

	rec := o.dispatch(instanceID, command, models.TriggeredManually)
	return &rec, nil
}

// dispatch sends run_fix to the agent and records the outcome of the send.
// The record is stored before the dispatch lock is released, so a report that
// races back from the agent always finds it.
func (o *Orchestrator) dispatch(instanceID, command, triggeredBy string) models.FixRecord {
	rec := models.FixRecord{
		FixID:       o.newID(),
		TriggeredBy: triggeredBy,
		Command:     command,
		TriggeredAt: o.now(),
	}

	o.hub.Do(instanceID, func(tx *hub.Tx) {
		if tx.SendToAgent(protocol.RunFix(instanceID, rec)) {
			rec.Status = models.FixSent
		} else {
			rec.Status = models.FixAgentOffline
		}
		o.store.AppendFixRecord(instanceID, rec)
		tx.Broadcast(protocol.AutofixTriggered(instanceID, rec))
	})

	o.record(instanceID, rec)
	o.logger.Info("Fix dispatched",
		zap.String("instance_id", instanceID),
		zap.String("fix_id", rec.FixID),
		zap.String("triggered_by", triggeredBy),
		zap.String("status", string(rec.Status)))
	return rec
}

// Reconcile applies an agent's fix_result to the matching record and
// re-broadcasts the report to viewers, whether or not a record matched.
// It reports whether a record changed.
func (o *Orchestrator) Reconcile(instanceID string, msg protocol.Message) bool {
	report := msg.Report(o.now())
	next := models.FixFailed
	if report.Success {
		next = models.FixSuccess
	}

	var (
		rec     models.FixRecord
		updated bool
	)
	o.hub.Do(instanceID, func(tx *hub.Tx) {
		rec, updated = o.store.UpdateFixRecord(instanceID, report.FixID, func(r *models.FixRecord) bool {
			if !r.Status.CanTransition(next) {
				return false
			}
			finishedAt := report.FinishedAt
			r.Status = next
			r.Stdout = report.Stdout
			r.Stderr = report.Stderr
			r.FinishedAt = &finishedAt
			return true
		})

		msg.InstanceID = instanceID
		tx.Broadcast(msg)
	})

	if !updated {
		o.logger.Warn("Fix report did not match an open record",
			zap.String("instance_id", instanceID),
			zap.String("fix_id", report.FixID))
		return false
	}

	o.record(instanceID, rec)
	o.logger.Info("Fix completed",
		zap.String("instance_id", instanceID),
		zap.String("fix_id", rec.FixID),
		zap.String("status", string(rec.Status)))
	return true
}

// Started re-broadcasts an agent's fix_started report. The record stays sent.
func (o *Orchestrator) Started(instanceID string, msg protocol.Message) {
	msg.InstanceID = instanceID
	o.hub.Broadcast(instanceID, msg)
	o.logger.Debug("Fix started", zap.String("instance_id", instanceID), zap.String("fix_id", msg.FixID))
}

// Skipped marks a sent record as skipped after the agent refused to run it,
// and re-broadcasts the report. It reports whether a record changed.
func (o *Orchestrator) Skipped(instanceID string, msg protocol.Message) bool {
	var (
		rec     models.FixRecord
		updated bool
	)
	o.hub.Do(instanceID, func(tx *hub.Tx) {
		rec, updated = o.store.UpdateFixRecord(instanceID, msg.FixID, func(r *models.FixRecord) bool {
			if !r.Status.CanTransition(models.FixSkipped) {
				return false
			}
			finishedAt := o.now()
			r.Status = models.FixSkipped
			r.FinishedAt = &finishedAt
			return true
		})

		msg.InstanceID = instanceID
		tx.Broadcast(msg)
	})

	if updated {
		o.record(instanceID, rec)
		o.logger.Info("Fix skipped by agent", zap.String("instance_id", instanceID), zap.String("fix_id", rec.FixID))
	}
	return updated
}

// Configure replaces the instance's auto-fix configuration, pushes it to the
// agent and announces it to viewers
func (o *Orchestrator) Configure(instanceID string, enabled bool, command string) (models.AutoFixConfig, error) {
	cfg := models.AutoFixConfig{Enabled: enabled, Command: strings.TrimSpace(command)}

	var err error
	o.hub.Do(instanceID, func(tx *hub.Tx) {
		if err = o.store.SetAutoFixConfig(instanceID, cfg); err != nil {
			return
		}
		tx.SendToAgent(protocol.ConfigUpdate(cfg))
		tx.Broadcast(protocol.AutofixConfig(instanceID, cfg))
	})
	if err != nil {
		return models.AutoFixConfig{}, err
	}

	o.logger.Info("Auto-fix configured",
		zap.String("instance_id", instanceID),
		zap.Bool("enabled", cfg.Enabled),
		zap.String("command", cfg.Command))
	return cfg, nil
}

// Config returns the instance's auto-fix configuration
func (o *Orchestrator) Config(instanceID string) (models.AutoFixConfig, error) {
	return o.store.AutoFixConfig(instanceID)
}

// History returns the instance's fix records, most recent first
func (o *Orchestrator) History(instanceID string) ([]models.FixRecord, error) {
	fixes, err := o.store.FixHistory(instanceID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(fixes)-1; i < j; i, j = i+1, j-1 {
		fixes[i], fixes[j] = fixes[j], fixes[i]
	}
	return fixes, nil
}

// ExpireStale moves sent records older than the fix timeout to timed_out
// and tells viewers. It returns the number of records expired.
func (o *Orchestrator) ExpireStale(now time.Time) int {
	if o.opts.FixTimeout <= 0 {
		return 0
	}

	expired := 0
	for _, id := range o.store.IDs() {
		fixes, err := o.store.FixHistory(id)
		if err != nil {
			continue
		}
		for _, f := range fixes {
			if f.Status != models.FixSent || now.Sub(f.TriggeredAt) < o.opts.FixTimeout {
				continue
			}
			if o.expire(id, f.FixID) {
				expired++
			}
		}
	}
	return expired
}

func (o *Orchestrator) expire(instanceID, fixID string) bool {
	var (
		rec     models.FixRecord
		updated bool
	)
	o.hub.Do(instanceID, func(tx *hub.Tx) {
		rec, updated = o.store.UpdateFixRecord(instanceID, fixID, func(r *models.FixRecord) bool {
			if r.Status != models.FixSent {
				return false
			}
			r.Status = models.FixTimedOut
			return true
		})
		if updated {
			tx.Broadcast(protocol.FixTimedOut(instanceID, rec))
		}
	})

	if updated {
		o.record(instanceID, rec)
		o.logger.Warn("Fix timed out waiting for agent report",
			zap.String("instance_id", instanceID),
			zap.String("fix_id", fixID),
			zap.Duration("timeout", o.opts.FixTimeout))
	}
	return updated
}

// Run expires stale records every sweep interval until ctx is cancelled
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.opts.FixTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := o.ExpireStale(o.now()); n > 0 {
				o.logger.Info("Expired stale fixes", zap.Int("count", n))
			}
		}
	}
}

func (o *Orchestrator) record(instanceID string, rec models.FixRecord) {
	metrics.Fixes.WithLabelValues(string(rec.Status)).Inc()
	if o.opts.Recorder != nil {
		o.opts.Recorder.RecordFix(instanceID, rec)
	}
}
