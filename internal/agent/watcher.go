package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nxadm/tail"
	"go.uber.org/zap"
)

// Watcher tails log files and queues each new line for the hub
type Watcher struct {
	logFiles    []string
	fromStart   bool
	poll        bool
	sendTimeout time.Duration
	logger      *zap.Logger
	lines       chan<- string
}

// NewWatcher creates a new log file watcher. Lines are written to lines;
// a line that cannot be queued within five seconds is dropped.
func NewWatcher(logFiles []string, logger *zap.Logger, lines chan<- string) *Watcher {
	return &Watcher{
		logFiles:    logFiles,
		poll:        true,
		sendTimeout: 5 * time.Second,
		logger:      logger,
		lines:       lines,
	}
}

// Start tails every configured file until ctx is cancelled
func (w *Watcher) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, logFile := range w.logFiles {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if err := w.tailFile(ctx, path); err != nil && ctx.Err() == nil {
				w.logger.Error("Error tailing file", zap.String("file", path), zap.Error(err))
			}
		}(logFile)
	}

	wg.Wait()
	return nil
}

func (w *Watcher) tailFile(ctx context.Context, path string) error {
	w.logger.Info("Starting to tail file", zap.String("file", path))

	config := tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      w.poll,
		Logger:    tail.DiscardingLogger,
	}
	if !w.fromStart {
		config.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}

	t, err := tail.TailFile(path, config)
	if err != nil {
		return fmt.Errorf("failed to tail file %s: %w", path, err)
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping tail of file", zap.String("file", path))
			return ctx.Err()

		case line, ok := <-t.Lines:
			if !ok {
				w.logger.Warn("Tail channel closed", zap.String("file", path))
				return t.Err()
			}
			if line.Err != nil {
				w.logger.Error("Error reading line", zap.String("file", path), zap.Error(line.Err))
				continue
			}
			if line.Text == "" {
				continue
			}

			timer := time.NewTimer(w.sendTimeout)
			select {
			case w.lines <- line.Text:
				timer.Stop()
			case <-timer.C:
				w.logger.Warn("Line queue full, dropping line", zap.String("file", path))
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
}
