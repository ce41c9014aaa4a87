// Package janitor runs periodic housekeeping: removing abandoned partial
// uploads.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"muttley/internal/logging"
	"muttley/internal/metrics"
)

// sweepTimeout bounds one sweep over the root.
const sweepTimeout = 10 * time.Minute

// Sweeper removes upload state older than maxAge and reports how many
// artifacts it deleted.
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// Manager schedules the sweeper on a cron expression.
type Manager struct {
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string
	maxAge   time.Duration
}

func NewManager(sweeper Sweeper, schedule string, maxAge time.Duration) *Manager {
	log := cronLogger{l: logging.L().Named("janitor").Sugar()}
	return &Manager{
		cron: cron.New(
			cron.WithLogger(log),
			cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
		),
		sweeper:  sweeper,
		schedule: schedule,
		maxAge:   maxAge,
	}
}

// Start registers the sweep job and starts the scheduler.
func (m *Manager) Start() error {
	if _, err := m.cron.AddFunc(m.schedule, m.sweep); err != nil {
		return fmt.Errorf("janitor: schedule %q: %w", m.schedule, err)
	}
	m.cron.Start()
	logging.L().Info("janitor started",
		zap.String("schedule", m.schedule),
		zap.Duration("stale_after", m.maxAge))
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish or ctx to
// expire.
func (m *Manager) Stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	logging.L().Info("janitor stopped")
}

// RunOnce performs one sweep immediately.
func (m *Manager) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := m.sweeper.Sweep(ctx, m.maxAge)
	metrics.RecordStaleRemoved(n)
	return n, err
}

func (m *Manager) sweep() {
	log := logging.L()
	n, err := m.RunOnce(context.Background())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		log.Error("stale upload sweep timed out", zap.Duration("timeout", sweepTimeout), zap.Int("removed", n))
	case err != nil:
		log.Error("stale upload sweep failed", zap.Error(err), zap.Int("removed", n))
	case n > 0:
		log.Info("stale uploads removed", zap.Int("removed", n))
	default:
		log.Debug("stale upload sweep found nothing")
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
