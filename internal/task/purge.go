package task

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// PurgeScheduler runs Manager.PurgeExpired on a cron schedule, grounded on
// HyphaGroup-oubliette/internal/schedule/cron.go's cron.v3 parser/usage.
type PurgeScheduler struct {
	cron   *cron.Cron
	mgr    *Manager
	logger *zap.Logger
}

// NewPurgeScheduler wires spec string (standard 5-field cron) to periodic
// calls of mgr.PurgeExpired. "*/1 * * * *" purges once a minute.
func NewPurgeScheduler(mgr *Manager, spec string, logger *zap.Logger) (*PurgeScheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New()
	ps := &PurgeScheduler{cron: c, mgr: mgr, logger: logger}
	if _, err := c.AddFunc(spec, ps.run); err != nil {
		return nil, err
	}
	return ps, nil
}

func (ps *PurgeScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := ps.mgr.PurgeExpired(ctx)
	if err != nil {
		ps.logger.Warn("task purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		ps.logger.Info("purged expired tasks", zap.Int("count", n))
	}
}

// Start begins the cron scheduler in its own goroutine.
func (ps *PurgeScheduler) Start() { ps.cron.Start() }

// Stop halts the scheduler, waiting for any in-flight purge to finish.
func (ps *PurgeScheduler) Stop() { <-ps.cron.Stop().Done() }
