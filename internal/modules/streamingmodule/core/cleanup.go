package core

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
)

// orphanAge is how long an output directory with no tracked job must sit
// before cleanup removes it.
const orphanAge = time.Hour

// HistoryPruner trims persisted job and session history.
type HistoryPruner interface {
	PruneOlderThan(age time.Duration) (int64, error)
}

// CleanupService periodically evicts expired sessions, terminal jobs past
// their retention window, orphaned output directories, and stale history
// rows.
type CleanupService struct {
	logger    hclog.Logger
	interval  time.Duration
	retention time.Duration
	outputDir string

	scheduler *Scheduler
	registry  *SessionRegistry
	pruner    HistoryPruner

	cancel context.CancelFunc
	done   chan struct{}
}

func NewCleanupService(interval, retention time.Duration, outputDir string, scheduler *Scheduler, registry *SessionRegistry, pruner HistoryPruner, logger hclog.Logger) *CleanupService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CleanupService{
		logger:    logger.Named("cleanup"),
		interval:  interval,
		retention: retention,
		outputDir: outputDir,
		scheduler: scheduler,
		registry:  registry,
		pruner:    pruner,
	}
}

func (c *CleanupService) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.runCycle()
			}
		}
	}()

	c.logger.Info("cleanup service started", "interval", c.interval, "retention", c.retention)
}

func (c *CleanupService) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.logger.Info("cleanup service stopped")
}

func (c *CleanupService) runCycle() {
	sessions := c.registry.SweepExpired()
	jobs := c.scheduler.SweepTerminal()
	orphans := c.removeOrphans()

	if c.pruner != nil {
		// Persisted history outlives the in-memory retention window for
		// auditing, but not indefinitely.
		if _, err := c.pruner.PruneOlderThan(7 * c.retention); err != nil {
			c.logger.Warn("history prune failed", "error", err)
		}
	}

	if sessions > 0 || jobs > 0 || orphans > 0 {
		c.logger.Debug("cleanup cycle", "sessions", sessions, "jobs", jobs, "orphans", orphans)
	}
}

// removeOrphans deletes output directories that no tracked job owns. Only
// directories untouched for orphanAge are removed so a directory being
// created for a just-submitted job is never swept.
func (c *CleanupService) removeOrphans() int {
	entries, err := os.ReadDir(c.outputDir)
	if err != nil {
		return 0
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() || c.scheduler.HasJob(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < orphanAge {
			continue
		}

		path := filepath.Join(c.outputDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			c.logger.Warn("failed to remove orphaned output", "path", path, "error", err)
			continue
		}
		count++
	}
	return count
}
