// Package core implements the streaming engine's stateful services: the
// transcoding job scheduler, its workers, the session registry, and the
// periodic cleanup loop.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/onelrian/rustflix/internal/events"
	"github.com/onelrian/rustflix/internal/modules/streamingmodule/encoder"
	"github.com/onelrian/rustflix/internal/types"
)

// History receives terminal jobs and ended sessions for persistence. May be
// satisfied by the database history store; a nil History disables recording.
type History interface {
	RecordJob(job *types.TranscodingJob)
	RecordSession(session *types.StreamingSession)
}

// SchedulerConfig sizes the worker pool and retry policy.
type SchedulerConfig struct {
	PoolSize           int
	QueueSize          int
	OutputDir          string
	SegmentDuration    float64
	MaxAttempts        int
	RetryBackoff       time.Duration
	StartupTimeout     time.Duration
	CancelGrace        time.Duration
	FallbackToSoftware bool
	HardwareSlots      int
	Retention          time.Duration
}

// jobEntry pairs a job with what its worker needs to run it.
type jobEntry struct {
	job    *types.TranscodingJob
	asset  types.MediaAssetRef
	cancel context.CancelFunc // set once a worker picks the job up
}

// Scheduler owns the job table and admits jobs into a bounded worker pool.
// Submit, Status and Cancel are safe for concurrent use and never block on
// transcoding work.
type Scheduler struct {
	logger   hclog.Logger
	cfg      SchedulerConfig
	software encoder.Backend
	hardware encoder.Backend // nil when no hardware encoder is available
	hwSlots  chan struct{}
	bus      events.EventBus
	history  History

	mu     sync.RWMutex
	jobs   map[string]*jobEntry
	active map[string]string // (asset, profile) key -> job id, non-terminal only
	queue  chan *jobEntry

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewScheduler creates a scheduler. software must be non-nil; hardware may
// be nil when the host has no acceleration.
func NewScheduler(cfg SchedulerConfig, software, hardware encoder.Backend, bus events.EventBus, history History, logger hclog.Logger) *Scheduler {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 2 * cfg.PoolSize
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.HardwareSlots < 1 {
		cfg.HardwareSlots = 1
	}

	s := &Scheduler{
		logger:   logger.Named("job-scheduler"),
		cfg:      cfg,
		software: software,
		hardware: hardware,
		bus:      bus,
		history:  history,
		jobs:     make(map[string]*jobEntry),
		active:   make(map[string]string),
		queue:    make(chan *jobEntry, cfg.QueueSize),
	}
	if hardware != nil {
		s.hwSlots = make(chan struct{}, cfg.HardwareSlots)
		for i := 0; i < cfg.HardwareSlots; i++ {
			s.hwSlots <- struct{}{}
		}
	}
	return s
}

// Start launches the worker pool.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.stop = context.WithCancel(ctx)

	for i := 0; i < s.cfg.PoolSize; i++ {
		s.wg.Add(1)
		go s.runWorker(i)
	}

	s.logger.Info("scheduler started",
		"pool_size", s.cfg.PoolSize,
		"queue_size", s.cfg.QueueSize,
		"hardware", s.hardware != nil)
}

// Stop cancels all running jobs and waits for the workers to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Submit enqueues a transcoding job for the asset and profile. It returns
// immediately: types.ErrJobAlreadyRunning when a non-terminal job holds the
// same key, types.ErrResourceExhausted when the wait queue is full.
func (s *Scheduler) Submit(asset types.MediaAssetRef, profile types.TranscodingProfile) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", types.ErrResourceExhausted
	}

	key := types.JobKey(asset.ID, profile.Name)
	if _, exists := s.active[key]; exists {
		return "", types.ErrJobAlreadyRunning
	}

	job := types.NewTranscodingJob(asset.ID, profile)
	entry := &jobEntry{job: job, asset: asset}

	select {
	case s.queue <- entry:
	default:
		return "", types.ErrResourceExhausted
	}

	s.jobs[job.ID] = entry
	s.active[key] = job.ID

	s.logger.Info("job submitted", "job_id", job.ID, "asset_id", asset.ID, "profile", profile.Name)
	return job.ID, nil
}

// Status returns a snapshot of the job, or types.ErrJobNotFound once the
// job is unknown or evicted after its retention window.
func (s *Scheduler) Status(jobID string) (types.TranscodingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return types.TranscodingJob{}, types.ErrJobNotFound
	}
	return *entry.job, nil
}

// Jobs returns snapshots of all tracked jobs.
func (s *Scheduler) Jobs() []types.TranscodingJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.TranscodingJob, 0, len(s.jobs))
	for _, entry := range s.jobs {
		out = append(out, *entry.job)
	}
	return out
}

// Cancel transitions a queued or running job to cancelled. Cancelling an
// already-terminal job is a no-op; unknown ids yield types.ErrJobNotFound.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()

	entry, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return types.ErrJobNotFound
	}
	if entry.job.Status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}

	if entry.cancel == nil {
		// Still queued: no worker owns it yet, transition directly. The
		// worker skips terminal entries when it drains the queue.
		s.transitionLocked(entry, types.StatusCancelled, "")
		s.mu.Unlock()
		return nil
	}

	cancel := entry.cancel
	s.mu.Unlock()

	// The owning worker observes the cancelled context, terminates the
	// subprocess and performs the terminal transition itself.
	cancel()
	return nil
}

// SweepTerminal evicts terminal jobs whose last update is older than the
// retention window. Returns the number of evicted jobs.
func (s *Scheduler) SweepTerminal() int {
	if s.cfg.Retention <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, entry := range s.jobs {
		if entry.job.Status.IsTerminal() && entry.job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			count++
		}
	}
	if count > 0 {
		s.logger.Info("evicted terminal jobs", "count", count)
	}
	return count
}

// HasJob reports whether the job id is still tracked. Used by cleanup to
// tell live output directories from orphans.
func (s *Scheduler) HasJob(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[jobID]
	return ok
}

// ActiveJob returns the ID of the non-terminal job for the (asset, profile)
// pair, if one exists.
func (s *Scheduler) ActiveJob(assetID, profileName string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobID, ok := s.active[types.JobKey(assetID, profileName)]
	return jobID, ok
}

// runWorker is one pool slot: it pulls queued jobs and runs them to a
// terminal state, one at a time.
func (s *Scheduler) runWorker(slot int) {
	defer s.wg.Done()
	logger := s.logger.With("slot", slot)

	for {
		select {
		case <-s.ctx.Done():
			return
		case entry := <-s.queue:
			if entry == nil {
				return
			}
			s.runJob(logger, entry)
		}
	}
}

func (s *Scheduler) runJob(logger hclog.Logger, entry *jobEntry) {
	s.mu.Lock()
	if entry.job.Status != types.StatusQueued {
		// Cancelled while waiting in the queue.
		s.mu.Unlock()
		return
	}
	jobCtx, cancel := context.WithCancel(s.ctx)
	entry.cancel = cancel
	now := time.Now()
	entry.job.Status = types.StatusStarting
	entry.job.StartedAt = &now
	entry.job.UpdatedAt = now
	s.mu.Unlock()
	defer cancel()

	backend, release := s.acquireBackend(jobCtx, entry.job.Profile)
	if backend == nil {
		// Context cancelled while waiting for a hardware slot.
		s.cancelled(entry)
		return
	}
	defer release()

	w := newWorker(s, backend, s.cfg, logger)
	w.run(jobCtx, entry)
}

// acquireBackend picks the encoder for the job. Hardware jobs take a
// hardware slot when one is free, fall back to software when permitted,
// and otherwise wait for a slot.
func (s *Scheduler) acquireBackend(ctx context.Context, profile types.TranscodingProfile) (encoder.Backend, func()) {
	if !profile.HardwareAccel || s.hardware == nil {
		return s.software, func() {}
	}

	select {
	case <-s.hwSlots:
		return s.hardware, func() { s.hwSlots <- struct{}{} }
	default:
	}

	if s.cfg.FallbackToSoftware {
		return s.software, func() {}
	}

	select {
	case <-s.hwSlots:
		return s.hardware, func() { s.hwSlots <- struct{}{} }
	case <-ctx.Done():
		return nil, nil
	}
}

// Job mutation below is reserved for the owning worker.

func (s *Scheduler) markRunning(entry *jobEntry) {
	s.mu.Lock()
	started := entry.job.Status != types.StatusRunning
	entry.job.Status = types.StatusRunning
	entry.job.UpdatedAt = time.Now()
	s.mu.Unlock()

	// Retried attempts re-enter here; subscribers get one started event
	// per job, not one per attempt.
	if started {
		s.publish(events.EventJobStarted, entry.job, nil)
	}
}

func (s *Scheduler) setAttempt(entry *jobEntry, attempt int) {
	s.mu.Lock()
	entry.job.Attempts = attempt
	entry.job.UpdatedAt = time.Now()
	s.mu.Unlock()
}

// setProgress advances the job's progress. Regressions are ignored so
// progress stays monotonically non-decreasing across retries.
func (s *Scheduler) setProgress(entry *jobEntry, progress float64) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	s.mu.Lock()
	if entry.job.Status != types.StatusRunning || progress <= entry.job.Progress {
		s.mu.Unlock()
		return
	}
	entry.job.Progress = progress
	entry.job.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.publish(events.EventJobProgress, entry.job, map[string]interface{}{"progress": progress})
}

func (s *Scheduler) complete(entry *jobEntry) {
	s.mu.Lock()
	entry.job.Progress = 100
	s.transitionLocked(entry, types.StatusCompleted, "")
	s.mu.Unlock()
}

func (s *Scheduler) fail(entry *jobEntry, reason string) {
	s.mu.Lock()
	s.transitionLocked(entry, types.StatusFailed, reason)
	s.mu.Unlock()
}

func (s *Scheduler) cancelled(entry *jobEntry) {
	s.mu.Lock()
	if entry.job.Status.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.transitionLocked(entry, types.StatusCancelled, "")
	s.mu.Unlock()
}

// transitionLocked moves a job to a terminal state, frees its dedupe key,
// and notifies observers. Callers hold s.mu.
func (s *Scheduler) transitionLocked(entry *jobEntry, status types.TranscodingStatus, reason string) {
	now := time.Now()
	entry.job.Status = status
	entry.job.Error = reason
	entry.job.UpdatedAt = now
	entry.job.CompletedAt = &now
	delete(s.active, entry.job.Key())

	job := *entry.job
	go func() {
		switch status {
		case types.StatusCompleted:
			s.publish(events.EventJobCompleted, &job, nil)
		case types.StatusFailed:
			s.publish(events.EventJobFailed, &job, map[string]interface{}{"reason": reason})
		case types.StatusCancelled:
			s.publish(events.EventJobCancelled, &job, nil)
		}
		if s.history != nil {
			s.history.RecordJob(&job)
		}
	}()

	s.logger.Info("job finished", "job_id", entry.job.ID, "status", status, "error", reason)
}

func (s *Scheduler) publish(eventType events.EventType, job *types.TranscodingJob, extra map[string]interface{}) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{
		"job_id":   job.ID,
		"asset_id": job.AssetID,
		"profile":  job.Profile.Name,
		"status":   string(job.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	s.bus.Publish(events.Event{
		Type:   eventType,
		Source: "job-scheduler",
		Data:   data,
	})
}
