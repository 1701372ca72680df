package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onelrian/rustflix/internal/events"
	"github.com/onelrian/rustflix/internal/modules/streamingmodule/encoder"
	"github.com/onelrian/rustflix/internal/types"
)

// fakeRun scripts one encoder attempt: the positions it reports, the error
// Wait returns afterwards, and whether it hangs until terminated.
type fakeRun struct {
	positions []float64
	stepDelay time.Duration
	exitErr   error
	hang      bool
}

// fakeBackend replays scripted runs, one per Start call. The last run
// repeats when more attempts happen than were scripted.
type fakeBackend struct {
	mu     sync.Mutex
	runs   []fakeRun
	starts int
	specs  []encoder.Spec
}

func (b *fakeBackend) Name() string       { return "fake" }
func (b *fakeBackend) Kind() encoder.Kind { return encoder.KindSoftware }

func (b *fakeBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

func (b *fakeBackend) lastSpec() encoder.Spec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.specs[len(b.specs)-1]
}

func (b *fakeBackend) Start(ctx context.Context, spec encoder.Spec) (encoder.Handle, error) {
	b.mu.Lock()
	idx := b.starts
	if idx >= len(b.runs) {
		idx = len(b.runs) - 1
	}
	run := b.runs[idx]
	b.starts++
	b.specs = append(b.specs, spec)
	b.mu.Unlock()

	h := &fakeHandle{
		progress: make(chan float64),
		done:     make(chan struct{}),
		kill:     make(chan struct{}),
		err:      run.exitErr,
	}

	go func() {
		defer close(h.done)
		defer close(h.progress)

		for _, pos := range run.positions {
			if run.stepDelay > 0 {
				select {
				case <-h.kill:
					h.err = encoder.Classify("terminated")
					return
				case <-time.After(run.stepDelay):
				}
			}
			select {
			case h.progress <- pos:
			case <-h.kill:
				h.err = encoder.Classify("terminated")
				return
			}
		}
		if run.hang {
			<-h.kill
			h.err = encoder.Classify("terminated")
		}
	}()

	return h, nil
}

type fakeHandle struct {
	progress chan float64
	done     chan struct{}
	kill     chan struct{}
	once     sync.Once
	err      error
}

func (h *fakeHandle) Progress() <-chan float64 { return h.progress }

func (h *fakeHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *fakeHandle) Terminate(time.Duration) error {
	h.once.Do(func() { close(h.kill) })
	return nil
}

type recordedHistory struct {
	mu       sync.Mutex
	jobs     []types.TranscodingJob
	sessions []types.StreamingSession
}

func (r *recordedHistory) RecordJob(job *types.TranscodingJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, *job)
}

func (r *recordedHistory) RecordSession(session *types.StreamingSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, *session)
}

func (r *recordedHistory) jobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func testAsset(id string, duration float64) types.MediaAssetRef {
	return types.MediaAssetRef{
		ID:        id,
		Path:      "/media/" + id + ".mkv",
		Container: "matroska",
		Duration:  duration,
		Tracks: []types.SourceTrack{
			{Type: types.TrackVideo, Codec: "h264", Width: 1920, Height: 1080, Bitrate: 8_000_000},
			{Type: types.TrackAudio, Codec: "aac", Bitrate: 192_000},
		},
	}
}

func testProfile(name string) types.TranscodingProfile {
	return types.TranscodingProfile{
		Name:       name,
		Container:  "hls",
		VideoCodec: "h264",
		AudioCodec: "aac",
		MaxBitrate: 5_000_000,
		MaxWidth:   1280,
		MaxHeight:  720,
	}
}

func newTestScheduler(t *testing.T, backend encoder.Backend, cfg SchedulerConfig) (*Scheduler, *recordedHistory) {
	t.Helper()

	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	if cfg.SegmentDuration == 0 {
		cfg.SegmentDuration = 6
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = time.Second
	}
	if cfg.CancelGrace == 0 {
		cfg.CancelGrace = 100 * time.Millisecond
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 2
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 4
	}

	history := &recordedHistory{}
	s := NewScheduler(cfg, backend, nil, nil, history, hclog.NewNullLogger())
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, history
}

func waitForStatus(t *testing.T, s *Scheduler, jobID string, want types.TranscodingStatus) types.TranscodingJob {
	t.Helper()

	var job types.TranscodingJob
	require.Eventually(t, func() bool {
		var err error
		job, err = s.Status(jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func TestSchedulerCompletesJob(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{positions: []float64{10, 30, 60, 100}},
	}}
	s, history := newTestScheduler(t, backend, SchedulerConfig{})

	jobID, err := s.Submit(testAsset("asset-1", 100), testProfile("hd"))
	require.NoError(t, err)

	job := waitForStatus(t, s, jobID, types.StatusCompleted)
	assert.Equal(t, 100.0, job.Progress)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 100*time.Millisecond, backend.lastSpec().CancelGrace)

	require.Eventually(t, func() bool { return history.jobCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestSchedulerRejectsDuplicateKey(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{positions: []float64{10}, stepDelay: 50 * time.Millisecond, hang: true},
	}}
	s, _ := newTestScheduler(t, backend, SchedulerConfig{})

	asset := testAsset("asset-1", 100)
	profile := testProfile("hd")

	first, err := s.Submit(asset, profile)
	require.NoError(t, err)

	_, err = s.Submit(asset, profile)
	assert.ErrorIs(t, err, types.ErrJobAlreadyRunning)

	// A different profile for the same asset is a different key.
	_, err = s.Submit(asset, testProfile("sd"))
	assert.NoError(t, err)

	require.NoError(t, s.Cancel(first))
	waitForStatus(t, s, first, types.StatusCancelled)

	// The key is free again once the job is terminal.
	_, err = s.Submit(asset, profile)
	assert.NoError(t, err)
}

func TestSchedulerQueueFull(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{hang: true},
	}}
	s, _ := newTestScheduler(t, backend, SchedulerConfig{PoolSize: 1, QueueSize: 1})

	// One job occupies the single worker, the next fills the queue slot.
	_, err := s.Submit(testAsset("a", 100), testProfile("hd"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return backend.startCount() == 1 },
		time.Second, 5*time.Millisecond)

	_, err = s.Submit(testAsset("b", 100), testProfile("hd"))
	require.NoError(t, err)

	_, err = s.Submit(testAsset("c", 100), testProfile("hd"))
	assert.ErrorIs(t, err, types.ErrResourceExhausted)
}

func TestSchedulerSingleWorkerRunsSerially(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{positions: []float64{50, 100}, stepDelay: 10 * time.Millisecond},
	}}
	s, _ := newTestScheduler(t, backend, SchedulerConfig{PoolSize: 1, QueueSize: 4})

	first, err := s.Submit(testAsset("a", 100), testProfile("hd"))
	require.NoError(t, err)
	second, err := s.Submit(testAsset("b", 100), testProfile("hd"))
	require.NoError(t, err)

	waitForStatus(t, s, second, types.StatusCompleted)

	// The first job must have finished before the second started.
	job, err := s.Status(first)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
}

func TestSchedulerCancelQueuedJob(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{hang: true},
	}}
	s, _ := newTestScheduler(t, backend, SchedulerConfig{PoolSize: 1, QueueSize: 2})

	_, err := s.Submit(testAsset("a", 100), testProfile("hd"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return backend.startCount() == 1 },
		time.Second, 5*time.Millisecond)

	queued, err := s.Submit(testAsset("b", 100), testProfile("hd"))
	require.NoError(t, err)

	require.NoError(t, s.Cancel(queued))

	job, err := s.Status(queued)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, job.Status)
	// A job cancelled before pickup never ran.
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 0.0, job.Progress)
}

func TestSchedulerCancelRunningJob(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{positions: []float64{10, 20}, stepDelay: 20 * time.Millisecond, hang: true},
	}}
	cfg := SchedulerConfig{}
	s, _ := newTestScheduler(t, backend, cfg)

	jobID, err := s.Submit(testAsset("a", 100), testProfile("hd"))
	require.NoError(t, err)
	waitForStatus(t, s, jobID, types.StatusRunning)

	require.NoError(t, s.Cancel(jobID))
	job := waitForStatus(t, s, jobID, types.StatusCancelled)
	assert.NotNil(t, job.CompletedAt)

	// Cancelling a terminal job is a no-op.
	assert.NoError(t, s.Cancel(jobID))
}

func TestSchedulerCancelUnknownJob(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeBackend{runs: []fakeRun{{}}}, SchedulerConfig{})
	assert.ErrorIs(t, s.Cancel("no-such-job"), types.ErrJobNotFound)
	_, err := s.Status("no-such-job")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestSchedulerRetriesTransientFailure(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{positions: []float64{10}, exitErr: encoder.Classify("connection reset while reading input")},
		{positions: []float64{10, 50, 100}},
	}}
	s, _ := newTestScheduler(t, backend, SchedulerConfig{MaxAttempts: 3})

	jobID, err := s.Submit(testAsset("a", 100), testProfile("hd"))
	require.NoError(t, err)

	job := waitForStatus(t, s, jobID, types.StatusCompleted)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 2, backend.startCount())
	assert.Equal(t, 100.0, job.Progress)
}

func TestSchedulerStartedEventOncePerJob(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{positions: []float64{10}, exitErr: encoder.Classify("connection reset while reading input")},
		{positions: []float64{10, 50, 100}},
	}}

	bus := events.NewBus(events.Config{}, hclog.NewNullLogger())
	bus.Start(context.Background())
	t.Cleanup(bus.Stop)
	sub := bus.Subscribe(events.EventJobStarted)

	s := NewScheduler(SchedulerConfig{
		OutputDir:       t.TempDir(),
		SegmentDuration: 6,
		MaxAttempts:     3,
		RetryBackoff:    time.Millisecond,
		StartupTimeout:  time.Second,
		CancelGrace:     100 * time.Millisecond,
		PoolSize:        1,
		QueueSize:       4,
	}, backend, nil, bus, nil, hclog.NewNullLogger())
	s.Start(context.Background())
	t.Cleanup(s.Stop)

	jobID, err := s.Submit(testAsset("a", 100), testProfile("hd"))
	require.NoError(t, err)

	job := waitForStatus(t, s, jobID, types.StatusCompleted)
	require.Equal(t, 2, job.Attempts)

	// The retried attempt must not re-announce the job.
	started := 0
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case <-sub.C:
			started++
		case <-deadline:
			assert.Equal(t, 1, started)
			return
		}
	}
}

func TestSchedulerExhaustsAttempts(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{positions: []float64{10}, exitErr: encoder.Classify("broken pipe")},
	}}
	s, history := newTestScheduler(t, backend, SchedulerConfig{MaxAttempts: 3})

	jobID, err := s.Submit(testAsset("a", 100), testProfile("hd"))
	require.NoError(t, err)

	job := waitForStatus(t, s, jobID, types.StatusFailed)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, 3, backend.startCount())
	assert.Contains(t, job.Error, "broken pipe")

	require.Eventually(t, func() bool { return history.jobCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestSchedulerFatalFailureDoesNotRetry(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{positions: []float64{10}, exitErr: encoder.Classify("Unknown encoder 'libx265'")},
	}}
	s, _ := newTestScheduler(t, backend, SchedulerConfig{MaxAttempts: 3})

	jobID, err := s.Submit(testAsset("a", 100), testProfile("hd"))
	require.NoError(t, err)

	job := waitForStatus(t, s, jobID, types.StatusFailed)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, backend.startCount())
	assert.Contains(t, job.Error, "Unknown encoder")
}

func TestSchedulerProgressMonotonic(t *testing.T) {
	// The encoder reports a regressed position mid-stream; job progress
	// must never move backwards.
	backend := &fakeBackend{runs: []fakeRun{
		{positions: []float64{40, 20, 60, 100}, stepDelay: 5 * time.Millisecond},
	}}
	s, _ := newTestScheduler(t, backend, SchedulerConfig{})

	jobID, err := s.Submit(testAsset("a", 100), testProfile("hd"))
	require.NoError(t, err)

	var last float64
	require.Eventually(t, func() bool {
		job, err := s.Status(jobID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, job.Progress, last)
		last = job.Progress
		return job.Status == types.StatusCompleted
	}, 5*time.Second, time.Millisecond)
}

func TestSchedulerStartupTimeout(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{hang: true},
	}}
	s, _ := newTestScheduler(t, backend, SchedulerConfig{
		StartupTimeout: 20 * time.Millisecond,
		MaxAttempts:    1,
	})

	jobID, err := s.Submit(testAsset("a", 100), testProfile("hd"))
	require.NoError(t, err)

	job := waitForStatus(t, s, jobID, types.StatusFailed)
	assert.Contains(t, job.Error, "startup timeout")
}

func TestSchedulerSweepTerminal(t *testing.T) {
	backend := &fakeBackend{runs: []fakeRun{
		{positions: []float64{100}},
	}}
	s, _ := newTestScheduler(t, backend, SchedulerConfig{Retention: 10 * time.Millisecond})

	jobID, err := s.Submit(testAsset("a", 100), testProfile("hd"))
	require.NoError(t, err)
	waitForStatus(t, s, jobID, types.StatusCompleted)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, s.SweepTerminal())

	_, err = s.Status(jobID)
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}
