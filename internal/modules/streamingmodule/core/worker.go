package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/onelrian/rustflix/internal/modules/streamingmodule/encoder"
	"github.com/onelrian/rustflix/internal/modules/streamingmodule/packager"
	"github.com/onelrian/rustflix/internal/types"
)

var errCancelled = errors.New("job cancelled")

// artifact is the packaging surface a worker drives while the encoder runs.
// HLS playlists and DASH manifests both satisfy it; progressive outputs use
// a no-op implementation.
type artifact interface {
	AppendSegment(duration float64) error
	Finalize() error
	Purge() error
}

// worker runs a single job to a terminal state: it supervises encoder
// attempts, translates progress into manifest segments, and applies the
// retry policy for transient encoder failures.
type worker struct {
	sched   *Scheduler
	backend encoder.Backend
	cfg     SchedulerConfig
	logger  hclog.Logger
}

func newWorker(sched *Scheduler, backend encoder.Backend, cfg SchedulerConfig, logger hclog.Logger) *worker {
	return &worker{
		sched:   sched,
		backend: backend,
		cfg:     cfg,
		logger:  logger.Named("worker"),
	}
}

func (w *worker) run(ctx context.Context, entry *jobEntry) {
	outputDir := filepath.Join(w.cfg.OutputDir, entry.job.ID)

	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		w.sched.setAttempt(entry, attempt)

		err := w.runAttempt(ctx, entry, outputDir)
		if err == nil {
			return
		}
		if errors.Is(err, errCancelled) {
			os.RemoveAll(outputDir)
			w.sched.cancelled(entry)
			return
		}
		lastErr = err

		if !isTransient(err) || attempt == w.cfg.MaxAttempts {
			break
		}

		backoff := w.cfg.RetryBackoff << (attempt - 1)
		w.logger.Warn("attempt failed, retrying",
			"job_id", entry.job.ID, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			os.RemoveAll(outputDir)
			w.sched.cancelled(entry)
			return
		case <-time.After(backoff):
		}
	}

	os.RemoveAll(outputDir)
	w.sched.fail(entry, lastErr.Error())
}

// runAttempt performs one encoder run. On success the artifact is finalized
// and the job completed; on any failure the partial output is purged so the
// next attempt starts clean.
func (w *worker) runAttempt(ctx context.Context, entry *jobEntry, outputDir string) error {
	art, err := w.newArtifact(entry, outputDir)
	if err != nil {
		return err
	}

	spec := encoder.Spec{
		InputPath:       entry.asset.Path,
		OutputDir:       outputDir,
		VideoCodec:      entry.job.Profile.VideoCodec,
		AudioCodec:      entry.job.Profile.AudioCodec,
		Container:       entry.job.Profile.Container,
		MaxBitrate:      entry.job.Profile.MaxBitrate,
		Width:           entry.job.Profile.MaxWidth,
		Height:          entry.job.Profile.MaxHeight,
		SegmentDuration: w.cfg.SegmentDuration,
		Duration:        entry.asset.Duration,
		CancelGrace:     w.cfg.CancelGrace,
	}

	handle, err := w.backend.Start(ctx, spec)
	if err != nil {
		art.Purge()
		return encoder.Classify(err.Error())
	}

	if err := w.supervise(ctx, entry, handle, art); err != nil {
		art.Purge()
		return err
	}
	return nil
}

// supervise consumes the encoder's progress stream, advancing job progress
// and appending a manifest segment at each completed segment boundary.
func (w *worker) supervise(ctx context.Context, entry *jobEntry, handle encoder.Handle, art artifact) error {
	duration := entry.asset.Duration
	segDur := w.cfg.SegmentDuration

	startup := time.NewTimer(w.cfg.StartupTimeout)
	defer startup.Stop()

	running := false
	nextBoundary := 1

	for {
		select {
		case <-ctx.Done():
			handle.Terminate(w.cfg.CancelGrace)
			drain(handle)
			return errCancelled

		case <-startup.C:
			if !running {
				handle.Terminate(w.cfg.CancelGrace)
				drain(handle)
				return encoder.Classify("encoder produced no output within startup timeout")
			}

		case pos, ok := <-handle.Progress():
			if !ok {
				if err := handle.Wait(); err != nil {
					return err
				}
				return w.finish(entry, art, duration, nextBoundary)
			}

			if !running {
				running = true
				startup.Stop()
				w.sched.markRunning(entry)
			}

			if duration > 0 {
				w.sched.setProgress(entry, pos/duration*100)
			}

			for float64(nextBoundary)*segDur <= pos {
				if err := art.AppendSegment(segDur); err != nil {
					handle.Terminate(w.cfg.CancelGrace)
					drain(handle)
					return err
				}
				nextBoundary++
			}
		}
	}
}

// finish appends the trailing partial segment, seals the manifest, and
// marks the job completed with progress pinned to 100.
func (w *worker) finish(entry *jobEntry, art artifact, duration float64, nextBoundary int) error {
	tail := duration - float64(nextBoundary-1)*w.cfg.SegmentDuration
	if tail > 1e-3 {
		if err := art.AppendSegment(tail); err != nil {
			return err
		}
	}
	if err := art.Finalize(); err != nil {
		return err
	}

	w.sched.complete(entry)
	return nil
}

func (w *worker) newArtifact(entry *jobEntry, outputDir string) (artifact, error) {
	segDur := w.cfg.SegmentDuration

	switch entry.job.Profile.Container {
	case "hls", "ts":
		playlist, err := packager.NewHLSPlaylist(outputDir, segDur, w.logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrManifestWriteFailed, err)
		}
		return playlist, nil

	case "dash":
		manifest, err := packager.NewDASHManifest(outputDir, segDur, representationsFor(entry.job.Profile), w.logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrManifestWriteFailed, err)
		}
		return manifest, nil

	default:
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrManifestWriteFailed, err)
		}
		return &flatArtifact{dir: outputDir}, nil
	}
}

func representationsFor(profile types.TranscodingProfile) []packager.RepresentationSpec {
	reps := make([]packager.RepresentationSpec, 0, 2)
	if profile.VideoCodec != "" {
		reps = append(reps, packager.RepresentationSpec{
			ID:        "video_" + profile.Name,
			Codecs:    packager.RFCCodec(profile.VideoCodec),
			Bandwidth: profile.MaxBitrate,
			Width:     profile.MaxWidth,
			Height:    profile.MaxHeight,
		})
	}
	return append(reps, packager.RepresentationSpec{
		ID:        "audio_main",
		Codecs:    "mp4a.40.2",
		Bandwidth: 128_000,
		Audio:     true,
	})
}

func isTransient(err error) bool {
	var encErr *encoder.Error
	if errors.As(err, &encErr) {
		return encErr.Transient
	}
	return false
}

// drain waits out a terminated encoder so its pipes are fully reaped.
func drain(handle encoder.Handle) {
	for range handle.Progress() {
	}
	handle.Wait()
}

// flatArtifact is the artifact for progressive outputs: a single file in
// the output directory with no manifest to maintain.
type flatArtifact struct {
	dir string
}

func (a *flatArtifact) AppendSegment(float64) error { return nil }
func (a *flatArtifact) Finalize() error             { return nil }
func (a *flatArtifact) Purge() error                { return os.RemoveAll(a.dir) }
