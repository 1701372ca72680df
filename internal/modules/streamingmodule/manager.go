package streamingmodule

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/onelrian/rustflix/internal/config"
	"github.com/onelrian/rustflix/internal/database"
	"github.com/onelrian/rustflix/internal/events"
	"github.com/onelrian/rustflix/internal/modules/streamingmodule/core"
	"github.com/onelrian/rustflix/internal/modules/streamingmodule/encoder"
	"github.com/onelrian/rustflix/internal/modules/streamingmodule/packager"
	"github.com/onelrian/rustflix/internal/types"
)

// Manager is the streaming module's front door. It owns the quality
// catalog, the stream negotiator, the transcoding scheduler, the session
// registry and the cleanup loop, and exposes the operations the HTTP
// layer calls.
type Manager struct {
	logger hclog.Logger
	cfg    *config.Config

	catalog    *Catalog
	negotiator *Negotiator
	scheduler  *core.Scheduler
	registry   *core.SessionRegistry
	cleanup    *core.CleanupService
	detector   *encoder.Detector
	history    *database.HistoryStore

	// memoryPressure gates new job admission; swapped in tests.
	memoryPressure func() bool

	hardwareAccel bool
}

// NewManager assembles the streaming module. history may be nil to run
// without persistence.
func NewManager(cfg *config.Config, bus events.EventBus, history *database.HistoryStore, logger hclog.Logger) *Manager {
	logger = logger.Named("streaming")

	catalog := DefaultCatalog()
	if len(cfg.Qualities) > 0 {
		catalog = CatalogFromConfig(cfg.Qualities)
	}

	detector := encoder.NewDetector(logger)

	software := encoder.NewFFmpeg(cfg.Transcoding.FFmpegPath, encoder.KindSoftware, logger)
	var hardware encoder.Backend
	if cfg.Transcoding.HardwareAccel {
		if kinds := detector.HardwareKinds(); len(kinds) > 0 {
			hardware = encoder.NewFFmpeg(cfg.Transcoding.FFmpegPath, kinds[0], logger)
			logger.Info("hardware encoder enabled", "kind", kinds[0])
		} else {
			logger.Warn("hardware acceleration requested but no device found, using software")
		}
	}

	// History is optional; avoid a typed-nil interface value.
	var schedHistory core.History
	var pruner core.HistoryPruner
	if history != nil {
		schedHistory = history
		pruner = history
	}

	retention := time.Duration(cfg.Transcoding.RetentionHours) * time.Hour
	scheduler := core.NewScheduler(core.SchedulerConfig{
		PoolSize:           cfg.PoolSize(),
		QueueSize:          cfg.QueueCapacity(),
		OutputDir:          cfg.Transcoding.OutputDir,
		SegmentDuration:    cfg.Transcoding.SegmentDuration,
		MaxAttempts:        cfg.Transcoding.MaxAttempts,
		RetryBackoff:       cfg.Transcoding.RetryBackoff,
		StartupTimeout:     cfg.Transcoding.StartupTimeout,
		CancelGrace:        cfg.Transcoding.CancelGrace,
		FallbackToSoftware: cfg.Transcoding.FallbackToSoftware,
		HardwareSlots:      cfg.Transcoding.HardwareSlots,
		Retention:          retention,
	}, software, hardware, bus, schedHistory, logger)

	registry := core.NewSessionRegistry(cfg.Sessions.InactivityTimeout, bus, schedHistory, logger)

	cleanup := core.NewCleanupService(cfg.Sessions.SweepInterval, retention,
		cfg.Transcoding.OutputDir, scheduler, registry, pruner, logger)

	return &Manager{
		logger:         logger,
		cfg:            cfg,
		catalog:        catalog,
		negotiator:     NewNegotiator(catalog, logger),
		scheduler:      scheduler,
		registry:       registry,
		cleanup:        cleanup,
		detector:       detector,
		memoryPressure: detector.MemoryPressure,
		history:        history,
		hardwareAccel:  hardware != nil,
	}
}

// Start launches the worker pool and cleanup loop.
func (m *Manager) Start(ctx context.Context) error {
	m.scheduler.Start(ctx)
	m.cleanup.Start(ctx)
	m.logger.Info("streaming module started")
	return nil
}

// Stop cancels running jobs and waits for background loops to drain.
func (m *Manager) Stop() {
	m.cleanup.Stop()
	m.scheduler.Stop()
	m.logger.Info("streaming module stopped")
}

// DecidePlayback negotiates a playback method for the asset. When the
// outcome requires transcoding, a job is scheduled for the negotiated
// quality unless one already covers it; a full queue surfaces as
// types.ErrResourceExhausted and the descriptor is not returned.
func (m *Manager) DecidePlayback(asset types.MediaAssetRef, req NegotiationRequest) (*types.StreamDescriptor, error) {
	descriptor, err := m.negotiator.Negotiate(asset, req)
	if err != nil {
		return nil, err
	}

	if descriptor.TranscodeRequired {
		profile, ok := m.catalog.ProfileFor(descriptor.Quality, packagingContainer(descriptor.Protocol))
		if !ok {
			return nil, types.ErrUnsupportedFormat
		}
		profile.HardwareAccel = m.hardwareAccel

		if _, err := m.submit(asset, profile); err != nil && err != types.ErrJobAlreadyRunning {
			// An in-flight job for the same tier already serves this
			// descriptor, so only other failures abort the request.
			return nil, err
		}
	}
	return descriptor, nil
}

// SubmitJob schedules a transcoding job for an explicit quality tier.
func (m *Manager) SubmitJob(asset types.MediaAssetRef, quality types.Quality, container string) (string, error) {
	profile, ok := m.catalog.ProfileFor(quality, container)
	if !ok {
		return "", types.ErrUnsupportedFormat
	}
	profile.HardwareAccel = m.hardwareAccel
	return m.submit(asset, profile)
}

func (m *Manager) submit(asset types.MediaAssetRef, profile types.TranscodingProfile) (string, error) {
	// Dedupe outranks the admission gate: a request riding an in-flight
	// job consumes no new resources, so pressure must not reject it.
	if _, running := m.scheduler.ActiveJob(asset.ID, profile.Name); running {
		return "", types.ErrJobAlreadyRunning
	}
	if m.memoryPressure() {
		m.logger.Warn("rejecting job under memory pressure", "asset_id", asset.ID)
		return "", types.ErrResourceExhausted
	}

	return m.scheduler.Submit(asset, profile)
}

// JobStatus returns a snapshot of the job.
func (m *Manager) JobStatus(jobID string) (types.TranscodingJob, error) {
	return m.scheduler.Status(jobID)
}

// Jobs returns all tracked jobs.
func (m *Manager) Jobs() []types.TranscodingJob {
	return m.scheduler.Jobs()
}

// CancelJob cancels a queued or running job.
func (m *Manager) CancelJob(jobID string) error {
	return m.scheduler.Cancel(jobID)
}

// JobHistory returns recently persisted terminal jobs.
func (m *Manager) JobHistory(limit int) ([]database.TranscodeJobRecord, error) {
	if m.history == nil {
		return nil, nil
	}
	return m.history.RecentJobs(limit)
}

// CreateSession registers a playback session.
func (m *Manager) CreateSession(userID, assetID string, protocol types.StreamingProtocol, quality types.Quality) types.StreamingSession {
	return m.registry.Create(userID, assetID, protocol, quality)
}

// UpdatePosition applies a playback heartbeat.
func (m *Manager) UpdatePosition(sessionID string, update core.PositionUpdate) error {
	return m.registry.UpdatePosition(sessionID, update)
}

// Session returns a snapshot of the session.
func (m *Manager) Session(sessionID string) (types.StreamingSession, error) {
	return m.registry.Get(sessionID)
}

// Sessions returns all live sessions.
func (m *Manager) Sessions() []types.StreamingSession {
	return m.registry.List()
}

// EndSession closes a session.
func (m *Manager) EndSession(sessionID string) error {
	return m.registry.End(sessionID)
}

// MasterPlaylist renders an HLS master playlist referencing every live or
// finished HLS variant of the asset, best quality first. The boolean is
// false when the asset has no HLS variants yet.
func (m *Manager) MasterPlaylist(assetID string) (string, bool) {
	byName := make(map[string]types.TranscodingJob)
	for _, job := range m.scheduler.Jobs() {
		if job.AssetID != assetID || job.Profile.Container != "hls" {
			continue
		}
		if job.Status != types.StatusRunning && job.Status != types.StatusCompleted {
			continue
		}
		byName[job.Profile.Name] = job
	}
	if len(byName) == 0 {
		return "", false
	}

	var variants []packager.MasterVariant
	for _, tier := range m.catalog.Tiers() {
		job, ok := byName[string(tier.Quality)]
		if !ok {
			continue
		}
		variants = append(variants, packager.MasterVariant{
			URI:       job.ID + "/playlist.m3u8",
			Bandwidth: job.Profile.MaxBitrate,
			Width:     job.Profile.MaxWidth,
			Height:    job.Profile.MaxHeight,
			Codecs:    variantCodecs(job.Profile),
		})
	}
	return packager.RenderMaster(variants), true
}

// Qualities returns the configured quality ladder.
func (m *Manager) Qualities() []Tier {
	return m.catalog.Tiers()
}

// variantCodecs builds the RFC 6381 CODECS attribute for a variant. Every
// variant carries AAC audio; audio-only tiers omit the video entry.
func variantCodecs(profile types.TranscodingProfile) string {
	if profile.VideoCodec == "" {
		return "mp4a.40.2"
	}
	return packager.RFCCodec(profile.VideoCodec) + ",mp4a.40.2"
}

// packagingContainer maps a streaming protocol to the job output format
// the packager understands.
func packagingContainer(p types.StreamingProtocol) string {
	switch p {
	case types.ProtocolHLS:
		return "hls"
	case types.ProtocolDASH:
		return "dash"
	default:
		return "mp4"
	}
}
