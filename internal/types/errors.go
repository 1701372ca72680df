package types

import "errors"

// Streaming engine error taxonomy. Callers match with errors.Is; the HTTP
// layer maps these to status codes.
var (
	// ErrUnsupportedFormat means no quality tier produces a codec
	// combination the client accepts. Not retryable.
	ErrUnsupportedFormat = errors.New("no supported format for client capabilities")

	// ErrJobAlreadyRunning means a non-terminal job already exists for the
	// (asset, profile) key. Callers should poll the existing job.
	ErrJobAlreadyRunning = errors.New("transcoding job already running for asset and profile")

	// ErrResourceExhausted means the worker pool is saturated and the wait
	// queue is full. Retryable after backoff.
	ErrResourceExhausted = errors.New("transcoding capacity exhausted")

	// ErrJobNotFound means the job id is unknown or was garbage collected
	// after its retention window.
	ErrJobNotFound = errors.New("transcoding job not found")

	// ErrManifestWriteFailed means packaging output could not be written.
	// The owning job is marked failed and partial manifests are purged.
	ErrManifestWriteFailed = errors.New("manifest write failed")

	// ErrSessionExpired means the session id is unknown or was swept after
	// the inactivity timeout.
	ErrSessionExpired = errors.New("streaming session expired")
)
