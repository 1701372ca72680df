// Package encoder abstracts the external encoding process behind a backend
// capability interface so the worker pool can schedule software and
// hardware-accelerated encoders uniformly.
package encoder

import (
	"context"
	"strings"
	"time"
)

// Kind identifies an encoder capability variant.
type Kind string

const (
	KindSoftware     Kind = "software"
	KindVAAPI        Kind = "vaapi"
	KindNVENC        Kind = "nvenc"
	KindVideoToolbox Kind = "videotoolbox"
)

// Hardware reports whether the kind uses a hardware slot.
func (k Kind) Hardware() bool {
	return k != KindSoftware
}

// Spec parameterizes one encoding run.
type Spec struct {
	InputPath       string
	OutputDir       string
	VideoCodec      string
	AudioCodec      string
	Container       string // "hls", "dash" or "mp4"
	MaxBitrate      int64  // bits per second
	Width           int
	Height          int
	SegmentDuration float64
	Duration        float64       // source duration in seconds
	CancelGrace     time.Duration // SIGTERM-to-SIGKILL window on ctx cancellation
}

// Backend launches encoder processes of one capability variant.
type Backend interface {
	Name() string
	Kind() Kind

	// Start spawns the encoder. The returned handle reports progress and
	// exit; cancelling ctx aborts the process.
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// Handle is one live encoder process.
type Handle interface {
	// Progress emits the encoded media position in seconds. The channel is
	// closed when the process exits.
	Progress() <-chan float64

	// Wait blocks until the process exits. A non-nil error is an *Error
	// carrying the captured diagnostic.
	Wait() error

	// Terminate asks the process to stop, force-killing after the grace
	// period.
	Terminate(grace time.Duration) error
}

// Error is an encoder subprocess failure.
type Error struct {
	Diagnostic string
	Transient  bool
}

func (e *Error) Error() string {
	return "encoder failure: " + e.Diagnostic
}

// fatalMarkers are diagnostics that will not succeed on retry.
var fatalMarkers = []string{
	"unknown encoder",
	"unsupported codec",
	"invalid data found",
	"invalid argument",
	"no such file",
	"permission denied",
	"decoder not found",
}

// Classify wraps a subprocess failure, marking it transient unless the
// diagnostic names a permanent condition such as an unsupported codec.
func Classify(diagnostic string) *Error {
	lower := strings.ToLower(diagnostic)
	for _, marker := range fatalMarkers {
		if strings.Contains(lower, marker) {
			return &Error{Diagnostic: diagnostic, Transient: false}
		}
	}
	return &Error{Diagnostic: diagnostic, Transient: true}
}
