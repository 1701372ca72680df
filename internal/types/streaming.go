// Package types holds the shared streaming domain types used across modules.
package types

import (
	"time"

	"github.com/google/uuid"
)

// StreamingProtocol identifies how content is delivered to a client.
type StreamingProtocol string

const (
	ProtocolDirectPlay  StreamingProtocol = "direct_play"
	ProtocolHLS         StreamingProtocol = "hls"
	ProtocolDASH        StreamingProtocol = "dash"
	ProtocolProgressive StreamingProtocol = "progressive"
)

// SupportsAdaptiveBitrate reports whether the protocol can switch quality
// tiers mid-stream.
func (p StreamingProtocol) SupportsAdaptiveBitrate() bool {
	return p == ProtocolHLS || p == ProtocolDASH
}

// SupportsSeeking reports whether clients can seek within the stream.
func (p StreamingProtocol) SupportsSeeking() bool {
	switch p {
	case ProtocolDirectPlay, ProtocolProgressive, ProtocolHLS, ProtocolDASH:
		return true
	}
	return false
}

// FileExtension returns the manifest extension for the protocol. Direct play
// keeps the source file's own extension.
func (p StreamingProtocol) FileExtension() string {
	switch p {
	case ProtocolHLS:
		return "m3u8"
	case ProtocolDASH:
		return "mpd"
	case ProtocolProgressive:
		return "mp4"
	}
	return ""
}

// Quality is a named quality tier.
type Quality string

const (
	QualityUltraHD   Quality = "ultra_hd"
	QualityFullHD    Quality = "full_hd"
	QualityHD        Quality = "hd"
	QualitySD        Quality = "sd"
	QualityLow       Quality = "low"
	QualityAudioOnly Quality = "audio_only"
)

// TypicalBitrate returns the nominal bitrate for the tier in bits per second.
func (q Quality) TypicalBitrate() int64 {
	switch q {
	case QualityUltraHD:
		return 25_000_000
	case QualityFullHD:
		return 8_000_000
	case QualityHD:
		return 5_000_000
	case QualitySD:
		return 2_500_000
	case QualityLow:
		return 1_000_000
	case QualityAudioOnly:
		return 128_000
	}
	return 0
}

// Resolution returns the tier's frame size. Audio-only tiers have none.
func (q Quality) Resolution() (width, height int, ok bool) {
	switch q {
	case QualityUltraHD:
		return 3840, 2160, true
	case QualityFullHD:
		return 1920, 1080, true
	case QualityHD:
		return 1280, 720, true
	case QualitySD:
		return 854, 480, true
	case QualityLow:
		return 640, 360, true
	}
	return 0, 0, false
}

// DisplayName returns a human readable label for the tier.
func (q Quality) DisplayName() string {
	switch q {
	case QualityUltraHD:
		return "4K Ultra HD"
	case QualityFullHD:
		return "1080p Full HD"
	case QualityHD:
		return "720p HD"
	case QualitySD:
		return "480p SD"
	case QualityLow:
		return "360p"
	case QualityAudioOnly:
		return "Audio Only"
	}
	return string(q)
}

// TrackType identifies the kind of a source track.
type TrackType string

const (
	TrackVideo    TrackType = "video"
	TrackAudio    TrackType = "audio"
	TrackSubtitle TrackType = "subtitle"
)

// SourceTrack describes one track of a stored media asset.
type SourceTrack struct {
	Type     TrackType `json:"type"`
	Codec    string    `json:"codec"`
	Width    int       `json:"width,omitempty"`
	Height   int       `json:"height,omitempty"`
	Bitrate  int64     `json:"bitrate,omitempty"`
	Language string    `json:"language,omitempty"`
}

// MediaAssetRef is a read-only reference to a stored media asset. The media
// library owns the asset; the streaming engine only reads it.
type MediaAssetRef struct {
	ID        string        `json:"id"`
	Path      string        `json:"path"`
	Container string        `json:"container"`
	Duration  float64       `json:"duration"` // seconds
	Tracks    []SourceTrack `json:"tracks"`
}

// VideoCodec returns the codec of the first video track, or "".
func (a MediaAssetRef) VideoCodec() string {
	for _, t := range a.Tracks {
		if t.Type == TrackVideo {
			return t.Codec
		}
	}
	return ""
}

// AudioCodec returns the codec of the first audio track, or "".
func (a MediaAssetRef) AudioCodec() string {
	for _, t := range a.Tracks {
		if t.Type == TrackAudio {
			return t.Codec
		}
	}
	return ""
}

// DeviceProfile captures client playback capabilities, declared by the
// requesting client or derived from its user agent.
type DeviceProfile struct {
	UserAgent           string   `json:"user_agent"`
	SupportedCodecs     []string `json:"supported_codecs"`
	SupportedContainers []string `json:"supported_containers"`
	MaxBandwidth        int64    `json:"max_bandwidth"` // bits per second, 0 = unspecified
	MaxHeight           int      `json:"max_height"`    // 0 = unspecified
}

// StreamDescriptor is the negotiated outcome of a playback request.
// Immutable after creation except ExpiresAt.
type StreamDescriptor struct {
	ID                string            `json:"id"`
	AssetID           string            `json:"asset_id"`
	Protocol          StreamingProtocol `json:"protocol"`
	Quality           Quality           `json:"quality"`
	VideoCodec        string            `json:"video_codec,omitempty"`
	AudioCodec        string            `json:"audio_codec"`
	Container         string            `json:"container"`
	Bitrate           int64             `json:"bitrate"`
	Width             int               `json:"width,omitempty"`
	Height            int               `json:"height,omitempty"`
	SupportsSeeking   bool              `json:"supports_seeking"`
	TranscodeRequired bool              `json:"transcode_required"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
}

// TranscodingProfile parameterizes a transcoding job.
type TranscodingProfile struct {
	Name          string `json:"name"`
	Container     string `json:"container"`
	VideoCodec    string `json:"video_codec,omitempty"`
	AudioCodec    string `json:"audio_codec"`
	MaxBitrate    int64  `json:"max_bitrate"`
	MaxWidth      int    `json:"max_width,omitempty"`
	MaxHeight     int    `json:"max_height,omitempty"`
	HardwareAccel bool   `json:"hardware_accel,omitempty"`
}

// TranscodingStatus is the lifecycle state of a transcoding job.
type TranscodingStatus string

const (
	StatusQueued    TranscodingStatus = "queued"
	StatusStarting  TranscodingStatus = "starting"
	StatusRunning   TranscodingStatus = "running"
	StatusCompleted TranscodingStatus = "completed"
	StatusFailed    TranscodingStatus = "failed"
	StatusCancelled TranscodingStatus = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal jobs are immutable.
func (s TranscodingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TranscodingJob tracks one transcoding run. Progress is monotonically
// non-decreasing while the job is running and exactly 100 once completed.
type TranscodingJob struct {
	ID          string             `json:"id"`
	AssetID     string             `json:"asset_id"`
	Profile     TranscodingProfile `json:"profile"`
	Status      TranscodingStatus  `json:"status"`
	Progress    float64            `json:"progress"` // 0.0 - 100.0
	Error       string             `json:"error,omitempty"`
	Attempts    int                `json:"attempts"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// Key returns the deduplication key enforcing at most one non-terminal job
// per (asset, profile) pair.
func (j *TranscodingJob) Key() string {
	return JobKey(j.AssetID, j.Profile.Name)
}

// JobKey builds the (asset, profile) deduplication key.
func JobKey(assetID, profileName string) string {
	return assetID + "|" + profileName
}

// NewTranscodingJob creates a queued job for the given asset and profile.
func NewTranscodingJob(assetID string, profile TranscodingProfile) *TranscodingJob {
	now := time.Now()
	return &TranscodingJob{
		ID:        uuid.New().String(),
		AssetID:   assetID,
		Profile:   profile,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// StreamingSession is live playback state for one client, independent of
// whether a transcoding job is running for the underlying asset.
type StreamingSession struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	AssetID      string            `json:"asset_id"`
	Protocol     StreamingProtocol `json:"protocol"`
	Quality      Quality           `json:"quality"`
	Position     float64           `json:"position"` // seconds
	PlaybackRate float64           `json:"playback_rate"`
	Paused       bool              `json:"paused"`
	Bandwidth    int64             `json:"bandwidth,omitempty"`     // bits per second
	BufferHealth float64           `json:"buffer_health,omitempty"` // seconds buffered
	StartedAt    time.Time         `json:"started_at"`
	LastActivity time.Time         `json:"last_activity"`
}
