package encoder

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		diagnostic string
		transient  bool
	}{
		{"unsupported codec", "Unknown encoder 'libfoo'", false},
		{"corrupt input", "Invalid data found when processing input", false},
		{"missing input", "no such file or directory: /media/gone.mkv", false},
		{"oom", "Cannot allocate memory", true},
		{"generic crash", "signal: killed", true},
		{"io contention", "Resource temporarily unavailable", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.diagnostic)
			assert.Equal(t, tt.transient, err.Transient)
			assert.Contains(t, err.Error(), tt.diagnostic)
		})
	}
}

func TestKindHardware(t *testing.T) {
	assert.False(t, KindSoftware.Hardware())
	assert.True(t, KindVAAPI.Hardware())
	assert.True(t, KindNVENC.Hardware())
}

func TestTerminationGrace(t *testing.T) {
	assert.Equal(t, 2*time.Second, terminationGrace(Spec{CancelGrace: 2 * time.Second}))
	assert.Equal(t, 5*time.Second, terminationGrace(Spec{}))
}

func TestBuildArgsHLS(t *testing.T) {
	f := NewFFmpeg("ffmpeg", KindSoftware, hclog.NewNullLogger())
	args := f.buildArgs(Spec{
		InputPath:       "/media/movie.mkv",
		OutputDir:       "/tmp/out",
		VideoCodec:      "h264",
		AudioCodec:      "aac",
		Container:       "hls",
		MaxBitrate:      5_000_000,
		Width:           1280,
		Height:          720,
		SegmentDuration: 6,
	})

	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	assert.Contains(t, joined, "-c:v libx264")
	assert.Contains(t, joined, "-b:v 5000k")
	assert.Contains(t, joined, "scale=1280:720")
	assert.Contains(t, joined, "-f hls")
	assert.Contains(t, joined, "-hls_time 6")
	assert.Contains(t, joined, "-progress pipe:1")
}

func TestBuildArgsAudioOnly(t *testing.T) {
	f := NewFFmpeg("ffmpeg", KindSoftware, hclog.NewNullLogger())
	args := f.buildArgs(Spec{
		InputPath:  "/media/song.flac",
		OutputDir:  "/tmp/out",
		AudioCodec: "aac",
		Container:  "mp4",
	})

	assert.Contains(t, args, "-vn")
	assert.NotContains(t, args, "-c:v")
}

func TestVideoEncoderMapping(t *testing.T) {
	sw := NewFFmpeg("ffmpeg", KindSoftware, hclog.NewNullLogger())
	assert.Equal(t, "libx264", sw.videoEncoder("h264"))
	assert.Equal(t, "libx265", sw.videoEncoder("hevc"))

	hw := NewFFmpeg("ffmpeg", KindVAAPI, hclog.NewNullLogger())
	assert.Equal(t, "h264_vaapi", hw.videoEncoder("h264"))

	nv := NewFFmpeg("ffmpeg", KindNVENC, hclog.NewNullLogger())
	assert.Equal(t, "hevc_nvenc", nv.videoEncoder("hevc"))
}

func TestTailBufferKeepsTail(t *testing.T) {
	buf := &tailBuffer{limit: 8}
	buf.Write([]byte("0123456789abcdef"))
	assert.Equal(t, "89abcdef", buf.String())
}

func TestDetectorPoolSizeFloor(t *testing.T) {
	d := NewDetector(hclog.NewNullLogger())
	assert.GreaterOrEqual(t, d.PoolSize(), 2)
}
