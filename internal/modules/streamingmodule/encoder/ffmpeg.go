package encoder

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
)

// FFmpeg is an encoder backend driving an external ffmpeg process.
type FFmpeg struct {
	path   string
	kind   Kind
	logger hclog.Logger
}

// NewFFmpeg creates an ffmpeg backend of the given capability kind.
func NewFFmpeg(path string, kind Kind, logger hclog.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{
		path:   path,
		kind:   kind,
		logger: logger.Named("ffmpeg-" + string(kind)),
	}
}

func (f *FFmpeg) Name() string { return "ffmpeg-" + string(f.kind) }
func (f *FFmpeg) Kind() Kind   { return f.kind }

// Start spawns ffmpeg with machine-readable progress on stdout. The process
// outlives ctx only for the termination grace period.
func (f *FFmpeg) Start(ctx context.Context, spec Spec) (Handle, error) {
	args := f.buildArgs(spec)

	cmd := exec.Command(f.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn ffmpeg: %w", err)
	}

	f.logger.Debug("ffmpeg started", "pid", cmd.Process.Pid, "input", spec.InputPath)

	h := &ffmpegHandle{
		cmd:      cmd,
		stderr:   stderr,
		progress: make(chan float64, 16),
		done:     make(chan struct{}),
	}

	grace := terminationGrace(spec)

	go h.readProgress(stdout)
	go func() {
		select {
		case <-ctx.Done():
			h.Terminate(grace)
		case <-h.done:
		}
	}()

	return h, nil
}

// terminationGrace bounds the SIGTERM-to-SIGKILL window used when the run's
// context is cancelled.
func terminationGrace(spec Spec) time.Duration {
	if spec.CancelGrace > 0 {
		return spec.CancelGrace
	}
	return 5 * time.Second
}

// buildArgs translates a Spec into an ffmpeg invocation. Progress key/value
// pairs go to stdout; diagnostics stay on stderr.
func (f *FFmpeg) buildArgs(spec Spec) []string {
	args := []string{
		"-hide_banner", "-nostats", "-loglevel", "error",
		"-progress", "pipe:1",
		"-y",
		"-i", spec.InputPath,
	}

	if spec.VideoCodec != "" {
		args = append(args, "-c:v", f.videoEncoder(spec.VideoCodec))
		if spec.MaxBitrate > 0 {
			bitrate := strconv.FormatInt(spec.MaxBitrate/1000, 10) + "k"
			args = append(args, "-b:v", bitrate, "-maxrate", bitrate)
		}
		if spec.Width > 0 && spec.Height > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", spec.Width, spec.Height))
		}
	} else {
		args = append(args, "-vn")
	}
	args = append(args, "-c:a", spec.AudioCodec)

	segDur := strconv.FormatFloat(spec.SegmentDuration, 'f', -1, 64)
	switch spec.Container {
	case "hls":
		args = append(args,
			"-f", "hls",
			"-hls_time", segDur,
			"-hls_list_size", "0",
			"-hls_segment_filename", filepath.Join(spec.OutputDir, "segment_%05d.ts"),
			filepath.Join(spec.OutputDir, "media.m3u8"),
		)
	case "dash":
		args = append(args,
			"-f", "dash",
			"-seg_duration", segDur,
			"-init_seg_name", "init_$RepresentationID$.m4s",
			"-media_seg_name", "seg_$RepresentationID$_$Number$.m4s",
			filepath.Join(spec.OutputDir, "media.mpd"),
		)
	default:
		args = append(args, "-movflags", "+faststart", filepath.Join(spec.OutputDir, "output.mp4"))
	}

	return args
}

// videoEncoder maps a codec name to the encoder for this backend's kind.
func (f *FFmpeg) videoEncoder(codec string) string {
	switch f.kind {
	case KindVAAPI:
		return codec + "_vaapi"
	case KindNVENC:
		return codec + "_nvenc"
	case KindVideoToolbox:
		return codec + "_videotoolbox"
	}
	switch strings.ToLower(codec) {
	case "h264":
		return "libx264"
	case "hevc", "h265":
		return "libx265"
	case "vp9":
		return "libvpx-vp9"
	case "av1":
		return "libaom-av1"
	}
	return codec
}

type ffmpegHandle struct {
	cmd      *exec.Cmd
	stderr   *tailBuffer
	progress chan float64

	waitOnce sync.Once
	waitErr  error
	exited   atomic.Bool
	done     chan struct{}
}

func (h *ffmpegHandle) Progress() <-chan float64 {
	return h.progress
}

// readProgress parses `-progress pipe:1` key/value output, emitting the
// encoded position in seconds.
func (h *ffmpegHandle) readProgress(r interface{ Read([]byte) (int, error) }) {
	defer close(h.progress)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		value, ok := strings.CutPrefix(line, "out_time_us=")
		if !ok {
			continue
		}
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			continue
		}
		select {
		case h.progress <- float64(us) / 1e6:
		case <-h.done:
			return
		}
	}
}

func (h *ffmpegHandle) Wait() error {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()
		h.exited.Store(true)
		close(h.done)
		if err != nil {
			diagnostic := h.stderr.String()
			if diagnostic == "" {
				diagnostic = err.Error()
			}
			h.waitErr = Classify(diagnostic)
		}
	})
	return h.waitErr
}

// Terminate sends SIGTERM, escalating to SIGKILL once the grace period
// passes without the process exiting. It does not wait for the exit; callers
// observe that through Wait.
func (h *ffmpegHandle) Terminate(grace time.Duration) error {
	if h.exited.Load() || h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	go func() {
		select {
		case <-h.done:
		case <-time.After(grace):
			if !h.exited.Load() {
				h.cmd.Process.Kill()
			}
		}
	}()
	return nil
}

// tailBuffer keeps the last limit bytes written, enough diagnostic text to
// attach to a failed job without holding the full encoder log.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
