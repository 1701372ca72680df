// Package packager turns completed encoder output into client-consumable
// protocol artifacts: HLS playlists and DASH manifests. Manifests for a live
// job are append-only until the job completes, then finalized.
package packager

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/onelrian/rustflix/internal/types"
)

// Segment is one playlist entry.
type Segment struct {
	Index    int
	Duration float64
	URI      string
}

// HLSPlaylist maintains a media playlist for one job. While the owning job
// is non-terminal the playlist carries the live event marker; Finalize
// appends EXT-X-ENDLIST and makes it immutable.
type HLSPlaylist struct {
	mu             sync.Mutex
	dir            string
	targetDuration float64
	mediaSequence  int
	segments       []Segment
	finalized      bool
	logger         hclog.Logger
}

// NewHLSPlaylist creates an empty live playlist rooted at dir.
func NewHLSPlaylist(dir string, targetDuration float64, logger hclog.Logger) (*HLSPlaylist, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrManifestWriteFailed, err)
	}
	p := &HLSPlaylist{
		dir:            dir,
		targetDuration: targetDuration,
		logger:         logger.Named("hls-packager"),
	}
	if err := p.write(); err != nil {
		return nil, err
	}
	return p, nil
}

// AppendSegment appends the next segment and rewrites the playlist file.
// Appending to a finalized playlist is an error.
func (p *HLSPlaylist) AppendSegment(duration float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finalized {
		return fmt.Errorf("%w: playlist already finalized", types.ErrManifestWriteFailed)
	}

	idx := len(p.segments)
	p.segments = append(p.segments, Segment{
		Index:    idx,
		Duration: duration,
		URI:      fmt.Sprintf("segment_%05d.ts", idx),
	})

	if err := p.write(); err != nil {
		p.segments = p.segments[:idx]
		return err
	}
	return nil
}

// Finalize appends the end-of-stream tag, turning the playlist into an
// immutable VOD artifact. Idempotent.
func (p *HLSPlaylist) Finalize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finalized {
		return nil
	}
	p.finalized = true
	if err := p.write(); err != nil {
		p.finalized = false
		return err
	}
	p.logger.Debug("playlist finalized", "segments", len(p.segments))
	return nil
}

// Purge removes the playlist and all segment files so a failed or cancelled
// job never leaves a dangling live manifest.
func (p *HLSPlaylist) Purge() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return os.RemoveAll(p.dir)
}

// SegmentCount returns the number of appended segments.
func (p *HLSPlaylist) SegmentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.segments)
}

// Finalized reports whether the end tag has been written.
func (p *HLSPlaylist) Finalized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalized
}

// Render returns the playlist text.
func (p *HLSPlaylist) Render() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.render()
}

// Path returns the playlist file location.
func (p *HLSPlaylist) Path() string {
	return filepath.Join(p.dir, "playlist.m3u8")
}

func (p *HLSPlaylist) render() string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(p.targetDuration)))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.mediaSequence)

	for _, seg := range p.segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.URI + "\n")
	}

	if p.finalized {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

func (p *HLSPlaylist) write() error {
	if err := os.WriteFile(p.Path(), []byte(p.render()), 0o644); err != nil {
		return fmt.Errorf("%w: %v", types.ErrManifestWriteFailed, err)
	}
	return nil
}

// MasterVariant describes one entry of a master playlist.
type MasterVariant struct {
	URI        string
	Bandwidth  int64
	Width      int
	Height     int
	Codecs     string
}

// RFCCodec maps a codec family to its RFC 6381 string for manifests.
func RFCCodec(codec string) string {
	switch codec {
	case "h264", "avc":
		return "avc1.640029"
	case "hevc", "h265":
		return "hvc1.1.6.L120.90"
	case "vp9":
		return "vp09.00.41.08"
	case "av1":
		return "av01.0.08M.08"
	default:
		return codec
	}
}

// RenderMaster builds a master playlist referencing variant playlists.
func RenderMaster(variants []MasterVariant) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, v := range variants {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d", v.Bandwidth)
		if v.Width > 0 && v.Height > 0 {
			fmt.Fprintf(&b, ",RESOLUTION=%dx%d", v.Width, v.Height)
		}
		if v.Codecs != "" {
			fmt.Fprintf(&b, ",CODECS=%q", v.Codecs)
		}
		b.WriteString("\n")
		b.WriteString(v.URI + "\n")
	}

	return b.String()
}
