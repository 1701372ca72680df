package packager

import (
	"os"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlaylist(t *testing.T, targetDuration float64) *HLSPlaylist {
	t.Helper()
	p, err := NewHLSPlaylist(t.TempDir()+"/job", targetDuration, hclog.NewNullLogger())
	require.NoError(t, err)
	return p
}

func TestLivePlaylistHasNoEndTag(t *testing.T) {
	p := newTestPlaylist(t, 6)
	require.NoError(t, p.AppendSegment(6.0))
	require.NoError(t, p.AppendSegment(6.0))

	body := p.Render()
	assert.True(t, strings.HasPrefix(body, "#EXTM3U\n"))
	assert.Contains(t, body, "#EXT-X-VERSION:3")
	assert.Contains(t, body, "#EXT-X-TARGETDURATION:6")
	assert.Contains(t, body, "#EXT-X-MEDIA-SEQUENCE:0")
	assert.Contains(t, body, "#EXTINF:6.000,\nsegment_00000.ts")
	assert.Contains(t, body, "segment_00001.ts")
	assert.NotContains(t, body, "#EXT-X-ENDLIST")
}

func TestFinalizeAppendsEndTag(t *testing.T) {
	p := newTestPlaylist(t, 6)
	require.NoError(t, p.AppendSegment(6.0))
	require.NoError(t, p.Finalize())

	assert.True(t, p.Finalized())
	assert.True(t, strings.HasSuffix(p.Render(), "#EXT-X-ENDLIST\n"))

	// On disk too.
	data, err := os.ReadFile(p.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "#EXT-X-ENDLIST")

	// Finalized playlists are immutable.
	assert.Error(t, p.AppendSegment(6.0))
	assert.Equal(t, 1, p.SegmentCount())

	// Finalize is idempotent.
	require.NoError(t, p.Finalize())
}

func TestTargetDurationIsCeiled(t *testing.T) {
	p := newTestPlaylist(t, 4.5)
	assert.Contains(t, p.Render(), "#EXT-X-TARGETDURATION:5")
}

func TestExpectedSegmentCountForAsset(t *testing.T) {
	// 100s asset at 6s segments: 16 full segments plus a 4s remainder.
	p := newTestPlaylist(t, 6)
	duration := 100.0
	segDur := 6.0

	remaining := duration
	for remaining > 0 {
		d := segDur
		if remaining < segDur {
			d = remaining
		}
		require.NoError(t, p.AppendSegment(d))
		remaining -= d
	}
	require.NoError(t, p.Finalize())

	assert.Equal(t, 17, p.SegmentCount()) // ceil(100 / 6)
	assert.Contains(t, p.Render(), "#EXTINF:4.000,")
}

func TestPurgeRemovesArtifacts(t *testing.T) {
	p := newTestPlaylist(t, 6)
	require.NoError(t, p.AppendSegment(6.0))
	require.NoError(t, p.Purge())

	_, err := os.Stat(p.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestRenderMaster(t *testing.T) {
	body := RenderMaster([]MasterVariant{
		{URI: "hd/playlist.m3u8", Bandwidth: 5_000_000, Width: 1280, Height: 720, Codecs: "avc1.640029,mp4a.40.2"},
		{URI: "audio/playlist.m3u8", Bandwidth: 128_000, Codecs: "mp4a.40.2"},
	})

	assert.Contains(t, body, "#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1280x720")
	assert.Contains(t, body, "hd/playlist.m3u8")
	assert.Contains(t, body, "#EXT-X-STREAM-INF:BANDWIDTH=128000,CODECS=\"mp4a.40.2\"")
}
