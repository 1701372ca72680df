package packager

import (
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManifest(t *testing.T) *DASHManifest {
	t.Helper()
	m, err := NewDASHManifest(t.TempDir()+"/job", 6, []RepresentationSpec{
		{ID: "video_hd", Bandwidth: 5_000_000, Width: 1280, Height: 720, Codecs: "avc1.640029"},
		{ID: "audio_main", Bandwidth: 128_000, Codecs: "mp4a.40.2", Audio: true},
	}, hclog.NewNullLogger())
	require.NoError(t, err)
	return m
}

func TestLiveManifestIsDynamic(t *testing.T) {
	m := newTestManifest(t)

	body, err := m.Render()
	require.NoError(t, err)
	assert.Contains(t, body, `type="dynamic"`)
	assert.NotContains(t, body, "mediaPresentationDuration")

	// The dynamic manifest was written at creation.
	data, err := os.ReadFile(m.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `type="dynamic"`)
}

func TestFinalizeMakesManifestStatic(t *testing.T) {
	m := newTestManifest(t)
	require.NoError(t, m.AppendSegment(6.0))
	require.NoError(t, m.AppendSegment(4.0))
	require.NoError(t, m.Finalize())

	body, err := m.Render()
	require.NoError(t, err)
	assert.Contains(t, body, `type="static"`)
	assert.Contains(t, body, `mediaPresentationDuration="PT10.0S"`)
	assert.Equal(t, 2, m.SegmentCount())

	assert.Error(t, m.AppendSegment(6.0))
}

func TestManifestStructure(t *testing.T) {
	m := newTestManifest(t)
	body, err := m.Render()
	require.NoError(t, err)

	assert.Contains(t, body, `xmlns="urn:mpeg:dash:schema:mpd:2011"`)
	assert.Contains(t, body, `contentType="video"`)
	assert.Contains(t, body, `contentType="audio"`)
	assert.Contains(t, body, `bandwidth="5000000"`)
	assert.Contains(t, body, `width="1280"`)
	assert.Contains(t, body, `height="720"`)
	assert.Contains(t, body, `codecs="avc1.640029"`)
	assert.Contains(t, body, `media="seg_$RepresentationID$_$Number$.m4s"`)
	assert.Contains(t, body, `initialization="init_$RepresentationID$.m4s"`)
	assert.Contains(t, body, `timescale="1000"`)
	assert.Contains(t, body, `duration="6000"`)
}

func TestAppendDoesNotRewriteFile(t *testing.T) {
	m := newTestManifest(t)
	before, err := os.Stat(m.Path())
	require.NoError(t, err)

	require.NoError(t, m.AppendSegment(6.0))

	after, err := os.Stat(m.Path())
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size())
	assert.Equal(t, before.ModTime(), after.ModTime())
}
