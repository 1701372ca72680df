package packager

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/onelrian/rustflix/internal/types"
)

// MPD is the minimal DASH manifest document.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	Xmlns                     string   `xml:"xmlns,attr"`
	Type                      string   `xml:"type,attr"`
	MinBufferTime             string   `xml:"minBufferTime,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr,omitempty"`
	Profiles                  string   `xml:"profiles,attr"`
	Periods                   []Period `xml:"Period"`
}

// Period is one content period.
type Period struct {
	ID             string          `xml:"id,attr"`
	Duration       string          `xml:"duration,attr,omitempty"`
	AdaptationSets []AdaptationSet `xml:"AdaptationSet"`
}

// AdaptationSet groups representations of one media type.
type AdaptationSet struct {
	ID              int              `xml:"id,attr"`
	ContentType     string           `xml:"contentType,attr"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate,omitempty"`
	Representations []Representation `xml:"Representation"`
}

// Representation is one quality tier within an adaptation set.
type Representation struct {
	ID        string `xml:"id,attr"`
	Bandwidth int64  `xml:"bandwidth,attr"`
	Width     int    `xml:"width,attr,omitempty"`
	Height    int    `xml:"height,attr,omitempty"`
	Codecs    string `xml:"codecs,attr"`
}

// SegmentTemplate addresses segments deterministically by index, so the
// manifest never needs rewriting as segments complete.
type SegmentTemplate struct {
	Media          string `xml:"media,attr"`
	Initialization string `xml:"initialization,attr"`
	Duration       int    `xml:"duration,attr"`
	Timescale      int    `xml:"timescale,attr"`
	StartNumber    int    `xml:"startNumber,attr"`
}

// RepresentationSpec describes a quality tier to expose in the manifest.
type RepresentationSpec struct {
	ID        string
	Bandwidth int64
	Width     int
	Height    int
	Codecs    string
	Audio     bool
}

const dashTimescale = 1000

// DASHManifest maintains the MPD for one job. The manifest is written as
// type dynamic while the owning job runs and becomes static on Finalize,
// which is the only rewrite besides creation.
type DASHManifest struct {
	mu              sync.Mutex
	dir             string
	segmentDuration float64
	representations []RepresentationSpec
	segments        int
	elapsed         float64
	finalized       bool
	logger          hclog.Logger
}

// NewDASHManifest creates a live (dynamic) manifest rooted at dir.
func NewDASHManifest(dir string, segmentDuration float64, reps []RepresentationSpec, logger hclog.Logger) (*DASHManifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrManifestWriteFailed, err)
	}
	m := &DASHManifest{
		dir:             dir,
		segmentDuration: segmentDuration,
		representations: reps,
		logger:          logger.Named("dash-packager"),
	}
	if err := m.write(); err != nil {
		return nil, err
	}
	return m, nil
}

// AppendSegment records a completed segment. Segment URIs come from the
// template, so no file rewrite happens here.
func (m *DASHManifest) AppendSegment(duration float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return fmt.Errorf("%w: manifest already finalized", types.ErrManifestWriteFailed)
	}
	m.segments++
	m.elapsed += duration
	return nil
}

// Finalize marks the manifest static and writes the Period duration.
// Idempotent.
func (m *DASHManifest) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finalized {
		return nil
	}
	m.finalized = true
	if err := m.write(); err != nil {
		m.finalized = false
		return err
	}
	m.logger.Debug("manifest finalized", "segments", m.segments)
	return nil
}

// Purge removes the manifest and all segment files.
func (m *DASHManifest) Purge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return os.RemoveAll(m.dir)
}

// SegmentCount returns the number of recorded segments.
func (m *DASHManifest) SegmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segments
}

// Finalized reports whether the manifest has been made static.
func (m *DASHManifest) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}

// Render returns the MPD document text.
func (m *DASHManifest) Render() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.render()
}

// Path returns the manifest file location.
func (m *DASHManifest) Path() string {
	return filepath.Join(m.dir, "manifest.mpd")
}

func (m *DASHManifest) render() (string, error) {
	mpdType := "dynamic"
	if m.finalized {
		mpdType = "static"
	}

	doc := MPD{
		Xmlns:         "urn:mpeg:dash:schema:mpd:2011",
		Type:          mpdType,
		MinBufferTime: fmt.Sprintf("PT%.1fS", m.segmentDuration),
		Profiles:      "urn:mpeg:dash:profile:isoff-live:2011",
		Periods: []Period{{
			ID: "0",
		}},
	}
	if m.finalized {
		doc.MediaPresentationDuration = isoDuration(m.elapsed)
		doc.Periods[0].Duration = isoDuration(m.elapsed)
	}

	video := AdaptationSet{ID: 0, ContentType: "video", SegmentTemplate: m.template()}
	audio := AdaptationSet{ID: 1, ContentType: "audio", SegmentTemplate: m.template()}
	for _, r := range m.representations {
		rep := Representation{
			ID:        r.ID,
			Bandwidth: r.Bandwidth,
			Width:     r.Width,
			Height:    r.Height,
			Codecs:    r.Codecs,
		}
		if r.Audio {
			audio.Representations = append(audio.Representations, rep)
		} else {
			video.Representations = append(video.Representations, rep)
		}
	}
	if len(video.Representations) > 0 {
		doc.Periods[0].AdaptationSets = append(doc.Periods[0].AdaptationSets, video)
	}
	if len(audio.Representations) > 0 {
		doc.Periods[0].AdaptationSets = append(doc.Periods[0].AdaptationSets, audio)
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrManifestWriteFailed, err)
	}
	return xml.Header + string(body) + "\n", nil
}

func (m *DASHManifest) template() *SegmentTemplate {
	return &SegmentTemplate{
		Media:          "seg_$RepresentationID$_$Number$.m4s",
		Initialization: "init_$RepresentationID$.m4s",
		Duration:       int(m.segmentDuration * dashTimescale),
		Timescale:      dashTimescale,
		StartNumber:    1,
	}
}

func (m *DASHManifest) write() error {
	body, err := m.render()
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.Path(), []byte(body), 0o644); err != nil {
		return fmt.Errorf("%w: %v", types.ErrManifestWriteFailed, err)
	}
	return nil
}

// isoDuration renders seconds as an ISO 8601 duration.
func isoDuration(seconds float64) string {
	return fmt.Sprintf("PT%.1fS", seconds)
}
