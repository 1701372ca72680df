package streamingmodule

import (
	"github.com/onelrian/rustflix/internal/config"
	"github.com/onelrian/rustflix/internal/types"
)

// Tier is one resolved entry of the quality catalog.
type Tier struct {
	Quality    types.Quality
	VideoCodec string
	AudioCodec string
	Container  string
	MaxBitrate int64
	Width      int
	Height     int
}

// Catalog is the static table of quality tiers, ordered highest first.
// Loaded once at startup; read-only afterwards.
type Catalog struct {
	tiers []Tier
}

var qualityOrder = []types.Quality{
	types.QualityUltraHD,
	types.QualityFullHD,
	types.QualityHD,
	types.QualitySD,
	types.QualityLow,
	types.QualityAudioOnly,
}

// DefaultCatalog builds the catalog from the built-in tier constants.
func DefaultCatalog() *Catalog {
	tiers := make([]Tier, 0, len(qualityOrder))
	for _, q := range qualityOrder {
		w, h, _ := q.Resolution()
		videoCodec := "h264"
		if q == types.QualityAudioOnly {
			videoCodec = ""
		}
		tiers = append(tiers, Tier{
			Quality:    q,
			VideoCodec: videoCodec,
			AudioCodec: "aac",
			Container:  "mp4",
			MaxBitrate: q.TypicalBitrate(),
			Width:      w,
			Height:     h,
		})
	}
	return &Catalog{tiers: tiers}
}

// CatalogFromConfig builds the catalog from configured tiers, falling back
// to the defaults when none are configured. Unknown tier names are skipped.
func CatalogFromConfig(tiers []config.QualityTier) *Catalog {
	if len(tiers) == 0 {
		return DefaultCatalog()
	}

	byName := make(map[types.Quality]config.QualityTier, len(tiers))
	for _, t := range tiers {
		byName[types.Quality(t.Name)] = t
	}

	catalog := &Catalog{}
	for _, q := range qualityOrder {
		t, ok := byName[q]
		if !ok {
			continue
		}
		catalog.tiers = append(catalog.tiers, Tier{
			Quality:    q,
			VideoCodec: t.VideoCodec,
			AudioCodec: t.AudioCodec,
			Container:  t.Container,
			MaxBitrate: t.MaxBitrate,
			Width:      t.MaxWidth,
			Height:     t.MaxHeight,
		})
	}
	if len(catalog.tiers) == 0 {
		return DefaultCatalog()
	}
	return catalog
}

// Tiers returns all tiers, highest quality first.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// Tier looks up a tier by quality.
func (c *Catalog) Tier(q types.Quality) (Tier, bool) {
	for _, t := range c.tiers {
		if t.Quality == q {
			return t, true
		}
	}
	return Tier{}, false
}

// ProfileFor derives the transcoding profile for a tier and target
// container. An empty container keeps the tier's own.
func (c *Catalog) ProfileFor(q types.Quality, container string) (types.TranscodingProfile, bool) {
	t, ok := c.Tier(q)
	if !ok {
		return types.TranscodingProfile{}, false
	}
	if container == "" {
		container = t.Container
	}
	return types.TranscodingProfile{
		Name:       string(t.Quality),
		Container:  container,
		VideoCodec: t.VideoCodec,
		AudioCodec: t.AudioCodec,
		MaxBitrate: t.MaxBitrate,
		MaxWidth:   t.Width,
		MaxHeight:  t.Height,
	}, true
}
