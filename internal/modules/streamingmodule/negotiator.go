package streamingmodule

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/onelrian/rustflix/internal/types"
)

// NegotiationRequest carries what the client asked for.
type NegotiationRequest struct {
	Protocol    types.StreamingProtocol `json:"protocol,omitempty"` // empty = negotiator's choice
	QualityHint types.Quality           `json:"quality_hint,omitempty"`
	Device      types.DeviceProfile     `json:"device"`
}

// Negotiator decides between direct play and transcoding and picks the
// protocol and quality tier for a playback request.
type Negotiator struct {
	catalog *Catalog
	logger  hclog.Logger

	// StreamTTL bounds descriptor validity; zero means no expiry.
	StreamTTL time.Duration
}

// NewNegotiator creates a negotiator backed by the given catalog.
func NewNegotiator(catalog *Catalog, logger hclog.Logger) *Negotiator {
	return &Negotiator{
		catalog: catalog,
		logger:  logger.Named("negotiator"),
	}
}

// Negotiate produces a stream descriptor for the asset and client, or
// types.ErrUnsupportedFormat when no viable codec combination exists.
func (n *Negotiator) Negotiate(asset types.MediaAssetRef, req NegotiationRequest) (*types.StreamDescriptor, error) {
	if n.canDirectPlay(asset, req) {
		desc := n.newDescriptor(asset.ID, types.ProtocolDirectPlay, n.nativeQuality(asset))
		desc.VideoCodec = asset.VideoCodec()
		desc.AudioCodec = asset.AudioCodec()
		desc.Container = asset.Container
		desc.TranscodeRequired = false

		n.logger.Debug("direct play negotiated", "asset_id", asset.ID, "container", asset.Container)
		return desc, nil
	}

	tier, ok := n.selectTier(req)
	if !ok {
		n.logger.Warn("no viable quality tier for client", "asset_id", asset.ID,
			"supported_codecs", strings.Join(req.Device.SupportedCodecs, ","))
		return nil, types.ErrUnsupportedFormat
	}

	protocol := req.Protocol
	if protocol == "" || protocol == types.ProtocolDirectPlay {
		protocol = types.ProtocolHLS
	}

	desc := n.newDescriptor(asset.ID, protocol, tier.Quality)
	desc.VideoCodec = tier.VideoCodec
	desc.AudioCodec = tier.AudioCodec
	desc.Container = containerFor(protocol)
	desc.Bitrate = tier.MaxBitrate
	desc.Width = tier.Width
	desc.Height = tier.Height
	desc.TranscodeRequired = true

	n.logger.Debug("transcode negotiated", "asset_id", asset.ID,
		"protocol", protocol, "quality", tier.Quality)
	return desc, nil
}

// canDirectPlay reports whether the asset's native codec and container are
// in the client's supported sets. Direct play is only chosen when the client
// requested it or left the protocol open.
func (n *Negotiator) canDirectPlay(asset types.MediaAssetRef, req NegotiationRequest) bool {
	if req.Protocol != "" && req.Protocol != types.ProtocolDirectPlay {
		return false
	}
	device := req.Device
	if !containsFold(device.SupportedCodecs, asset.VideoCodec()) {
		return false
	}
	if len(device.SupportedContainers) > 0 && !containsFold(device.SupportedContainers, asset.Container) {
		return false
	}
	if device.MaxHeight > 0 {
		for _, t := range asset.Tracks {
			if t.Type == types.TrackVideo && t.Height > device.MaxHeight {
				return false
			}
		}
	}
	if device.MaxBandwidth > 0 {
		for _, t := range asset.Tracks {
			if t.Type == types.TrackVideo && t.Bitrate > device.MaxBandwidth {
				return false
			}
		}
	}
	return true
}

// selectTier picks the highest tier within the client's bandwidth ceiling
// whose codec the client accepts, defaulting to HD when nothing is declared.
func (n *Negotiator) selectTier(req NegotiationRequest) (Tier, bool) {
	device := req.Device

	ceiling := device.MaxBandwidth
	if req.QualityHint != "" {
		if t, ok := n.catalog.Tier(req.QualityHint); ok {
			if t.VideoCodec == "" {
				// Audio-only was explicitly requested.
				return t, true
			}
			if n.clientAcceptsTier(t, device) && withinCeiling(t, ceiling) {
				return t, true
			}
		}
	}

	var fallback Tier
	var haveFallback bool
	for _, t := range n.catalog.Tiers() {
		if !n.clientAcceptsTier(t, device) {
			continue
		}
		// Tiers iterate highest-first, so this settles on the lowest
		// acceptable tier by the time the loop falls through.
		fallback, haveFallback = t, true
		if ceiling == 0 {
			// No declared ceiling: default to HD.
			if t.Quality == types.QualityHD {
				return t, true
			}
			continue
		}
		if withinCeiling(t, ceiling) {
			return t, true
		}
	}

	// Nothing under the ceiling (or HD is absent from the catalog): fall
	// back to the lowest acceptable tier rather than refusing service.
	return fallback, haveFallback
}

func (n *Negotiator) clientAcceptsTier(t Tier, device types.DeviceProfile) bool {
	if t.VideoCodec == "" {
		// Audio-only is only offered on explicit hint, never as a default.
		return false
	}
	if len(device.SupportedCodecs) == 0 {
		return true
	}
	return containsFold(device.SupportedCodecs, t.VideoCodec)
}

func (n *Negotiator) nativeQuality(asset types.MediaAssetRef) types.Quality {
	for _, t := range asset.Tracks {
		if t.Type != types.TrackVideo {
			continue
		}
		switch {
		case t.Height >= 2160:
			return types.QualityUltraHD
		case t.Height >= 1080:
			return types.QualityFullHD
		case t.Height >= 720:
			return types.QualityHD
		case t.Height >= 480:
			return types.QualitySD
		default:
			return types.QualityLow
		}
	}
	return types.QualityAudioOnly
}

func (n *Negotiator) newDescriptor(assetID string, protocol types.StreamingProtocol, quality types.Quality) *types.StreamDescriptor {
	desc := &types.StreamDescriptor{
		ID:              uuid.New().String(),
		AssetID:         assetID,
		Protocol:        protocol,
		Quality:         quality,
		SupportsSeeking: protocol.SupportsSeeking(),
		CreatedAt:       time.Now(),
	}
	if n.StreamTTL > 0 {
		expires := desc.CreatedAt.Add(n.StreamTTL)
		desc.ExpiresAt = &expires
	}
	return desc
}

func containerFor(protocol types.StreamingProtocol) string {
	switch protocol {
	case types.ProtocolHLS:
		return "ts"
	case types.ProtocolDASH, types.ProtocolProgressive:
		return "mp4"
	}
	return "original"
}

func withinCeiling(t Tier, ceiling int64) bool {
	return ceiling == 0 || t.MaxBitrate <= ceiling
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}
