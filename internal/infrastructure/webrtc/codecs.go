package webrtc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"pepehouse/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

const (
	audioLevelURI       = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	midURI              = "urn:ietf:params:rtp-hdrext:sdes:mid"
	ridURI              = "urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id"
	repairedRidURI      = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"
	absSendTimeURI      = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	transportCCURI      = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	videoOrientationURI = "urn:3gpp:video-orientation"
	toffsetURI          = "urn:ietf:params:rtp-hdrext:toffset"
)

var supportedMimeTypes = map[string]domain.MediaKind{
	strings.ToLower(webrtc.MimeTypeOpus): domain.MediaKindAudio,
	strings.ToLower(webrtc.MimeTypeG722): domain.MediaKindAudio,
	strings.ToLower(webrtc.MimeTypePCMU): domain.MediaKindAudio,
	strings.ToLower(webrtc.MimeTypePCMA): domain.MediaKindAudio,
	strings.ToLower(webrtc.MimeTypeVP8):  domain.MediaKindVideo,
	strings.ToLower(webrtc.MimeTypeVP9):  domain.MediaKindVideo,
	strings.ToLower(webrtc.MimeTypeH264): domain.MediaKindVideo,
}

// dynamic payload types in allocation order
func dynamicPayloadTypes() []uint8 {
	pts := make([]uint8, 0, 32)
	for pt := 100; pt <= 127; pt++ {
		pts = append(pts, uint8(pt))
	}
	for pt := 96; pt < 100; pt++ {
		pts = append(pts, uint8(pt))
	}
	return pts
}

// buildRtpCapabilities validates the router codecs, assigns payload types,
// adds an RTX codec per video codec and registers every codec with a pion
// MediaEngine.
func buildRtpCapabilities(codecs []domain.RtpCodecCapability) (domain.RtpCapabilities, error) {
	var caps domain.RtpCapabilities
	if len(codecs) == 0 {
		return caps, fmt.Errorf("%w: no codecs", domain.ErrInvalidParameters)
	}

	m := &webrtc.MediaEngine{}
	used := make(map[uint8]bool)
	for _, codec := range codecs {
		if codec.PreferredPayloadType != 0 {
			if used[codec.PreferredPayloadType] {
				return caps, fmt.Errorf("%w: duplicated payload type %d", domain.ErrInvalidParameters, codec.PreferredPayloadType)
			}
			used[codec.PreferredPayloadType] = true
		}
	}
	free := dynamicPayloadTypes()
	nextPT := func() (uint8, error) {
		for len(free) > 0 {
			pt := free[0]
			free = free[1:]
			if !used[pt] {
				used[pt] = true
				return pt, nil
			}
		}
		return 0, fmt.Errorf("%w: no dynamic payload type left", domain.ErrInvalidParameters)
	}

	for _, codec := range codecs {
		kind, ok := supportedMimeTypes[strings.ToLower(codec.MimeType)]
		if !ok || codec.Kind != kind {
			return caps, fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, codec.MimeType)
		}
		if codec.ClockRate == 0 {
			return caps, fmt.Errorf("%w: %s has no clock rate", domain.ErrInvalidParameters, codec.MimeType)
		}

		c := codec
		c.Parameters = cloneParameters(codec.Parameters)
		if c.PreferredPayloadType == 0 {
			pt, err := nextPT()
			if err != nil {
				return caps, err
			}
			c.PreferredPayloadType = pt
		}
		if len(c.RtcpFeedback) == 0 {
			c.RtcpFeedback = defaultRtcpFeedback(kind)
		}
		if err := registerCodec(m, c); err != nil {
			return caps, err
		}
		caps.Codecs = append(caps.Codecs, c)

		if kind != domain.MediaKindVideo {
			continue
		}
		pt, err := nextPT()
		if err != nil {
			return caps, err
		}
		rtx := domain.RtpCodecCapability{
			Kind:                 domain.MediaKindVideo,
			MimeType:             "video/rtx",
			PreferredPayloadType: pt,
			ClockRate:            c.ClockRate,
			Parameters:           map[string]interface{}{"apt": int(c.PreferredPayloadType)},
		}
		if err := registerCodec(m, rtx); err != nil {
			return caps, err
		}
		caps.Codecs = append(caps.Codecs, rtx)
	}

	caps.HeaderExtensions = defaultHeaderExtensions()
	return caps, nil
}

func registerCodec(m *webrtc.MediaEngine, c domain.RtpCodecCapability) error {
	typ := webrtc.RTPCodecTypeAudio
	if c.Kind == domain.MediaKindVideo {
		typ = webrtc.RTPCodecTypeVideo
	}
	feedback := make([]webrtc.RTCPFeedback, 0, len(c.RtcpFeedback))
	for _, fb := range c.RtcpFeedback {
		feedback = append(feedback, webrtc.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     c.MimeType,
			ClockRate:    c.ClockRate,
			Channels:     c.Channels,
			SDPFmtpLine:  fmtpLine(c.Parameters),
			RTCPFeedback: feedback,
		},
		PayloadType: webrtc.PayloadType(c.PreferredPayloadType),
	}, typ)
	if err != nil {
		return fmt.Errorf("register codec %s: %w", c.MimeType, err)
	}
	return nil
}

func defaultRtcpFeedback(kind domain.MediaKind) []domain.RtcpFeedback {
	if kind == domain.MediaKindAudio {
		return []domain.RtcpFeedback{{Type: webrtc.TypeRTCPFBTransportCC}}
	}
	return []domain.RtcpFeedback{
		{Type: webrtc.TypeRTCPFBNACK},
		{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
		{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
		{Type: webrtc.TypeRTCPFBGoogREMB},
		{Type: webrtc.TypeRTCPFBTransportCC},
	}
}

func defaultHeaderExtensions() []domain.RtpHeaderExtension {
	return []domain.RtpHeaderExtension{
		{Kind: domain.MediaKindAudio, URI: midURI, PreferredID: 1},
		{Kind: domain.MediaKindVideo, URI: midURI, PreferredID: 1},
		{Kind: domain.MediaKindVideo, URI: ridURI, PreferredID: 2},
		{Kind: domain.MediaKindVideo, URI: repairedRidURI, PreferredID: 3},
		{Kind: domain.MediaKindAudio, URI: absSendTimeURI, PreferredID: 4},
		{Kind: domain.MediaKindVideo, URI: absSendTimeURI, PreferredID: 4},
		{Kind: domain.MediaKindVideo, URI: transportCCURI, PreferredID: 5},
		{Kind: domain.MediaKindAudio, URI: audioLevelURI, PreferredID: 10},
		{Kind: domain.MediaKindVideo, URI: videoOrientationURI, PreferredID: 11},
		{Kind: domain.MediaKindVideo, URI: toffsetURI, PreferredID: 12},
	}
}

func fmtpLine(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func cloneParameters(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// paramInt reads a numeric codec parameter that may have been decoded from
// JSON (float64) or YAML/Go literals (int).
func paramInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func codecKind(mimeType string) domain.MediaKind {
	prefix, _, _ := strings.Cut(strings.ToLower(mimeType), "/")
	return domain.MediaKind(prefix)
}

func codecMatches(mimeType string, clockRate uint32, channels uint16, capability domain.RtpCodecCapability) bool {
	if !strings.EqualFold(mimeType, capability.MimeType) || clockRate != capability.ClockRate {
		return false
	}
	if codecKind(mimeType) == domain.MediaKindAudio {
		return normalizeChannels(channels) == normalizeChannels(capability.Channels)
	}
	return true
}

func normalizeChannels(ch uint16) uint16 {
	if ch == 0 {
		return 1
	}
	return ch
}

// validateProducerParameters checks that every media codec of a producer is
// offered by the router and that RTX codecs point at one of them.
func validateProducerParameters(caps domain.RtpCapabilities, kind domain.MediaKind, params domain.RtpParameters) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: kind %q", domain.ErrInvalidParameters, kind)
	}
	if len(params.Codecs) == 0 {
		return fmt.Errorf("%w: no codecs", domain.ErrInvalidParameters)
	}

	media := make(map[uint8]bool)
	for _, codec := range params.Codecs {
		if domain.IsRtxMimeType(codec.MimeType) {
			continue
		}
		if codecKind(codec.MimeType) != kind {
			return fmt.Errorf("%w: %s in %s producer", domain.ErrInvalidParameters, codec.MimeType, kind)
		}
		if _, ok := findCapability(caps, codec); !ok {
			return fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, codec.MimeType)
		}
		media[codec.PayloadType] = true
	}
	if len(media) == 0 {
		return fmt.Errorf("%w: no media codec", domain.ErrInvalidParameters)
	}
	for _, codec := range params.Codecs {
		if !domain.IsRtxMimeType(codec.MimeType) {
			continue
		}
		apt, ok := paramInt(codec.Parameters["apt"])
		if !ok || !media[uint8(apt)] {
			return fmt.Errorf("%w: rtx codec %d has no associated media codec", domain.ErrInvalidParameters, codec.PayloadType)
		}
	}
	return nil
}

func findCapability(caps domain.RtpCapabilities, codec domain.RtpCodecParameters) (domain.RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if domain.IsRtxMimeType(c.MimeType) {
			continue
		}
		if codecMatches(codec.MimeType, codec.ClockRate, codec.Channels, c) {
			return c, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

func findRtxCapability(caps domain.RtpCapabilities, apt uint8) (domain.RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if !domain.IsRtxMimeType(c.MimeType) {
			continue
		}
		if v, ok := paramInt(c.Parameters["apt"]); ok && v == int(apt) {
			return c, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

// canConsumeParameters reports whether some media codec of the producer is
// accepted by the consuming endpoint.
func canConsumeParameters(params domain.RtpParameters, caps domain.RtpCapabilities) bool {
	for _, codec := range params.Codecs {
		if domain.IsRtxMimeType(codec.MimeType) {
			continue
		}
		if _, ok := findCapability(caps, codec); ok {
			return true
		}
	}
	return false
}

// consumerParameters derives the parameters a consumer sends with: the first
// producer codec the endpoint accepts (plus its RTX), the endpoint's payload
// types and header extension ids, and a single fresh encoding.
func consumerParameters(kind domain.MediaKind, producer domain.RtpParameters, caps domain.RtpCapabilities) (domain.RtpParameters, error) {
	var params domain.RtpParameters

	for _, codec := range producer.Codecs {
		if domain.IsRtxMimeType(codec.MimeType) {
			continue
		}
		capability, ok := findCapability(caps, codec)
		if !ok {
			continue
		}
		params.Codecs = append(params.Codecs, domain.RtpCodecParameters{
			MimeType:     capability.MimeType,
			PayloadType:  capability.PreferredPayloadType,
			ClockRate:    capability.ClockRate,
			Channels:     codec.Channels,
			Parameters:   cloneParameters(codec.Parameters),
			RtcpFeedback: capability.RtcpFeedback,
		})
		if rtx, ok := findRtxCapability(caps, capability.PreferredPayloadType); ok {
			params.Codecs = append(params.Codecs, domain.RtpCodecParameters{
				MimeType:    rtx.MimeType,
				PayloadType: rtx.PreferredPayloadType,
				ClockRate:   rtx.ClockRate,
				Parameters:  map[string]interface{}{"apt": int(capability.PreferredPayloadType)},
			})
		}
		break
	}
	if len(params.Codecs) == 0 {
		return params, domain.ErrCannotConsume
	}

	for _, ext := range caps.HeaderExtensions {
		if ext.Kind == kind {
			params.HeaderExtensions = append(params.HeaderExtensions, domain.RtpHeaderExtensionParameters{
				URI: ext.URI,
				ID:  ext.PreferredID,
			})
		}
	}

	encoding := domain.RtpEncodingParameters{Ssrc: uuid.New().ID()}
	if len(params.Codecs) > 1 {
		encoding.Rtx = &domain.RtpEncodingRtx{Ssrc: uuid.New().ID()}
	}
	switch {
	case len(producer.Encodings) > 1:
		_, temporal := parseScalabilityMode(producer.Encodings[0].ScalabilityMode)
		encoding.ScalabilityMode = fmt.Sprintf("L%dT%d", len(producer.Encodings), temporal)
	case len(producer.Encodings) == 1:
		encoding.ScalabilityMode = producer.Encodings[0].ScalabilityMode
	}
	params.Encodings = []domain.RtpEncodingParameters{encoding}

	reduced := true
	cname := ""
	if producer.Rtcp != nil {
		cname = producer.Rtcp.Cname
	}
	params.Rtcp = &domain.RtcpParameters{Cname: cname, ReducedSize: &reduced}
	return params, nil
}

// parseScalabilityMode parses modes like "L1T3", "S3T3" or "L2T2_KEY".
func parseScalabilityMode(mode string) (spatial, temporal int) {
	spatial, temporal = 1, 1
	if len(mode) < 4 || (mode[0] != 'L' && mode[0] != 'S') {
		return
	}
	rest := mode[1:]
	if i := strings.IndexByte(rest, '_'); i >= 0 {
		rest = rest[:i]
	}
	s, t, ok := strings.Cut(rest, "T")
	if !ok {
		return
	}
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		spatial = v
	}
	if v, err := strconv.Atoi(t); err == nil && v > 0 {
		temporal = v
	}
	return
}

func headerExtensionID(params domain.RtpParameters, uri string) (uint8, bool) {
	for _, ext := range params.HeaderExtensions {
		if ext.URI == uri && ext.ID > 0 && ext.ID < 256 {
			return uint8(ext.ID), true
		}
	}
	return 0, false
}
