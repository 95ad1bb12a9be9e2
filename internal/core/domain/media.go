package domain

import "strings"

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// AppData is free-form application metadata attached to engine objects.
type AppData map[string]interface{}

func (a AppData) Bool(key string) bool {
	v, ok := a[key].(bool)
	return ok && v
}

func (a AppData) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// Clone returns a shallow copy that is safe to extend.
func (a AppData) Clone() AppData {
	out := make(AppData, len(a)+1)
	for k, v := range a {
		out[k] = v
	}
	return out
}

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind              `json:"kind"`
	MimeType             string                 `json:"mimeType"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32                 `json:"clockRate"`
	Channels             uint16                 `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind             MediaKind `json:"kind"`
	URI              string    `json:"uri"`
	PreferredID      int       `json:"preferredId"`
	PreferredEncrypt bool      `json:"preferredEncrypt,omitempty"`
	Direction        string    `json:"direction,omitempty"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint16                 `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI        string                 `json:"uri"`
	ID         int                    `json:"id"`
	Encrypt    bool                   `json:"encrypt,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

type RtpEncodingRtx struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	Ssrc                  uint32          `json:"ssrc,omitempty"`
	Rid                   string          `json:"rid,omitempty"`
	CodecPayloadType      uint8           `json:"codecPayloadType,omitempty"`
	Rtx                   *RtpEncodingRtx `json:"rtx,omitempty"`
	Dtx                   bool            `json:"dtx,omitempty"`
	ScalabilityMode       string          `json:"scalabilityMode,omitempty"`
	ScaleResolutionDownBy float64         `json:"scaleResolutionDownBy,omitempty"`
	MaxBitrate            uint32          `json:"maxBitrate,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize *bool  `json:"reducedSize,omitempty"`
	Mux         *bool  `json:"mux,omitempty"`
}

type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []RtpCodecParameters           `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []RtpEncodingParameters        `json:"encodings,omitempty"`
	Rtcp             *RtcpParameters                `json:"rtcp,omitempty"`
}

// IsRtxMimeType reports whether the mime type names a retransmission codec.
func IsRtxMimeType(mimeType string) bool {
	return strings.HasSuffix(strings.ToLower(mimeType), "/rtx")
}

type ProducerScore struct {
	EncodingIdx int    `json:"encodingIdx"`
	Ssrc        uint32 `json:"ssrc"`
	Rid         string `json:"rid,omitempty"`
	Score       int    `json:"score"`
}

type ConsumerScore struct {
	Score          int   `json:"score"`
	ProducerScore  int   `json:"producerScore"`
	ProducerScores []int `json:"producerScores"`
}

type ConsumerLayers struct {
	SpatialLayer  int `json:"spatialLayer"`
	TemporalLayer int `json:"temporalLayer"`
}
