package services

import "pepehouse/internal/core/domain"

// Request payloads sent by peers.

type createWebRtcTransportRequest struct {
	ForceTcp         bool                     `json:"forceTcp"`
	Producing        bool                     `json:"producing"`
	Consuming        bool                     `json:"consuming"`
	SctpCapabilities *domain.SctpCapabilities `json:"sctpCapabilities"`
}

type joinRequest struct {
	DisplayName      string                   `json:"displayName"`
	Device           *domain.DeviceInfo       `json:"device"`
	RtpCapabilities  *domain.RtpCapabilities  `json:"rtpCapabilities"`
	SctpCapabilities *domain.SctpCapabilities `json:"sctpCapabilities"`
	Role             domain.Role              `json:"role"`
}

type transportRequest struct {
	TransportID string `json:"transportId"`
}

type connectWebRtcTransportRequest struct {
	TransportID    string                `json:"transportId"`
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
}

type produceRequest struct {
	TransportID   string               `json:"transportId"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
	AppData       domain.AppData       `json:"appData"`
}

type producerRequest struct {
	ProducerID string `json:"producerId"`
}

type consumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type setConsumerPreferredLayersRequest struct {
	ConsumerID    string `json:"consumerId"`
	SpatialLayer  int    `json:"spatialLayer"`
	TemporalLayer *int   `json:"temporalLayer"`
}

type setConsumerPriorityRequest struct {
	ConsumerID string `json:"consumerId"`
	Priority   int    `json:"priority"`
}

type produceDataRequest struct {
	TransportID          string                       `json:"transportId"`
	SctpStreamParameters *domain.SctpStreamParameters `json:"sctpStreamParameters"`
	Label                string                       `json:"label"`
	Protocol             string                       `json:"protocol"`
	AppData              domain.AppData               `json:"appData"`
}

type changeDisplayNameRequest struct {
	DisplayName string `json:"displayName"`
}

// Replies.

type webRtcTransportResponse struct {
	ID             string                 `json:"id"`
	IceParameters  domain.IceParameters   `json:"iceParameters"`
	IceCandidates  []domain.IceCandidate  `json:"iceCandidates"`
	DtlsParameters domain.DtlsParameters  `json:"dtlsParameters"`
	SctpParameters *domain.SctpParameters `json:"sctpParameters"`
}

type joinResponse struct {
	Peers []domain.PeerInfo `json:"peers"`
}

type idResponse struct {
	ID string `json:"id"`
}

// Server initiated requests and notifications.

type newConsumerRequest struct {
	PeerID         domain.PeerID        `json:"peerId"`
	ProducerID     string               `json:"producerId"`
	ID             string               `json:"id"`
	Kind           domain.MediaKind     `json:"kind"`
	RtpParameters  domain.RtpParameters `json:"rtpParameters"`
	Type           string               `json:"type"`
	AppData        domain.AppData       `json:"appData"`
	ProducerPaused bool                 `json:"producerPaused"`
}

type newDataConsumerRequest struct {
	PeerID               *domain.PeerID               `json:"peerId"`
	DataProducerID       string                       `json:"dataProducerId"`
	ID                   string                       `json:"id"`
	SctpStreamParameters *domain.SctpStreamParameters `json:"sctpStreamParameters"`
	Label                string                       `json:"label"`
	Protocol             string                       `json:"protocol"`
	AppData              domain.AppData               `json:"appData"`
}

type peerClosedNotification struct {
	PeerID      domain.PeerID `json:"peerId"`
	DisplayName string        `json:"displayName"`
}

type peerDisplayNameChangedNotification struct {
	PeerID         domain.PeerID `json:"peerId"`
	DisplayName    string        `json:"displayName"`
	OldDisplayName string        `json:"oldDisplayName"`
}

type consumerNotification struct {
	ConsumerID string `json:"consumerId"`
}

type consumerScoreNotification struct {
	ConsumerID string               `json:"consumerId"`
	Score      domain.ConsumerScore `json:"score"`
}

type consumerLayersChangedNotification struct {
	ConsumerID    string `json:"consumerId"`
	SpatialLayer  *int   `json:"spatialLayer"`
	TemporalLayer *int   `json:"temporalLayer"`
}

type dataConsumerClosedNotification struct {
	DataConsumerID string `json:"dataConsumerId"`
}

type producerScoreNotification struct {
	ProducerID string                 `json:"producerId"`
	Score      []domain.ProducerScore `json:"score"`
}

type activeSpeakerNotification struct {
	PeerID *domain.PeerID `json:"peerId"`
	Volume *int           `json:"volume,omitempty"`
}
