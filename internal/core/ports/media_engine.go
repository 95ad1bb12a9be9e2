package ports

import (
	"context"
	"time"

	"pepehouse/internal/core/domain"
)

// MediaEngine allocates routers. Everything below a router (transports,
// producers, consumers, observers) is owned by the engine; callers only hold
// handles.
//
// Observers registered through Observe are invoked without engine locks held,
// so they may call back into the engine. Every Observe returns a cancel func
// that is safe to call more than once.
type MediaEngine interface {
	CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (Router, error)
}

type Router interface {
	ID() string
	RtpCapabilities() domain.RtpCapabilities
	CanConsume(producerID string, rtpCapabilities domain.RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (WebRtcTransport, error)
	CreateDirectTransport(ctx context.Context, opts DirectTransportOptions) (Transport, error)
	CreateAudioLevelObserver(ctx context.Context, opts AudioLevelObserverOptions) (AudioLevelObserver, error)
	Close()
	Closed() bool
}

type WebRtcTransportOptions struct {
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	PreferTCP                       bool
	InitialAvailableOutgoingBitrate uint32
	EnableSctp                      bool
	NumSctpStreams                  domain.NumSctpStreams
	MaxSctpMessageSize              uint32
	AppData                         domain.AppData
}

type DirectTransportOptions struct {
	MaxMessageSize uint32
	AppData        domain.AppData
}

type AudioLevelObserverOptions struct {
	MaxEntries int
	Threshold  int // dBov, -127..0
	Interval   time.Duration
}

type ProducerOptions struct {
	Kind          domain.MediaKind
	RtpParameters domain.RtpParameters
	Paused        bool
	AppData       domain.AppData
}

type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities domain.RtpCapabilities
	Paused          bool
	AppData         domain.AppData
}

type DataProducerOptions struct {
	SctpStreamParameters *domain.SctpStreamParameters
	Label                string
	Protocol             string
	AppData              domain.AppData
}

type DataConsumerOptions struct {
	DataProducerID string
	AppData        domain.AppData
}

type Transport interface {
	ID() string
	AppData() domain.AppData
	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)
	ProduceData(ctx context.Context, opts DataProducerOptions) (DataProducer, error)
	ConsumeData(ctx context.Context, opts DataConsumerOptions) (DataConsumer, error)
	Close()
	Closed() bool
}

type WebRtcTransport interface {
	Transport
	IceParameters() domain.IceParameters
	IceCandidates() []domain.IceCandidate
	DtlsParameters() domain.DtlsParameters
	SctpParameters() *domain.SctpParameters
	Connect(ctx context.Context, dtlsParameters domain.DtlsParameters) error
	RestartIce(ctx context.Context) (domain.IceParameters, error)
	SetMaxIncomingBitrate(ctx context.Context, bitrate uint32) error
	Observe(fn func(TransportEvent)) (cancel func())
}

type TransportEventKind int

const (
	TransportDtlsStateChanged TransportEventKind = iota
	TransportIceStateChanged
	TransportRouterClosed
)

type TransportEvent struct {
	Kind  TransportEventKind
	State string
}

type Producer interface {
	ID() string
	Kind() domain.MediaKind
	Type() string
	RtpParameters() domain.RtpParameters
	AppData() domain.AppData
	Paused() bool
	Closed() bool
	Score() []domain.ProducerScore
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Close()
	Observe(fn func(ProducerEvent)) (cancel func())
}

type ProducerEventKind int

const (
	ProducerTransportClosed ProducerEventKind = iota
	ProducerScoreChanged
)

type ProducerEvent struct {
	Kind  ProducerEventKind
	Score []domain.ProducerScore
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.MediaKind
	Type() string
	RtpParameters() domain.RtpParameters
	AppData() domain.AppData
	Paused() bool
	ProducerPaused() bool
	Closed() bool
	Score() domain.ConsumerScore
	CurrentLayers() *domain.ConsumerLayers
	Priority() int
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SetPreferredLayers(ctx context.Context, layers domain.ConsumerLayers) error
	SetPriority(ctx context.Context, priority int) error
	RequestKeyFrame(ctx context.Context) error
	Close()
	Observe(fn func(ConsumerEvent)) (cancel func())
}

type ConsumerEventKind int

const (
	ConsumerTransportClosed ConsumerEventKind = iota
	ConsumerProducerClosed
	ConsumerProducerPaused
	ConsumerProducerResumed
	ConsumerScoreChanged
	ConsumerLayersChanged
)

type ConsumerEvent struct {
	Kind   ConsumerEventKind
	Score  domain.ConsumerScore
	Layers *domain.ConsumerLayers // nil when no layer is being forwarded
}

type DataProducer interface {
	ID() string
	Label() string
	Protocol() string
	SctpStreamParameters() *domain.SctpStreamParameters
	AppData() domain.AppData
	Closed() bool
	// Send injects a message as if it had arrived from the producing
	// endpoint. Only direct transports accept it from the application.
	Send(ctx context.Context, data []byte, ppid int) error
	Close()
	Observe(fn func(DataProducerEvent)) (cancel func())
}

type DataProducerEventKind int

const (
	DataProducerTransportClosed DataProducerEventKind = iota
)

type DataProducerEvent struct {
	Kind DataProducerEventKind
}

type DataConsumer interface {
	ID() string
	DataProducerID() string
	Label() string
	Protocol() string
	SctpStreamParameters() *domain.SctpStreamParameters
	AppData() domain.AppData
	Closed() bool
	Close()
	Observe(fn func(DataConsumerEvent)) (cancel func())
}

type DataConsumerEventKind int

const (
	DataConsumerTransportClosed DataConsumerEventKind = iota
	DataConsumerDataProducerClosed
	DataConsumerMessage
)

type DataConsumerEvent struct {
	Kind DataConsumerEventKind
	Data []byte
	PPID int
}

type AudioLevelObserver interface {
	ID() string
	AddProducer(ctx context.Context, producerID string) error
	RemoveProducer(ctx context.Context, producerID string) error
	Close()
	Observe(fn func(AudioLevelEvent)) (cancel func())
}

type AudioLevelEventKind int

const (
	AudioLevelVolumes AudioLevelEventKind = iota
	AudioLevelSilence
)

type AudioLevelVolume struct {
	Producer Producer
	Volume   int // dBov, loudest first
}

type AudioLevelEvent struct {
	Kind    AudioLevelEventKind
	Volumes []AudioLevelVolume
}
