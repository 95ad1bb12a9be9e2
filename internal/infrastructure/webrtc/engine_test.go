package webrtc

import (
	"context"
	"sync"
	"testing"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		ListenIP:    "0.0.0.0",
		AnnouncedIP: "192.0.2.10",
		MinPort:     40000,
		MaxPort:     40009,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return e
}

func testCodecs() []domain.RtpCodecCapability {
	return []domain.RtpCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: domain.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
	}
}

func newTestRouter(t *testing.T) (*Engine, *Router) {
	t.Helper()
	e := newTestEngine(t)
	r, err := e.CreateRouter(context.Background(), testCodecs())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return e, r.(*Router)
}

func newTestTransport(t *testing.T, r *Router, sctp bool) *WebRtcTransport {
	t.Helper()
	tr, err := r.CreateWebRtcTransport(context.Background(), ports.WebRtcTransportOptions{
		EnableUDP:  true,
		EnableTCP:  true,
		PreferUDP:  true,
		EnableSctp: sctp,
		NumSctpStreams: domain.NumSctpStreams{
			OS:  1024,
			MIS: 1024,
		},
	})
	require.NoError(t, err)
	return tr.(*WebRtcTransport)
}

func opusParameters(ssrc uint32) domain.RtpParameters {
	return domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{
			{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2},
		},
		HeaderExtensions: []domain.RtpHeaderExtensionParameters{
			{URI: audioLevelURI, ID: 1},
		},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: ssrc}},
	}
}

func vp8Parameters(ssrcs ...uint32) domain.RtpParameters {
	params := domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{
			{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000},
			{MimeType: "video/rtx", PayloadType: 97, ClockRate: 90000, Parameters: map[string]interface{}{"apt": 96}},
		},
	}
	for _, ssrc := range ssrcs {
		params.Encodings = append(params.Encodings, domain.RtpEncodingParameters{Ssrc: ssrc, ScalabilityMode: "L1T3"})
	}
	return params
}

func produce(t *testing.T, tr ports.Transport, kind domain.MediaKind, params domain.RtpParameters) *Producer {
	t.Helper()
	p, err := tr.Produce(context.Background(), ports.ProducerOptions{Kind: kind, RtpParameters: params})
	require.NoError(t, err)
	return p.(*Producer)
}

func consume(t *testing.T, tr ports.Transport, r *Router, producerID string, paused bool) *Consumer {
	t.Helper()
	c, err := tr.Consume(context.Background(), ports.ConsumerOptions{
		ProducerID:      producerID,
		RtpCapabilities: r.RtpCapabilities(),
		Paused:          paused,
	})
	require.NoError(t, err)
	return c.(*Consumer)
}

// eventLog records events delivered to an observer.
type eventLog[E any] struct {
	mu     sync.Mutex
	events []E
}

func (l *eventLog[E]) record(ev E) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog[E]) all() []E {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]E(nil), l.events...)
}

func TestNewEngine_InvalidPortRange(t *testing.T) {
	_, err := NewEngine(Config{MinPort: 5000, MaxPort: 4000}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestCreateRouter_AssignsPayloadTypesAndRtx(t *testing.T) {
	e, r := newTestRouter(t)

	caps := r.RtpCapabilities()
	require.Len(t, caps.Codecs, 3)
	assert.Equal(t, "audio/opus", caps.Codecs[0].MimeType)
	assert.Equal(t, uint8(100), caps.Codecs[0].PreferredPayloadType)
	assert.Equal(t, "video/VP8", caps.Codecs[1].MimeType)
	assert.Equal(t, uint8(101), caps.Codecs[1].PreferredPayloadType)
	assert.Equal(t, "video/rtx", caps.Codecs[2].MimeType)
	assert.Equal(t, 101, caps.Codecs[2].Parameters["apt"])
	assert.NotEmpty(t, caps.Codecs[1].RtcpFeedback)
	assert.NotEmpty(t, caps.HeaderExtensions)
	assert.Equal(t, 1, e.RouterCount())
}

func TestCreateRouter_RejectsUnsupportedCodec(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.CreateRouter(context.Background(), []domain.RtpCodecCapability{
		{Kind: domain.MediaKindVideo, MimeType: "video/H265", ClockRate: 90000},
	})
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)

	_, err = e.CreateRouter(context.Background(), []domain.RtpCodecCapability{
		{Kind: domain.MediaKindVideo, MimeType: "audio/opus", ClockRate: 48000},
	})
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)
	assert.Equal(t, 0, e.RouterCount())
}

func TestWebRtcTransport_Parameters(t *testing.T) {
	e, r := newTestRouter(t)
	tr := newTestTransport(t, r, true)

	ice := tr.IceParameters()
	assert.Len(t, ice.UsernameFragment, 16)
	assert.Len(t, ice.Password, 32)
	assert.True(t, ice.IceLite)

	candidates := tr.IceCandidates()
	require.Len(t, candidates, 2)
	assert.Equal(t, "udp", candidates[0].Protocol)
	assert.Equal(t, "tcp", candidates[1].Protocol)
	assert.Equal(t, "passive", candidates[1].TCPType)
	assert.Equal(t, "192.0.2.10", candidates[0].IP)
	assert.Equal(t, "host", candidates[0].Type)
	assert.Greater(t, candidates[0].Priority, candidates[1].Priority)
	assert.GreaterOrEqual(t, candidates[0].Port, uint16(40000))
	assert.LessOrEqual(t, candidates[0].Port, uint16(40009))

	dtls := tr.DtlsParameters()
	assert.Equal(t, domain.DtlsRoleAuto, dtls.Role)
	require.NotEmpty(t, dtls.Fingerprints)
	assert.Equal(t, "sha-256", dtls.Fingerprints[0].Algorithm)

	sctp := tr.SctpParameters()
	require.NotNil(t, sctp)
	assert.Equal(t, uint16(5000), sctp.Port)
	assert.Equal(t, uint16(1024), sctp.MIS)
	assert.Equal(t, uint32(defaultMaxSctpMessageSize), sctp.MaxMessageSize)

	assert.Equal(t, 1, e.PortsInUse())
	tr.Close()
	assert.True(t, tr.Closed())
	assert.Equal(t, 0, e.PortsInUse())
}

func TestWebRtcTransport_NoSctpWithoutCapabilities(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, false)

	assert.Nil(t, tr.SctpParameters())
	_, err := tr.ProduceData(context.Background(), ports.DataProducerOptions{Label: "chat"})
	assert.ErrorIs(t, err, domain.ErrSctpDisabled)
}

func TestWebRtcTransport_ConnectAndRestartIce(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, false)

	var states eventLog[ports.TransportEvent]
	tr.Observe(states.record)

	err := tr.Connect(context.Background(), domain.DtlsParameters{})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)

	remote := domain.DtlsParameters{
		Role:         domain.DtlsRoleClient,
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}
	require.NoError(t, tr.Connect(context.Background(), remote))
	assert.Equal(t, "connected", tr.DtlsState())
	assert.Error(t, tr.Connect(context.Background(), remote))

	events := states.all()
	require.Len(t, events, 2)
	assert.Equal(t, "connecting", events[0].State)
	assert.Equal(t, "connected", events[1].State)

	before := tr.IceParameters()
	after, err := tr.RestartIce(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before.UsernameFragment, after.UsernameFragment)
	assert.Equal(t, after, tr.IceParameters())

	require.NoError(t, tr.SetMaxIncomingBitrate(context.Background(), 1500000))
	assert.Equal(t, uint32(1500000), tr.MaxIncomingBitrate())
}

func TestProduce_RejectsCodecNotInRouter(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, false)

	_, err := tr.Produce(context.Background(), ports.ProducerOptions{
		Kind: domain.MediaKindVideo,
		RtpParameters: domain.RtpParameters{
			Codecs: []domain.RtpCodecParameters{{MimeType: "video/VP9", PayloadType: 98, ClockRate: 90000}},
		},
	})
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)

	_, err = tr.Produce(context.Background(), ports.ProducerOptions{
		Kind:          domain.MediaKindAudio,
		RtpParameters: vp8Parameters(1),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestConsume_ParametersAndForwarding(t *testing.T) {
	_, r := newTestRouter(t)
	sendTr := newTestTransport(t, r, false)
	recvTr := newTestTransport(t, r, false)

	producer := produce(t, sendTr, domain.MediaKindVideo, vp8Parameters(1111))
	assert.Equal(t, producerTypeSimple, producer.Type())
	assert.True(t, r.CanConsume(producer.ID(), r.RtpCapabilities()))
	assert.False(t, r.CanConsume(producer.ID(), domain.RtpCapabilities{}))
	assert.False(t, r.CanConsume("missing", r.RtpCapabilities()))

	consumer := consume(t, recvTr, r, producer.ID(), true)
	params := consumer.RtpParameters()
	require.Len(t, params.Codecs, 2)
	assert.Equal(t, uint8(101), params.Codecs[0].PayloadType)
	assert.Equal(t, "video/rtx", params.Codecs[1].MimeType)
	require.Len(t, params.Encodings, 1)
	assert.NotZero(t, params.Encodings[0].Ssrc)
	assert.NotNil(t, params.Encodings[0].Rtx)
	assert.Equal(t, "L1T3", params.Encodings[0].ScalabilityMode)
	assert.True(t, consumer.Paused())
	assert.False(t, consumer.ProducerPaused())

	var received []*rtp.Packet
	consumer.OnRTP(func(pkt *rtp.Packet) { received = append(received, pkt) })

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SSRC: 1111, SequenceNumber: 1}, Payload: []byte{1, 2, 3}}
	require.NoError(t, producer.WriteRTP(pkt))
	assert.Empty(t, received, "paused consumers receive nothing")

	require.NoError(t, consumer.Resume(context.Background()))
	require.NoError(t, producer.WriteRTP(pkt))
	require.Len(t, received, 1)
	assert.Equal(t, params.Encodings[0].Ssrc, received[0].SSRC)
	assert.Equal(t, uint8(101), received[0].PayloadType)
	assert.Equal(t, []byte{1, 2, 3}, received[0].Payload)
	assert.Equal(t, uint32(1111), pkt.SSRC, "source packet untouched")
	assert.Equal(t, uint64(1), consumer.PacketsSent())
	assert.Equal(t, uint64(2), producer.PacketsReceived())

	_, err := recvTr.Consume(context.Background(), ports.ConsumerOptions{ProducerID: "missing", RtpCapabilities: r.RtpCapabilities()})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestProducer_ScoreReportedWhenMediaFlows(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, false)
	producer := produce(t, tr, domain.MediaKindAudio, opusParameters(42))

	var scores eventLog[ports.ProducerEvent]
	producer.Observe(scores.record)

	assert.Equal(t, 0, producer.Score()[0].Score)
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SSRC: 42}}
	require.NoError(t, producer.WriteRTP(pkt))
	require.NoError(t, producer.WriteRTP(pkt))

	events := scores.all()
	require.Len(t, events, 1)
	assert.Equal(t, ports.ProducerScoreChanged, events[0].Kind)
	assert.Equal(t, flowingScore, events[0].Score[0].Score)
	assert.Equal(t, uint32(42), events[0].Score[0].Ssrc)
}

func TestProducer_PauseResumeAndClosePropagate(t *testing.T) {
	_, r := newTestRouter(t)
	sendTr := newTestTransport(t, r, false)
	recvTr := newTestTransport(t, r, false)

	producer := produce(t, sendTr, domain.MediaKindAudio, opusParameters(1))
	consumer := consume(t, recvTr, r, producer.ID(), false)

	var events eventLog[ports.ConsumerEvent]
	consumer.Observe(events.record)

	require.NoError(t, producer.Pause(context.Background()))
	require.NoError(t, producer.Pause(context.Background()))
	assert.True(t, consumer.ProducerPaused())
	require.NoError(t, producer.Resume(context.Background()))
	assert.False(t, consumer.ProducerPaused())

	producer.Close()
	assert.True(t, consumer.Closed())
	assert.True(t, producer.Closed())
	_, ok := r.Producer(producer.ID())
	assert.False(t, ok)

	var kinds []ports.ConsumerEventKind
	for _, ev := range events.all() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []ports.ConsumerEventKind{
		ports.ConsumerProducerPaused,
		ports.ConsumerProducerResumed,
		ports.ConsumerProducerClosed,
	}, kinds)
}

func TestTransportClose_CascadesToHandles(t *testing.T) {
	_, r := newTestRouter(t)
	sendTr := newTestTransport(t, r, true)
	recvTr := newTestTransport(t, r, true)

	producer := produce(t, sendTr, domain.MediaKindAudio, opusParameters(1))
	consumer := consume(t, recvTr, r, producer.ID(), false)

	var producerEvents eventLog[ports.ProducerEvent]
	var consumerEvents eventLog[ports.ConsumerEvent]
	producer.Observe(producerEvents.record)
	consumer.Observe(consumerEvents.record)

	recvTr.Close()
	require.Len(t, consumerEvents.all(), 1)
	assert.Equal(t, ports.ConsumerTransportClosed, consumerEvents.all()[0].Kind)
	assert.False(t, producer.Closed())

	sendTr.Close()
	require.Len(t, producerEvents.all(), 1)
	assert.Equal(t, ports.ProducerTransportClosed, producerEvents.all()[0].Kind)

	_, err := sendTr.Produce(context.Background(), ports.ProducerOptions{Kind: domain.MediaKindAudio, RtpParameters: opusParameters(2)})
	assert.ErrorIs(t, err, domain.ErrTransportClosed)
}

func TestConsumer_RequestKeyFrameSendsPLI(t *testing.T) {
	_, r := newTestRouter(t)
	sendTr := newTestTransport(t, r, false)
	recvTr := newTestTransport(t, r, false)

	producer := produce(t, sendTr, domain.MediaKindVideo, vp8Parameters(7777))
	consumer := consume(t, recvTr, r, producer.ID(), false)

	var feedback []rtcp.Packet
	producer.OnRTCP(func(pkt rtcp.Packet) { feedback = append(feedback, pkt) })

	require.NoError(t, consumer.RequestKeyFrame(context.Background()))
	require.Len(t, feedback, 1)
	pli, ok := feedback[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(7777), pli.MediaSSRC)
	assert.Equal(t, consumer.RtpParameters().Encodings[0].Ssrc, pli.SenderSSRC)
}

func TestSimulcastConsumer_Layers(t *testing.T) {
	_, r := newTestRouter(t)
	sendTr := newTestTransport(t, r, false)
	recvTr := newTestTransport(t, r, false)

	producer := produce(t, sendTr, domain.MediaKindVideo, vp8Parameters(1, 2, 3))
	assert.Equal(t, producerTypeSimulcast, producer.Type())

	consumer := consume(t, recvTr, r, producer.ID(), true)
	assert.Equal(t, "L3T3", consumer.RtpParameters().Encodings[0].ScalabilityMode)
	assert.Nil(t, consumer.CurrentLayers())

	var events eventLog[ports.ConsumerEvent]
	consumer.Observe(events.record)

	require.NoError(t, consumer.Resume(context.Background()))
	require.NotNil(t, consumer.CurrentLayers())
	assert.Equal(t, domain.ConsumerLayers{SpatialLayer: 2, TemporalLayer: 2}, *consumer.CurrentLayers())

	require.NoError(t, consumer.SetPreferredLayers(context.Background(), domain.ConsumerLayers{SpatialLayer: 0, TemporalLayer: 9}))
	assert.Equal(t, domain.ConsumerLayers{SpatialLayer: 0, TemporalLayer: 2}, *consumer.CurrentLayers())

	var forwarded []uint16
	consumer.OnRTP(func(pkt *rtp.Packet) { forwarded = append(forwarded, pkt.SequenceNumber) })
	for i, ssrc := range []uint32{1, 2, 3} {
		require.NoError(t, producer.WriteRTP(&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SSRC: ssrc, SequenceNumber: uint16(i)}}))
	}
	assert.Equal(t, []uint16{0}, forwarded, "only the selected spatial layer is forwarded")

	require.NoError(t, consumer.Pause(context.Background()))
	assert.Nil(t, consumer.CurrentLayers())

	var layerEvents []*domain.ConsumerLayers
	for _, ev := range events.all() {
		if ev.Kind == ports.ConsumerLayersChanged {
			layerEvents = append(layerEvents, ev.Layers)
		}
	}
	require.Len(t, layerEvents, 3)
	assert.Equal(t, 2, layerEvents[0].SpatialLayer)
	assert.Equal(t, 0, layerEvents[1].SpatialLayer)
	assert.Nil(t, layerEvents[2])

	assert.ErrorIs(t, consumer.SetPriority(context.Background(), 0), domain.ErrInvalidParameters)
	require.NoError(t, consumer.SetPriority(context.Background(), 5))
	assert.Equal(t, 5, consumer.Priority())
}

func TestDirectTransport_DataMessages(t *testing.T) {
	_, r := newTestRouter(t)
	direct, err := r.CreateDirectTransport(context.Background(), ports.DirectTransportOptions{MaxMessageSize: 512})
	require.NoError(t, err)
	peerTr := newTestTransport(t, r, true)

	botProducer, err := direct.ProduceData(context.Background(), ports.DataProducerOptions{Label: "bot"})
	require.NoError(t, err)
	assert.Nil(t, botProducer.SctpStreamParameters())

	dc, err := peerTr.ConsumeData(context.Background(), ports.DataConsumerOptions{DataProducerID: botProducer.ID()})
	require.NoError(t, err)
	assert.Equal(t, "bot", dc.Label())
	require.NotNil(t, dc.SctpStreamParameters())
	assert.Equal(t, uint16(0), dc.SctpStreamParameters().StreamID)

	var messages eventLog[ports.DataConsumerEvent]
	dc.Observe(messages.record)

	require.NoError(t, botProducer.Send(context.Background(), []byte("hi"), domain.PPIDString))
	assert.ErrorIs(t, botProducer.Send(context.Background(), []byte("hi"), 99), domain.ErrInvalidParameters)
	assert.ErrorIs(t, botProducer.Send(context.Background(), make([]byte, 513), domain.PPIDBinary), domain.ErrInvalidParameters)

	events := messages.all()
	require.Len(t, events, 1)
	assert.Equal(t, ports.DataConsumerMessage, events[0].Kind)
	assert.Equal(t, "hi", string(events[0].Data))
	assert.Equal(t, domain.PPIDString, events[0].PPID)

	botProducer.Close()
	assert.True(t, dc.Closed())
	events = messages.all()
	assert.Equal(t, ports.DataConsumerDataProducerClosed, events[len(events)-1].Kind)

	_, err = peerTr.ConsumeData(context.Background(), ports.DataConsumerOptions{DataProducerID: botProducer.ID()})
	assert.ErrorIs(t, err, domain.ErrDataProducerNotFound)
}

func TestWebRtcDataProducer_SendRequiresDirectTransport(t *testing.T) {
	_, r := newTestRouter(t)
	tr := newTestTransport(t, r, true)

	ordered := true
	dp, err := tr.ProduceData(context.Background(), ports.DataProducerOptions{
		SctpStreamParameters: &domain.SctpStreamParameters{StreamID: 3, Ordered: &ordered},
		Label:                "chat",
	})
	require.NoError(t, err)
	assert.ErrorIs(t, dp.Send(context.Background(), []byte("x"), domain.PPIDString), domain.ErrInvalidParameters)

	concrete := dp.(*DataProducer)
	require.NoError(t, concrete.WriteMessage([]byte("x"), domain.PPIDString))
	assert.Equal(t, uint64(1), concrete.MessagesReceived())

	_, err = tr.ProduceData(context.Background(), ports.DataProducerOptions{Label: "chat"})
	assert.ErrorIs(t, err, domain.ErrInvalidParameters)
}

func TestRouterClose_ClosesEverything(t *testing.T) {
	e, r := newTestRouter(t)
	tr := newTestTransport(t, r, true)
	producer := produce(t, tr, domain.MediaKindAudio, opusParameters(1))
	observer, err := r.CreateAudioLevelObserver(context.Background(), ports.AudioLevelObserverOptions{
		MaxEntries: 1, Threshold: -80, Interval: minAudioLevelInterval,
	})
	require.NoError(t, err)
	require.NoError(t, observer.AddProducer(context.Background(), producer.ID()))

	var transportEvents eventLog[ports.TransportEvent]
	tr.Observe(transportEvents.record)

	r.Close()
	r.Close()

	assert.True(t, r.Closed())
	assert.True(t, tr.Closed())
	assert.True(t, producer.Closed())
	require.Len(t, transportEvents.all(), 1)
	assert.Equal(t, ports.TransportRouterClosed, transportEvents.all()[0].Kind)
	assert.Equal(t, 0, e.RouterCount())
	assert.Equal(t, 0, e.PortsInUse())

	_, err = r.CreateWebRtcTransport(context.Background(), ports.WebRtcTransportOptions{EnableUDP: true})
	assert.ErrorIs(t, err, domain.ErrRouterClosed)
}

func TestObserve_CancelStopsDelivery(t *testing.T) {
	_, r := newTestRouter(t)
	sendTr := newTestTransport(t, r, false)
	recvTr := newTestTransport(t, r, false)
	producer := produce(t, sendTr, domain.MediaKindAudio, opusParameters(1))
	consumer := consume(t, recvTr, r, producer.ID(), false)

	var events eventLog[ports.ConsumerEvent]
	cancel := consumer.Observe(events.record)
	cancel()
	cancel()

	require.NoError(t, producer.Pause(context.Background()))
	assert.Empty(t, events.all())
}
