package webrtc

import (
	"context"
	"fmt"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// transport holds what WebRTC and direct transports share. Mutable fields
// are guarded by router.mu.
type transport struct {
	id      string
	router  *Router
	appData domain.AppData
	direct  bool

	sctpEnabled    bool
	maxMessageSize uint32
	numStreams     uint16

	events  *observerList[ports.TransportEvent]
	release func()

	closed        bool
	nextStreamID  uint16
	producers     map[string]*Producer
	consumers     map[string]*Consumer
	dataProducers map[string]*DataProducer
	dataConsumers map[string]*DataConsumer
}

func newTransport(r *Router, appData domain.AppData, direct bool) *transport {
	if appData == nil {
		appData = domain.AppData{}
	}
	return &transport{
		id:            uuid.NewString(),
		router:        r,
		appData:       appData,
		direct:        direct,
		producers:     make(map[string]*Producer),
		consumers:     make(map[string]*Consumer),
		dataProducers: make(map[string]*DataProducer),
		dataConsumers: make(map[string]*DataConsumer),
	}
}

func (t *transport) ID() string { return t.id }

func (t *transport) AppData() domain.AppData { return t.appData }

func (t *transport) Closed() bool {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	return t.closed
}

// Close closes the transport and every handle created on it.
func (t *transport) Close() {
	r := t.router
	var d dispatch
	r.mu.Lock()
	r.closeTransportLocked(t, &d, false)
	r.mu.Unlock()
	d.run()
}

func (t *transport) Produce(ctx context.Context, opts ports.ProducerOptions) (ports.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := t.router
	if err := validateProducerParameters(r.caps, opts.Kind, opts.RtpParameters); err != nil {
		return nil, err
	}

	p := newProducer(t, opts)

	r.mu.Lock()
	defer r.mu.Unlock()
	if t.closed {
		return nil, domain.ErrTransportClosed
	}
	r.producers[p.id] = p
	t.producers[p.id] = p
	return p, nil
}

func (t *transport) Consume(ctx context.Context, opts ports.ConsumerOptions) (ports.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := t.router

	r.mu.Lock()
	defer r.mu.Unlock()
	if t.closed {
		return nil, domain.ErrTransportClosed
	}
	p, ok := r.producers[opts.ProducerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, opts.ProducerID)
	}
	params, err := consumerParameters(p.kind, p.rtpParameters, opts.RtpCapabilities)
	if err != nil {
		return nil, err
	}

	c := newConsumer(t, p, params, opts)
	p.consumers[c.id] = c
	t.consumers[c.id] = c
	return c, nil
}

func (t *transport) ProduceData(ctx context.Context, opts ports.DataProducerOptions) (ports.DataProducer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := t.router

	var sctp *domain.SctpStreamParameters
	if !t.direct {
		if !t.sctpEnabled {
			return nil, domain.ErrSctpDisabled
		}
		if opts.SctpStreamParameters == nil {
			return nil, fmt.Errorf("%w: missing sctpStreamParameters", domain.ErrInvalidParameters)
		}
		if opts.SctpStreamParameters.StreamID >= t.numStreams {
			return nil, fmt.Errorf("%w: streamId %d out of range", domain.ErrInvalidParameters, opts.SctpStreamParameters.StreamID)
		}
		params := *opts.SctpStreamParameters
		sctp = &params
	}

	dp := newDataProducer(t, sctp, opts)

	r.mu.Lock()
	defer r.mu.Unlock()
	if t.closed {
		return nil, domain.ErrTransportClosed
	}
	r.dataProducers[dp.id] = dp
	t.dataProducers[dp.id] = dp
	return dp, nil
}

func (t *transport) ConsumeData(ctx context.Context, opts ports.DataConsumerOptions) (ports.DataConsumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.direct && !t.sctpEnabled {
		return nil, domain.ErrSctpDisabled
	}
	r := t.router

	r.mu.Lock()
	defer r.mu.Unlock()
	if t.closed {
		return nil, domain.ErrTransportClosed
	}
	dp, ok := r.dataProducers[opts.DataProducerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDataProducerNotFound, opts.DataProducerID)
	}

	var sctp *domain.SctpStreamParameters
	if !t.direct {
		ordered := true
		params := domain.SctpStreamParameters{StreamID: t.nextStreamID, Ordered: &ordered}
		if dp.sctp != nil {
			params.Ordered = dp.sctp.Ordered
			params.MaxPacketLifeTime = dp.sctp.MaxPacketLifeTime
			params.MaxRetransmits = dp.sctp.MaxRetransmits
		}
		t.nextStreamID = (t.nextStreamID + 1) % t.numStreams
		sctp = &params
	}

	dc := newDataConsumer(t, dp, sctp, opts)
	dp.consumers[dc.id] = dc
	t.dataConsumers[dc.id] = dc
	return dc, nil
}

// WebRtcTransport is a transport reached by a remote WebRTC endpoint.
type WebRtcTransport struct {
	*transport

	candidates []domain.IceCandidate
	dtls       domain.DtlsParameters
	sctp       *domain.SctpParameters

	// guarded by router.mu
	ice                domain.IceParameters
	dtlsState          string
	remoteDtls         *domain.DtlsParameters
	maxIncomingBitrate uint32
}

func (t *WebRtcTransport) IceParameters() domain.IceParameters {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	return t.ice
}

func (t *WebRtcTransport) IceCandidates() []domain.IceCandidate { return t.candidates }

func (t *WebRtcTransport) DtlsParameters() domain.DtlsParameters { return t.dtls }

func (t *WebRtcTransport) SctpParameters() *domain.SctpParameters { return t.sctp }

// DtlsState returns the current DTLS state name ("new", "connecting",
// "connected", ...).
func (t *WebRtcTransport) DtlsState() string {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	return t.dtlsState
}

func (t *WebRtcTransport) MaxIncomingBitrate() uint32 {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	return t.maxIncomingBitrate
}

// Connect provides the remote DTLS parameters. It can only be called once.
func (t *WebRtcTransport) Connect(ctx context.Context, dtlsParameters domain.DtlsParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dtlsParameters.Fingerprints) == 0 {
		return fmt.Errorf("%w: missing DTLS fingerprints", domain.ErrInvalidParameters)
	}

	r := t.router
	var d dispatch
	r.mu.Lock()
	if t.closed {
		r.mu.Unlock()
		return domain.ErrTransportClosed
	}
	if t.remoteDtls != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: connect() already called", domain.ErrInvalidParameters)
	}
	remote := dtlsParameters
	t.remoteDtls = &remote

	for _, state := range []webrtc.DTLSTransportState{webrtc.DTLSTransportStateConnecting, webrtc.DTLSTransportStateConnected} {
		t.dtlsState = state.String()
		d.push(t.events.emitter(ports.TransportEvent{Kind: ports.TransportDtlsStateChanged, State: t.dtlsState}))
	}
	r.mu.Unlock()

	d.run()
	return nil
}

// RestartIce rotates the local ICE credentials.
func (t *WebRtcTransport) RestartIce(ctx context.Context) (domain.IceParameters, error) {
	if err := ctx.Err(); err != nil {
		return domain.IceParameters{}, err
	}
	r := t.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.closed {
		return domain.IceParameters{}, domain.ErrTransportClosed
	}
	t.ice = r.engine.newIceParameters()
	return t.ice, nil
}

func (t *WebRtcTransport) SetMaxIncomingBitrate(ctx context.Context, bitrate uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := t.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.closed {
		return domain.ErrTransportClosed
	}
	t.maxIncomingBitrate = bitrate
	return nil
}

func (t *WebRtcTransport) Observe(fn func(ports.TransportEvent)) (cancel func()) {
	return t.events.add(fn)
}

// DirectTransport carries data messages between the application and the
// router without any network endpoint.
type DirectTransport struct {
	*transport
}
