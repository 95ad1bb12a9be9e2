package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"

	"github.com/google/uuid"
)

const minAudioLevelInterval = 250 * time.Millisecond

// Router groups transports that exchange media. One mutex per router guards
// the state of every object below it.
type Router struct {
	id     string
	engine *Engine
	caps   domain.RtpCapabilities

	mu             sync.Mutex
	closed         bool
	transports     map[string]*transport
	producers      map[string]*Producer
	dataProducers  map[string]*DataProducer
	audioObservers map[string]*AudioLevelObserver
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// CanConsume reports whether an endpoint with the given capabilities can
// receive the producer.
func (r *Router) CanConsume(producerID string, rtpCapabilities domain.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return canConsumeParameters(p.rtpParameters, rtpCapabilities)
}

// Producer looks up a live producer by id.
func (r *Router) Producer(id string) (*Producer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

// DataProducer looks up a live data producer by id.
func (r *Router) DataProducer(id string) (*DataProducer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dp, ok := r.dataProducers[id]
	return dp, ok
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts ports.WebRtcTransportOptions) (ports.WebRtcTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !opts.EnableUDP && !opts.EnableTCP {
		return nil, fmt.Errorf("%w: neither UDP nor TCP enabled", domain.ErrInvalidParameters)
	}

	port, err := r.engine.ports.allocate()
	if err != nil {
		return nil, err
	}

	t := newTransport(r, opts.AppData, false)
	t.events = &observerList[ports.TransportEvent]{}
	t.release = func() { r.engine.ports.release(port) }

	wt := &WebRtcTransport{
		transport:  t,
		candidates: r.engine.iceCandidates(port, opts),
		dtls: domain.DtlsParameters{
			Role:         domain.DtlsRoleAuto,
			Fingerprints: r.engine.fingerprints,
		},
		ice:       r.engine.newIceParameters(),
		dtlsState: "new",
	}

	if opts.EnableSctp {
		maxMessageSize := opts.MaxSctpMessageSize
		if maxMessageSize == 0 {
			maxMessageSize = r.engine.config.MaxSctpMessageSize
		}
		numStreams := opts.NumSctpStreams
		if numStreams.OS == 0 {
			numStreams.OS = defaultNumSctpStreams
		}
		if numStreams.MIS == 0 {
			numStreams.MIS = defaultNumSctpStreams
		}
		wt.sctp = &domain.SctpParameters{
			Port:           sctpPort,
			OS:             numStreams.OS,
			MIS:            numStreams.MIS,
			MaxMessageSize: maxMessageSize,
		}
		t.sctpEnabled = true
		t.maxMessageSize = maxMessageSize
		t.numStreams = numStreams.OS
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.engine.ports.release(port)
		return nil, domain.ErrRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	return wt, nil
}

func (r *Router) CreateDirectTransport(ctx context.Context, opts ports.DirectTransportOptions) (ports.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := newTransport(r, opts.AppData, true)
	t.maxMessageSize = opts.MaxMessageSize
	if t.maxMessageSize == 0 {
		t.maxMessageSize = defaultMaxSctpMessageSize
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrRouterClosed
	}
	r.transports[t.id] = t
	return &DirectTransport{transport: t}, nil
}

func (r *Router) CreateAudioLevelObserver(ctx context.Context, opts ports.AudioLevelObserverOptions) (ports.AudioLevelObserver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.MaxEntries < 1 {
		return nil, fmt.Errorf("%w: maxEntries must be >= 1", domain.ErrInvalidParameters)
	}
	if opts.Threshold < -127 || opts.Threshold > 0 {
		return nil, fmt.Errorf("%w: threshold must be within [-127, 0]", domain.ErrInvalidParameters)
	}
	if opts.Interval < minAudioLevelInterval {
		return nil, fmt.Errorf("%w: interval must be >= %s", domain.ErrInvalidParameters, minAudioLevelInterval)
	}

	o := &AudioLevelObserver{
		id:         uuid.NewString(),
		router:     r,
		maxEntries: opts.MaxEntries,
		threshold:  opts.Threshold,
		interval:   opts.Interval,
		stop:       make(chan struct{}),
		silent:     true,
		producers:  make(map[string]*Producer),
		levels:     make(map[string][]int),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrRouterClosed
	}
	r.audioObservers[o.id] = o
	r.mu.Unlock()

	go o.run()
	return o, nil
}

// Close closes every transport and observer of the router. Transports
// report routerclose, their handles report transportclose.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true

	var d dispatch
	for _, t := range r.transports {
		r.closeTransportLocked(t, &d, true)
	}
	for _, o := range r.audioObservers {
		r.closeAudioObserverLocked(o, &d)
	}
	r.mu.Unlock()

	r.engine.forget(r.id)
	r.engine.logger.Debugw("Router closed", "router_id", r.id)
	d.run()
}

func (r *Router) closeTransportLocked(t *transport, d *dispatch, routerClosed bool) {
	if t.closed {
		return
	}
	t.closed = true
	delete(r.transports, t.id)

	if routerClosed && t.events != nil {
		d.push(t.events.emitter(ports.TransportEvent{Kind: ports.TransportRouterClosed}))
	}
	for _, p := range t.producers {
		r.closeProducerLocked(p, d, true)
	}
	for _, c := range t.consumers {
		r.closeConsumerLocked(c, d, &ports.ConsumerEvent{Kind: ports.ConsumerTransportClosed})
	}
	for _, dp := range t.dataProducers {
		r.closeDataProducerLocked(dp, d, true)
	}
	for _, dc := range t.dataConsumers {
		r.closeDataConsumerLocked(dc, d, &ports.DataConsumerEvent{Kind: ports.DataConsumerTransportClosed})
	}
	if t.release != nil {
		t.release()
	}
	if t.events != nil {
		d.push(t.events.clear)
	}
}

func (r *Router) closeProducerLocked(p *Producer, d *dispatch, transportClosed bool) {
	if p.closed {
		return
	}
	p.closed = true
	delete(r.producers, p.id)
	delete(p.transport.producers, p.id)

	for _, o := range r.audioObservers {
		o.removeLocked(p.id)
	}
	for _, c := range p.consumers {
		r.closeConsumerLocked(c, d, &ports.ConsumerEvent{Kind: ports.ConsumerProducerClosed})
	}
	if transportClosed {
		d.push(p.events.emitter(ports.ProducerEvent{Kind: ports.ProducerTransportClosed}))
	}
	d.push(p.events.clear)
}

func (r *Router) closeConsumerLocked(c *Consumer, d *dispatch, ev *ports.ConsumerEvent) {
	if c.closed {
		return
	}
	c.closed = true
	delete(c.transport.consumers, c.id)
	delete(c.producer.consumers, c.id)

	if ev != nil {
		d.push(c.events.emitter(*ev))
	}
	d.push(c.events.clear)
}

func (r *Router) closeDataProducerLocked(dp *DataProducer, d *dispatch, transportClosed bool) {
	if dp.closed {
		return
	}
	dp.closed = true
	delete(r.dataProducers, dp.id)
	delete(dp.transport.dataProducers, dp.id)

	for _, dc := range dp.consumers {
		r.closeDataConsumerLocked(dc, d, &ports.DataConsumerEvent{Kind: ports.DataConsumerDataProducerClosed})
	}
	if transportClosed {
		d.push(dp.events.emitter(ports.DataProducerEvent{Kind: ports.DataProducerTransportClosed}))
	}
	d.push(dp.events.clear)
}

func (r *Router) closeDataConsumerLocked(dc *DataConsumer, d *dispatch, ev *ports.DataConsumerEvent) {
	if dc.closed {
		return
	}
	dc.closed = true
	delete(dc.transport.dataConsumers, dc.id)
	delete(dc.dataProducer.consumers, dc.id)

	if ev != nil {
		d.push(dc.events.emitter(*ev))
	}
	d.push(dc.events.clear)
}

func (r *Router) closeAudioObserverLocked(o *AudioLevelObserver, d *dispatch) {
	if o.closed {
		return
	}
	o.closed = true
	o.stopOnce.Do(func() { close(o.stop) })
	delete(r.audioObservers, o.id)
	d.push(o.events.clear)
}
