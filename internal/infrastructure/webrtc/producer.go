package webrtc

import (
	"context"
	"fmt"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	producerTypeSimple    = "simple"
	producerTypeSimulcast = "simulcast"
	producerTypeSVC       = "svc"

	// score reported for an encoding once media flows through it
	flowingScore = 10
)

type Producer struct {
	id           string
	kind         domain.MediaKind
	typ          string
	appData      domain.AppData
	router       *Router
	transport    *transport
	audioLevelID uint8
	events       observerList[ports.ProducerEvent]

	// guarded by router.mu
	rtpParameters domain.RtpParameters
	paused        bool
	closed        bool
	scores        []domain.ProducerScore
	consumers     map[string]*Consumer
	rtcpSink      func(rtcp.Packet)
	packets       uint64
}

func newProducer(t *transport, opts ports.ProducerOptions) *Producer {
	params := opts.RtpParameters
	params.Encodings = append([]domain.RtpEncodingParameters(nil), params.Encodings...)
	if len(params.Encodings) == 0 {
		params.Encodings = []domain.RtpEncodingParameters{{}}
	}

	typ := producerTypeSimple
	switch {
	case len(params.Encodings) > 1:
		typ = producerTypeSimulcast
	default:
		if spatial, _ := parseScalabilityMode(params.Encodings[0].ScalabilityMode); spatial > 1 {
			typ = producerTypeSVC
		}
	}

	scores := make([]domain.ProducerScore, len(params.Encodings))
	for i, enc := range params.Encodings {
		scores[i] = domain.ProducerScore{EncodingIdx: i, Ssrc: enc.Ssrc, Rid: enc.Rid}
	}

	appData := opts.AppData
	if appData == nil {
		appData = domain.AppData{}
	}

	p := &Producer{
		id:            uuid.NewString(),
		kind:          opts.Kind,
		typ:           typ,
		appData:       appData,
		router:        t.router,
		transport:     t,
		rtpParameters: params,
		paused:        opts.Paused,
		scores:        scores,
		consumers:     make(map[string]*Consumer),
	}
	if opts.Kind == domain.MediaKindAudio {
		p.audioLevelID, _ = headerExtensionID(params, audioLevelURI)
	}
	return p
}

func (p *Producer) ID() string { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) Type() string { return p.typ }
func (p *Producer) AppData() domain.AppData { return p.appData }

// PacketsReceived returns the number of RTP packets accepted for forwarding.
func (p *Producer) PacketsReceived() uint64 {
	p.router.mu.Lock()
	defer p.router.mu.Unlock()
	return p.packets
}

func (p *Producer) RtpParameters() domain.RtpParameters {
	p.router.mu.Lock()
	defer p.router.mu.Unlock()
	params := p.rtpParameters
	params.Encodings = append([]domain.RtpEncodingParameters(nil), p.rtpParameters.Encodings...)
	return params
}

func (p *Producer) Paused() bool {
	p.router.mu.Lock()
	defer p.router.mu.Unlock()
	return p.paused
}

func (p *Producer) Closed() bool {
	p.router.mu.Lock()
	defer p.router.mu.Unlock()
	return p.closed
}

func (p *Producer) Score() []domain.ProducerScore {
	p.router.mu.Lock()
	defer p.router.mu.Unlock()
	return p.scoresLocked()
}

func (p *Producer) scoresLocked() []domain.ProducerScore {
	return append([]domain.ProducerScore(nil), p.scores...)
}

// Pause stops forwarding to every consumer; they report producerpause.
func (p *Producer) Pause(ctx context.Context) error {
	return p.setPaused(ctx, true)
}

// Resume restarts forwarding; consumers report producerresume.
func (p *Producer) Resume(ctx context.Context) error {
	return p.setPaused(ctx, false)
}

func (p *Producer) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := p.router
	var d dispatch

	r.mu.Lock()
	if p.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, p.id)
	}
	if p.paused == paused {
		r.mu.Unlock()
		return nil
	}
	p.paused = paused

	kind := ports.ConsumerProducerResumed
	if paused {
		kind = ports.ConsumerProducerPaused
	}
	for _, c := range p.consumers {
		c.producerPaused = paused
		d.push(c.events.emitter(ports.ConsumerEvent{Kind: kind}))
		c.updateLayersLocked(&d)
	}
	r.mu.Unlock()

	d.run()
	return nil
}

// Close closes the producer; its consumers report producerclose.
func (p *Producer) Close() {
	r := p.router
	var d dispatch
	r.mu.Lock()
	r.closeProducerLocked(p, &d, false)
	r.mu.Unlock()
	d.run()
}

func (p *Producer) Observe(fn func(ports.ProducerEvent)) (cancel func()) {
	return p.events.add(fn)
}

// OnRTCP sets the sink receiving RTCP feedback addressed to the producing
// endpoint, such as keyframe requests.
func (p *Producer) OnRTCP(fn func(rtcp.Packet)) {
	p.router.mu.Lock()
	p.rtcpSink = fn
	p.router.mu.Unlock()
}

// WriteRTP feeds a packet received from the producing endpoint. The packet
// is forwarded to every active consumer and its audio level, if any, is
// recorded by the observers watching this producer.
func (p *Producer) WriteRTP(pkt *rtp.Packet) error {
	r := p.router
	var d dispatch

	r.mu.Lock()
	if p.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrProducerNotFound, p.id)
	}
	if p.paused {
		r.mu.Unlock()
		return nil
	}
	idx := p.encodingIndexLocked(pkt.SSRC)
	if idx < 0 {
		r.mu.Unlock()
		return nil
	}
	p.packets++

	if p.scores[idx].Score != flowingScore {
		p.scores[idx].Score = flowingScore
		d.push(p.events.emitter(ports.ProducerEvent{Kind: ports.ProducerScoreChanged, Score: p.scoresLocked()}))
		for _, c := range p.consumers {
			d.push(c.events.emitter(ports.ConsumerEvent{Kind: ports.ConsumerScoreChanged, Score: c.scoreLocked()}))
		}
	}

	if p.audioLevelID != 0 {
		if raw := pkt.Header.GetExtension(p.audioLevelID); raw != nil {
			var ext rtp.AudioLevelExtension
			if err := ext.Unmarshal(raw); err == nil {
				for _, o := range r.audioObservers {
					o.recordLocked(p.id, -int(ext.Level))
				}
			}
		}
	}

	for _, c := range p.consumers {
		if !c.activeLocked() {
			continue
		}
		if c.typ == producerTypeSimulcast && (c.current == nil || c.current.SpatialLayer != idx) {
			continue
		}
		out := *pkt
		out.Header.SSRC = c.ssrc
		out.Header.PayloadType = c.payloadType
		c.packets++
		if sink := c.rtpSink; sink != nil {
			d.push(func() { sink(&out) })
		}
	}
	r.mu.Unlock()

	d.run()
	return nil
}

// encodingIndexLocked maps an incoming SSRC to an encoding. Encodings
// signalled without an SSRC (rid based) learn it from their first packet.
// Retransmissions are not forwarded.
func (p *Producer) encodingIndexLocked(ssrc uint32) int {
	encodings := p.rtpParameters.Encodings
	for i, enc := range encodings {
		if enc.Ssrc == ssrc {
			return i
		}
		if enc.Rtx != nil && enc.Rtx.Ssrc == ssrc {
			return -1
		}
	}
	for i, enc := range encodings {
		if enc.Ssrc == 0 {
			encodings[i].Ssrc = ssrc
			p.scores[i].Ssrc = ssrc
			return i
		}
	}
	return -1
}

func (p *Producer) sendRTCPLocked(d *dispatch, pkt rtcp.Packet) {
	if sink := p.rtcpSink; sink != nil {
		d.push(func() { sink(pkt) })
	}
}

func (p *Producer) encodingSsrcLocked(idx int) uint32 {
	if idx < 0 || idx >= len(p.rtpParameters.Encodings) {
		idx = 0
	}
	return p.rtpParameters.Encodings[idx].Ssrc
}
