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

type Consumer struct {
	id             string
	kind           domain.MediaKind
	typ            string
	rtpParameters  domain.RtpParameters
	appData        domain.AppData
	ssrc           uint32
	payloadType    uint8
	spatialLayers  int
	temporalLayers int
	router         *Router
	transport      *transport
	producer       *Producer
	events         observerList[ports.ConsumerEvent]

	// guarded by router.mu
	paused         bool
	producerPaused bool
	closed         bool
	priority       int
	preferred      domain.ConsumerLayers
	current        *domain.ConsumerLayers
	rtpSink        func(*rtp.Packet)
	packets        uint64
}

// newConsumer must be called with router.mu held.
func newConsumer(t *transport, p *Producer, params domain.RtpParameters, opts ports.ConsumerOptions) *Consumer {
	appData := opts.AppData
	if appData == nil {
		appData = domain.AppData{}
	}

	spatial, temporal := 1, 1
	switch p.typ {
	case producerTypeSimulcast:
		spatial = len(p.rtpParameters.Encodings)
		_, temporal = parseScalabilityMode(p.rtpParameters.Encodings[0].ScalabilityMode)
	case producerTypeSVC:
		spatial, temporal = parseScalabilityMode(p.rtpParameters.Encodings[0].ScalabilityMode)
	}

	c := &Consumer{
		id:             uuid.NewString(),
		kind:           p.kind,
		typ:            p.typ,
		rtpParameters:  params,
		appData:        appData,
		ssrc:           params.Encodings[0].Ssrc,
		payloadType:    params.Codecs[0].PayloadType,
		spatialLayers:  spatial,
		temporalLayers: temporal,
		router:         t.router,
		transport:      t,
		producer:       p,
		paused:         opts.Paused,
		producerPaused: p.paused,
		priority:       1,
		preferred:      domain.ConsumerLayers{SpatialLayer: spatial - 1, TemporalLayer: temporal - 1},
	}
	if c.layeredLocked() && c.activeLocked() {
		layers := c.preferred
		c.current = &layers
	}
	return c
}

func (c *Consumer) ID() string { return c.id }
func (c *Consumer) ProducerID() string { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind { return c.kind }
func (c *Consumer) Type() string { return c.typ }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.rtpParameters }
func (c *Consumer) AppData() domain.AppData { return c.appData }

func (c *Consumer) Paused() bool {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	return c.paused
}

func (c *Consumer) ProducerPaused() bool {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	return c.producerPaused
}

func (c *Consumer) Closed() bool {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	return c.closed
}

func (c *Consumer) Priority() int {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	return c.priority
}

func (c *Consumer) Score() domain.ConsumerScore {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	return c.scoreLocked()
}

func (c *Consumer) CurrentLayers() *domain.ConsumerLayers {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	if c.current == nil {
		return nil
	}
	layers := *c.current
	return &layers
}

// PacketsSent returns the number of RTP packets forwarded to this consumer.
func (c *Consumer) PacketsSent() uint64 {
	c.router.mu.Lock()
	defer c.router.mu.Unlock()
	return c.packets
}

// OnRTP sets the sink receiving forwarded RTP packets.
func (c *Consumer) OnRTP(fn func(*rtp.Packet)) {
	c.router.mu.Lock()
	c.rtpSink = fn
	c.router.mu.Unlock()
}

func (c *Consumer) Pause(ctx context.Context) error {
	return c.setPaused(ctx, true)
}

// Resume starts forwarding and reports the current score.
func (c *Consumer) Resume(ctx context.Context) error {
	return c.setPaused(ctx, false)
}

func (c *Consumer) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := c.router
	var d dispatch

	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return fmt.Errorf("consumer %s closed", c.id)
	}
	if c.paused == paused {
		r.mu.Unlock()
		return nil
	}
	c.paused = paused
	c.updateLayersLocked(&d)
	if c.activeLocked() {
		d.push(c.events.emitter(ports.ConsumerEvent{Kind: ports.ConsumerScoreChanged, Score: c.scoreLocked()}))
	}
	r.mu.Unlock()

	d.run()
	return nil
}

// SetPreferredLayers selects the spatial and temporal layer to forward.
// Values above the available layers are clamped. Simple consumers ignore it.
func (c *Consumer) SetPreferredLayers(ctx context.Context, layers domain.ConsumerLayers) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if layers.SpatialLayer < 0 || layers.TemporalLayer < 0 {
		return fmt.Errorf("%w: negative layer", domain.ErrInvalidParameters)
	}
	r := c.router
	var d dispatch

	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return fmt.Errorf("consumer %s closed", c.id)
	}
	if c.layeredLocked() {
		c.preferred = domain.ConsumerLayers{
			SpatialLayer:  min(layers.SpatialLayer, c.spatialLayers-1),
			TemporalLayer: min(layers.TemporalLayer, c.temporalLayers-1),
		}
		c.updateLayersLocked(&d)
	}
	r.mu.Unlock()

	d.run()
	return nil
}

func (c *Consumer) SetPriority(ctx context.Context, priority int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if priority < 1 || priority > 255 {
		return fmt.Errorf("%w: priority must be within [1, 255]", domain.ErrInvalidParameters)
	}
	r := c.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.closed {
		return fmt.Errorf("consumer %s closed", c.id)
	}
	c.priority = priority
	return nil
}

// RequestKeyFrame asks the producing endpoint for a keyframe with an RTCP
// PLI. Audio consumers ignore it.
func (c *Consumer) RequestKeyFrame(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := c.router
	var d dispatch

	r.mu.Lock()
	if c.closed {
		r.mu.Unlock()
		return fmt.Errorf("consumer %s closed", c.id)
	}
	if c.kind == domain.MediaKindVideo {
		idx := 0
		if c.current != nil {
			idx = c.current.SpatialLayer
		}
		c.producer.sendRTCPLocked(&d, &rtcp.PictureLossIndication{
			SenderSSRC: c.ssrc,
			MediaSSRC:  c.producer.encodingSsrcLocked(idx),
		})
	}
	r.mu.Unlock()

	d.run()
	return nil
}

func (c *Consumer) Close() {
	r := c.router
	var d dispatch
	r.mu.Lock()
	r.closeConsumerLocked(c, &d, nil)
	r.mu.Unlock()
	d.run()
}

func (c *Consumer) Observe(fn func(ports.ConsumerEvent)) (cancel func()) {
	return c.events.add(fn)
}

func (c *Consumer) activeLocked() bool {
	return !c.closed && !c.paused && !c.producerPaused
}

func (c *Consumer) layeredLocked() bool {
	return c.typ != producerTypeSimple
}

// updateLayersLocked recomputes the forwarded layers and reports a change.
func (c *Consumer) updateLayersLocked(d *dispatch) {
	if !c.layeredLocked() {
		return
	}
	var next *domain.ConsumerLayers
	if c.activeLocked() {
		layers := c.preferred
		next = &layers
	}
	if sameLayers(c.current, next) {
		return
	}
	c.current = next

	ev := ports.ConsumerEvent{Kind: ports.ConsumerLayersChanged}
	if next != nil {
		layers := *next
		ev.Layers = &layers
	}
	d.push(c.events.emitter(ev))
}

func (c *Consumer) scoreLocked() domain.ConsumerScore {
	scores := make([]int, len(c.producer.scores))
	for i, s := range c.producer.scores {
		scores[i] = s.Score
	}
	idx := 0
	if c.typ == producerTypeSimulcast && c.current != nil && c.current.SpatialLayer < len(scores) {
		idx = c.current.SpatialLayer
	}
	producerScore := 0
	if idx < len(scores) {
		producerScore = scores[idx]
	}
	return domain.ConsumerScore{
		Score:          producerScore,
		ProducerScore:  producerScore,
		ProducerScores: scores,
	}
}

func sameLayers(a, b *domain.ConsumerLayers) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
