package services

import (
	"sync"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
)

// Peer is one participant of a Room. All fields are guarded by the owning
// Room's mutex, which the peer shares through mu.
type Peer struct {
	id   domain.PeerID
	conn ports.SignalPeer
	mu   *sync.Mutex

	joined           bool
	closed           bool
	role             domain.Role
	displayName      string
	device           *domain.DeviceInfo
	rtpCapabilities  *domain.RtpCapabilities
	sctpCapabilities *domain.SctpCapabilities

	transports    map[string]ports.WebRtcTransport
	producers     map[string]ports.Producer
	consumers     map[string]ports.Consumer
	dataProducers map[string]ports.DataProducer
	dataConsumers map[string]ports.DataConsumer

	// subscriptions holds the event subscription of every live resource,
	// keyed by resource id.
	subscriptions map[string]func()
}

func newPeer(conn ports.SignalPeer, mu *sync.Mutex) *Peer {
	return &Peer{
		id:            conn.ID(),
		conn:          conn,
		mu:            mu,
		transports:    make(map[string]ports.WebRtcTransport),
		producers:     make(map[string]ports.Producer),
		consumers:     make(map[string]ports.Consumer),
		dataProducers: make(map[string]ports.DataProducer),
		dataConsumers: make(map[string]ports.DataConsumer),
		subscriptions: make(map[string]func()),
	}
}

func (p *Peer) ID() domain.PeerID {
	return p.id
}

func (p *Peer) DisplayName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.displayName
}

func (p *Peer) Joined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

func (p *Peer) Role() domain.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Snapshot copies the peer's public state and resource counts.
func (p *Peer) Snapshot() domain.PeerSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Peer) snapshotLocked() domain.PeerSnapshot {
	return domain.PeerSnapshot{
		ID:            p.id,
		DisplayName:   p.displayName,
		Role:          p.role,
		Joined:        p.joined,
		Device:        p.device,
		Transports:    len(p.transports),
		Producers:     len(p.producers),
		Consumers:     len(p.consumers),
		DataProducers: len(p.dataProducers),
		DataConsumers: len(p.dataConsumers),
	}
}

func (p *Peer) infoLocked() domain.PeerInfo {
	return domain.PeerInfo{
		ID:          p.id,
		DisplayName: p.displayName,
		Device:      p.device,
	}
}

// consumingTransportLocked returns the transport the client created for
// receiving media, or nil.
func (p *Peer) consumingTransportLocked() ports.WebRtcTransport {
	for _, t := range p.transports {
		if t.AppData().Bool("consuming") {
			return t
		}
	}
	return nil
}

func (p *Peer) transportsLocked() []ports.WebRtcTransport {
	out := make([]ports.WebRtcTransport, 0, len(p.transports))
	for _, t := range p.transports {
		out = append(out, t)
	}
	return out
}

func (p *Peer) takeSubscriptionsLocked() []func() {
	subs := make([]func(), 0, len(p.subscriptions))
	for _, cancel := range p.subscriptions {
		subs = append(subs, cancel)
	}
	p.subscriptions = make(map[string]func())
	return subs
}

// takeSubscriptionLocked removes the subscription of resource id. The
// returned func revokes it and is a no-op when none was held.
func (p *Peer) takeSubscriptionLocked(id string) func() {
	cancel, ok := p.subscriptions[id]
	if !ok {
		return func() {}
	}
	delete(p.subscriptions, id)
	return cancel
}
