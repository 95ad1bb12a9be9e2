package services

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
	apperrors "pepehouse/pkg/errors"
	"pepehouse/pkg/logger"
)

// RoomOptions holds the media settings applied to every room.
type RoomOptions struct {
	Codecs                          []domain.RtpCodecCapability
	InitialAvailableOutgoingBitrate uint32
	MaxIncomingBitrate              uint32
	MaxSctpMessageSize              uint32
	AudioLevelObserver              ports.AudioLevelObserverOptions
	BotMaxMessageSize               uint32
}

type roomDeps struct {
	directory ports.RoomDirectory
	events    ports.RoomEventPublisher
	metrics   ports.RoomMetrics
	logger    *zap.SugaredLogger
}

// Room is one conference: a router, the peers connected to it and the bot.
// A single mutex guards the peer set and every Peer's state; it is never held
// while calling the media engine or a signaling connection.
type Room struct {
	id        domain.RoomID
	router    ports.Router
	observer  ports.AudioLevelObserver
	bot       *RelayBot
	options   RoomOptions
	directory ports.RoomDirectory
	events    ports.RoomEventPublisher
	metrics   ports.RoomMetrics
	logger    *zap.SugaredLogger
	createdAt time.Time

	// ctx outlives single requests and is used for fan-out work.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	closed        bool
	peers         map[domain.PeerID]*Peer
	closeHandlers []func()
	released      chan struct{}

	observerCancel func()
}

func newRoom(
	id domain.RoomID,
	router ports.Router,
	observer ports.AudioLevelObserver,
	bot *RelayBot,
	options RoomOptions,
	deps roomDeps,
) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:        id,
		router:    router,
		observer:  observer,
		bot:       bot,
		options:   options,
		directory: deps.directory,
		events:    deps.events,
		metrics:   deps.metrics,
		logger:    deps.logger.With("room_id", id),
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[domain.PeerID]*Peer),
		released:  make(chan struct{}),
	}
	r.observerCancel = observer.Observe(r.handleAudioLevel)
	return r
}

func (r *Room) ID() domain.RoomID {
	return r.id
}

func (r *Room) CreatedAt() time.Time {
	return r.createdAt
}

func (r *Room) RtpCapabilities() domain.RtpCapabilities {
	return r.router.RtpCapabilities()
}

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Peers lists the connected peers ordered by id.
func (r *Room) Peers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })
	return peers
}

func (r *Room) Peer(id domain.PeerID) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	return p, ok
}

func (r *Room) Snapshot() domain.RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := domain.RoomSnapshot{
		ID:        r.id,
		CreatedAt: r.createdAt,
		Closed:    r.closed,
		Peers:     make([]domain.PeerSnapshot, 0, len(r.peers)),
	}
	for _, p := range r.peers {
		snap.Peers = append(snap.Peers, p.snapshotLocked())
	}
	sort.Slice(snap.Peers, func(i, j int) bool { return snap.Peers[i].ID < snap.Peers[j].ID })
	return snap
}

// OnClose registers fn to run once the room has been torn down. If the room
// is already closed fn runs immediately.
func (r *Room) OnClose(fn func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		go func() {
			<-r.released
			fn()
		}()
		return
	}
	r.closeHandlers = append(r.closeHandlers, fn)
	r.mu.Unlock()
}

// HandleConnection registers a signaling connection as a new, not yet joined
// peer. An existing peer with the same id is replaced and closed.
func (r *Room) HandleConnection(conn ports.SignalPeer) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return apperrors.NewRoomClosedError()
	}
	peer := newPeer(conn, &r.mu)
	stale := r.peers[peer.id]
	r.peers[peer.id] = peer
	r.mu.Unlock()

	if stale != nil {
		r.logger.Infow("Closing existing peer with same id", "peer_id", peer.id)
		stale.conn.Close()
	}

	conn.OnRequest(func(ctx context.Context, req ports.SignalRequest) (interface{}, error) {
		return r.handleRequest(ctx, peer, req)
	})
	// A conn that is already closed fires its handler while it is being
	// registered, possibly under the registry lock. That teardown runs on
	// its own goroutine.
	var registered atomic.Bool
	conn.OnClose(func() {
		if !registered.Load() {
			go r.handlePeerClose(peer)
			return
		}
		r.handlePeerClose(peer)
	})
	registered.Store(true)

	r.metrics.PeerConnected()
	r.logger.Infow("Peer connected", "peer_id", peer.id)
	return nil
}

func (r *Room) handleRequest(ctx context.Context, peer *Peer, req ports.SignalRequest) (interface{}, error) {
	start := time.Now()
	log := logger.FromContext(ctx, r.logger).With("peer_id", peer.id, "method", req.Method)

	resp, err := r.dispatchRequest(ctx, peer, req)

	status := "ok"
	if err != nil {
		status = "error"
		if appErr := apperrors.GetAppError(err); appErr != nil {
			status = string(appErr.Code)
		}
		log.Debugw("Request rejected", "error", err)
	}
	r.metrics.SignalRequestHandled(req.Method, status, time.Since(start))
	return resp, err
}

func (r *Room) dispatchRequest(ctx context.Context, peer *Peer, req ports.SignalRequest) (interface{}, error) {
	handler, ok := requestHandlers[req.Method]
	if !ok {
		return nil, apperrors.NewUnknownMethodError(req.Method)
	}

	r.mu.Lock()
	closed := r.closed || peer.closed
	joined := peer.joined
	r.mu.Unlock()

	if closed {
		return nil, apperrors.NewRoomClosedError()
	}
	if !joined && !preJoinMethods[req.Method] {
		return nil, apperrors.NewNotJoinedError()
	}
	return handler(r, ctx, peer, req.Data)
}

// handlePeerClose releases everything a peer owns. The cascade from closing
// its transports notifies the other peers about their vanished consumers.
func (r *Room) handlePeerClose(peer *Peer) {
	r.mu.Lock()
	if r.closed || peer.closed {
		r.mu.Unlock()
		return
	}
	peer.closed = true
	if r.peers[peer.id] == peer {
		delete(r.peers, peer.id)
	}
	joined := peer.joined
	role := peer.role
	displayName := peer.displayName
	others := r.joinedPeersLocked(peer)
	transports := peer.transportsLocked()
	lastPeer := len(r.peers) == 0
	if lastPeer {
		r.closed = true
	}
	r.mu.Unlock()

	r.logger.Infow("Peer closed", "peer_id", peer.id, "joined", joined)

	if joined {
		for _, other := range others {
			r.notify(other, "peerClosed", peerClosedNotification{
				PeerID:      peer.id,
				DisplayName: displayName,
			})
		}
		r.metrics.PeerLeft(role)
		if err := r.events.PublishPeerLeft(r.ctx, r.id, peer.id); err != nil {
			r.logger.Warnw("Failed to publish peer left", "peer_id", peer.id, "error", err)
		}
	}

	for _, t := range transports {
		t.Close()
	}

	r.mu.Lock()
	subs := peer.takeSubscriptionsLocked()
	r.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
	r.metrics.PeerDisconnected()

	if lastPeer {
		r.logger.Infow("Last peer left, closing room")
		r.teardown()
	}
}

// Close shuts the room down: remaining peers are disconnected and the
// router, observer and bot are released. Safe to call more than once.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.teardown()
}

func (r *Room) teardown() {
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		p.closed = true
		peers = append(peers, p)
	}
	r.peers = make(map[domain.PeerID]*Peer)
	handlers := r.closeHandlers
	r.closeHandlers = nil
	r.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
		r.mu.Lock()
		subs := p.takeSubscriptionsLocked()
		joined, role := p.joined, p.role
		r.mu.Unlock()
		for _, cancel := range subs {
			cancel()
		}
		if joined {
			r.metrics.PeerLeft(role)
		}
		r.metrics.PeerDisconnected()
	}

	r.observerCancel()
	r.observer.Close()
	r.bot.Close()
	r.router.Close()
	r.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.directory.Release(ctx, r.id); err != nil {
		r.logger.Warnw("Failed to release room", "error", err)
	}
	close(r.released)

	if err := r.events.PublishRoomClosed(ctx, r.id); err != nil {
		r.logger.Warnw("Failed to publish room closed", "error", err)
	}
	r.metrics.RoomClosed()
	r.logger.Infow("Room closed")

	for _, fn := range handlers {
		fn()
	}
}

// waitReleased blocks until a closing room has given up its directory claim.
func (r *Room) waitReleased(ctx context.Context) error {
	select {
	case <-r.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) joinedPeersLocked(exclude *Peer) []*Peer {
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.joined && p != exclude {
			peers = append(peers, p)
		}
	}
	return peers
}

func (r *Room) joinedPeers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinedPeersLocked(nil)
}

// notify sends a best-effort notification; failures are only counted.
func (r *Room) notify(peer *Peer, method string, data interface{}) {
	if err := peer.conn.Notify(method, data); err != nil {
		r.metrics.NotificationDropped(method)
		r.logger.Debugw("Notification dropped",
			"peer_id", peer.id,
			"method", method,
			"error", err,
		)
	}
}

func (r *Room) addSubscriptionLocked(peer *Peer, id string, cancel func()) {
	peer.subscriptions[id] = cancel
}

func (r *Room) handleAudioLevel(ev ports.AudioLevelEvent) {
	var msg activeSpeakerNotification
	switch ev.Kind {
	case ports.AudioLevelVolumes:
		if len(ev.Volumes) == 0 {
			return
		}
		loudest := ev.Volumes[0]
		peerID := domain.PeerID(loudest.Producer.AppData().String("peerId"))
		volume := loudest.Volume
		msg = activeSpeakerNotification{PeerID: &peerID, Volume: &volume}
	case ports.AudioLevelSilence:
		msg = activeSpeakerNotification{}
	default:
		return
	}

	for _, p := range r.joinedPeers() {
		r.notify(p, "activeSpeaker", msg)
	}
}
