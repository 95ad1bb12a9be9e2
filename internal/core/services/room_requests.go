package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
	apperrors "pepehouse/pkg/errors"
	"pepehouse/pkg/utils"
	"pepehouse/pkg/validation"
)

type requestFunc func(r *Room, ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error)

var requestHandlers = map[string]requestFunc{
	"getRouterRtpCapabilities":   (*Room).handleGetRouterRtpCapabilities,
	"createWebRtcTransport":      (*Room).handleCreateWebRtcTransport,
	"join":                       (*Room).handleJoin,
	"connectWebRtcTransport":     (*Room).handleConnectWebRtcTransport,
	"restartIce":                 (*Room).handleRestartIce,
	"produce":                    (*Room).handleProduce,
	"closeProducer":              (*Room).handleCloseProducer,
	"pauseProducer":              (*Room).handlePauseProducer,
	"resumeProducer":             (*Room).handleResumeProducer,
	"pauseConsumer":              (*Room).handlePauseConsumer,
	"resumeConsumer":             (*Room).handleResumeConsumer,
	"setConsumerPreferredLayers": (*Room).handleSetConsumerPreferredLayers,
	"setConsumerPriority":        (*Room).handleSetConsumerPriority,
	"requestConsumerKeyFrame":    (*Room).handleRequestConsumerKeyFrame,
	"produceData":                (*Room).handleProduceData,
	"changeDisplayName":          (*Room).handleChangeDisplayName,
}

// Methods a peer may call before it has joined.
var preJoinMethods = map[string]bool{
	"getRouterRtpCapabilities": true,
	"createWebRtcTransport":    true,
	"join":                     true,
}

func decodeRequest(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid request data: %v", err))
	}
	return nil
}

// engineError maps a media engine failure to the error kind sent to peers.
func engineError(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidParameters),
		errors.Is(err, domain.ErrUnsupportedCodec),
		errors.Is(err, domain.ErrSctpDisabled),
		errors.Is(err, domain.ErrCannotConsume):
		appErr := apperrors.NewInvalidInputError(fmt.Sprintf("%s: %v", op, err))
		appErr.Cause = err
		return appErr
	case errors.Is(err, domain.ErrRouterClosed):
		return apperrors.NewRoomClosedError()
	}
	return apperrors.NewEngineFailureError(op, err)
}

func notFound(kind, id string) error {
	return apperrors.NewNotFoundError(fmt.Sprintf("%s with id %q", kind, id))
}

func (r *Room) handleGetRouterRtpCapabilities(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	return r.router.RtpCapabilities(), nil
}

func (r *Room) handleCreateWebRtcTransport(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req createWebRtcTransportRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}

	opts := ports.WebRtcTransportOptions{
		EnableUDP:                       true,
		EnableTCP:                       true,
		PreferUDP:                       true,
		InitialAvailableOutgoingBitrate: r.options.InitialAvailableOutgoingBitrate,
		EnableSctp:                      req.SctpCapabilities != nil,
		MaxSctpMessageSize:              r.options.MaxSctpMessageSize,
		AppData: domain.AppData{
			"producing": req.Producing,
			"consuming": req.Consuming,
		},
	}
	if req.ForceTcp {
		opts.EnableUDP = false
		opts.PreferUDP = false
	}
	if req.SctpCapabilities != nil {
		opts.NumSctpStreams = req.SctpCapabilities.NumStreams
	}

	transport, err := r.router.CreateWebRtcTransport(ctx, opts)
	if err != nil {
		return nil, engineError("createWebRtcTransport", err)
	}

	id := transport.ID()
	cancel := transport.Observe(func(ev ports.TransportEvent) {
		switch ev.Kind {
		case ports.TransportDtlsStateChanged:
			if ev.State == "failed" || ev.State == "closed" {
				r.logger.Warnw("Transport DTLS state changed",
					"peer_id", peer.id,
					"transport_id", id,
					"state", ev.State,
				)
			}
		case ports.TransportRouterClosed:
			r.mu.Lock()
			delete(peer.transports, id)
			cancel := peer.takeSubscriptionLocked(id)
			r.mu.Unlock()
			cancel()
		}
	})

	r.mu.Lock()
	if peer.closed || transport.Closed() {
		r.mu.Unlock()
		cancel()
		transport.Close()
		return nil, apperrors.NewRoomClosedError()
	}
	peer.transports[id] = transport
	r.addSubscriptionLocked(peer, id, cancel)
	r.mu.Unlock()

	resp := webRtcTransportResponse{
		ID:             id,
		IceParameters:  transport.IceParameters(),
		IceCandidates:  transport.IceCandidates(),
		DtlsParameters: transport.DtlsParameters(),
		SctpParameters: transport.SctpParameters(),
	}

	return ports.AfterReply{Data: resp, Then: func() {
		if r.options.MaxIncomingBitrate == 0 {
			return
		}
		if err := transport.SetMaxIncomingBitrate(r.ctx, r.options.MaxIncomingBitrate); err != nil {
			r.logger.Debugw("Failed to set max incoming bitrate", "transport_id", id, "error", err)
		}
	}}, nil
}

type producerRef struct {
	owner    *Peer
	producer ports.Producer
}

type dataProducerRef struct {
	owner        *Peer
	dataProducer ports.DataProducer
}

func (r *Room) handleJoin(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req joinRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	if !req.Role.Valid() {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("invalid role %q", req.Role))
	}
	req.DisplayName = utils.SanitizeString(req.DisplayName)
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	r.mu.Lock()
	if peer.joined {
		r.mu.Unlock()
		return nil, apperrors.NewAlreadyJoinedError()
	}
	if req.Role == domain.RoleHost {
		for _, other := range r.peers {
			if other != peer && other.joined && other.role == domain.RoleHost {
				r.mu.Unlock()
				return nil, apperrors.NewHostExistsError()
			}
		}
	}

	peer.joined = true
	peer.role = req.Role
	peer.displayName = req.DisplayName
	peer.device = req.Device
	peer.rtpCapabilities = req.RtpCapabilities
	peer.sctpCapabilities = req.SctpCapabilities

	others := r.joinedPeersLocked(peer)
	infos := make([]domain.PeerInfo, 0, len(others))
	var producers []producerRef
	var dataProducers []dataProducerRef
	for _, other := range others {
		infos = append(infos, other.infoLocked())
		for _, p := range other.producers {
			producers = append(producers, producerRef{owner: other, producer: p})
		}
		for _, dp := range other.dataProducers {
			if dp.Label() == BotLabel {
				continue
			}
			dataProducers = append(dataProducers, dataProducerRef{owner: other, dataProducer: dp})
		}
	}
	self := peer.infoLocked()
	r.mu.Unlock()

	r.metrics.PeerJoined(req.Role)
	if err := r.events.PublishPeerJoined(ctx, r.id, peer.id); err != nil {
		r.logger.Warnw("Failed to publish peer joined", "peer_id", peer.id, "error", err)
	}
	r.logger.Infow("Peer joined",
		"peer_id", peer.id,
		"display_name", req.DisplayName,
		"role", req.Role,
	)

	return ports.AfterReply{Data: joinResponse{Peers: infos}, Then: func() {
		for _, ref := range producers {
			go r.createConsumer(peer, ref.owner, ref.producer)
		}
		for _, ref := range dataProducers {
			go r.createDataConsumer(peer, ref.owner, ref.dataProducer)
		}
		go r.createDataConsumer(peer, nil, r.bot.DataProducer())

		for _, other := range others {
			r.notify(other, "newPeer", self)
		}
	}}, nil
}

func (r *Room) transportOf(peer *Peer, id string) (ports.WebRtcTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := peer.transports[id]
	if !ok {
		return nil, notFound("transport", id)
	}
	return t, nil
}

func (r *Room) producerOf(peer *Peer, id string) (ports.Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := peer.producers[id]
	if !ok {
		return nil, notFound("producer", id)
	}
	return p, nil
}

func (r *Room) consumerOf(peer *Peer, id string) (ports.Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := peer.consumers[id]
	if !ok {
		return nil, notFound("consumer", id)
	}
	return c, nil
}

func (r *Room) handleConnectWebRtcTransport(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req connectWebRtcTransportRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	t, err := r.transportOf(peer, req.TransportID)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx, req.DtlsParameters); err != nil {
		return nil, engineError("connectWebRtcTransport", err)
	}
	return nil, nil
}

func (r *Room) handleRestartIce(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req transportRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	t, err := r.transportOf(peer, req.TransportID)
	if err != nil {
		return nil, err
	}
	params, err := t.RestartIce(ctx)
	if err != nil {
		return nil, engineError("restartIce", err)
	}
	return params, nil
}

func (r *Room) handleProduce(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req produceRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	if !req.Kind.Valid() {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("invalid kind %q", req.Kind))
	}
	t, err := r.transportOf(peer, req.TransportID)
	if err != nil {
		return nil, err
	}

	appData := req.AppData.Clone()
	appData["peerId"] = string(peer.id)

	producer, err := t.Produce(ctx, ports.ProducerOptions{
		Kind:          req.Kind,
		RtpParameters: req.RtpParameters,
		AppData:       appData,
	})
	if err != nil {
		return nil, engineError("produce", err)
	}

	id := producer.ID()
	cancel := producer.Observe(func(ev ports.ProducerEvent) {
		switch ev.Kind {
		case ports.ProducerTransportClosed:
			r.mu.Lock()
			delete(peer.producers, id)
			cancel := peer.takeSubscriptionLocked(id)
			r.mu.Unlock()
			cancel()
		case ports.ProducerScoreChanged:
			r.notify(peer, "producerScore", producerScoreNotification{ProducerID: id, Score: ev.Score})
		}
	})

	r.mu.Lock()
	if peer.closed || producer.Closed() {
		r.mu.Unlock()
		cancel()
		producer.Close()
		return nil, apperrors.NewRoomClosedError()
	}
	peer.producers[id] = producer
	r.addSubscriptionLocked(peer, id, cancel)
	others := r.joinedPeersLocked(peer)
	r.mu.Unlock()

	r.metrics.ProducerCreated(req.Kind)

	if req.Kind == domain.MediaKindAudio {
		if err := r.observer.AddProducer(ctx, id); err != nil {
			r.logger.Warnw("Failed to add producer to audio level observer", "producer_id", id, "error", err)
		}
	}

	return ports.AfterReply{Data: idResponse{ID: id}, Then: func() {
		for _, other := range others {
			go r.createConsumer(other, peer, producer)
		}
	}}, nil
}

func (r *Room) handleCloseProducer(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req producerRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	p, err := r.producerOf(peer, req.ProducerID)
	if err != nil {
		return nil, err
	}
	p.Close()

	r.mu.Lock()
	delete(peer.producers, req.ProducerID)
	cancel := peer.takeSubscriptionLocked(req.ProducerID)
	r.mu.Unlock()
	cancel()
	return nil, nil
}

func (r *Room) handlePauseProducer(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req producerRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	p, err := r.producerOf(peer, req.ProducerID)
	if err != nil {
		return nil, err
	}
	if err := p.Pause(ctx); err != nil {
		return nil, engineError("pauseProducer", err)
	}
	return nil, nil
}

func (r *Room) handleResumeProducer(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req producerRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	p, err := r.producerOf(peer, req.ProducerID)
	if err != nil {
		return nil, err
	}
	if err := p.Resume(ctx); err != nil {
		return nil, engineError("resumeProducer", err)
	}
	return nil, nil
}

func (r *Room) handlePauseConsumer(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req consumerRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	c, err := r.consumerOf(peer, req.ConsumerID)
	if err != nil {
		return nil, err
	}
	if err := c.Pause(ctx); err != nil {
		return nil, engineError("pauseConsumer", err)
	}
	return nil, nil
}

func (r *Room) handleResumeConsumer(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req consumerRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	c, err := r.consumerOf(peer, req.ConsumerID)
	if err != nil {
		return nil, err
	}
	if err := c.Resume(ctx); err != nil {
		return nil, engineError("resumeConsumer", err)
	}
	return nil, nil
}

// maxTemporalLayer stands for "highest available" when a client omits the
// temporal layer; the engine clamps it.
const maxTemporalLayer = 255

func (r *Room) handleSetConsumerPreferredLayers(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req setConsumerPreferredLayersRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	c, err := r.consumerOf(peer, req.ConsumerID)
	if err != nil {
		return nil, err
	}
	layers := domain.ConsumerLayers{SpatialLayer: req.SpatialLayer, TemporalLayer: maxTemporalLayer}
	if req.TemporalLayer != nil {
		layers.TemporalLayer = *req.TemporalLayer
	}
	if err := c.SetPreferredLayers(ctx, layers); err != nil {
		return nil, engineError("setConsumerPreferredLayers", err)
	}
	return nil, nil
}

func (r *Room) handleSetConsumerPriority(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req setConsumerPriorityRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	c, err := r.consumerOf(peer, req.ConsumerID)
	if err != nil {
		return nil, err
	}
	if err := c.SetPriority(ctx, req.Priority); err != nil {
		return nil, engineError("setConsumerPriority", err)
	}
	return nil, nil
}

func (r *Room) handleRequestConsumerKeyFrame(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req consumerRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	c, err := r.consumerOf(peer, req.ConsumerID)
	if err != nil {
		return nil, err
	}
	if err := c.RequestKeyFrame(ctx); err != nil {
		return nil, engineError("requestConsumerKeyFrame", err)
	}
	return nil, nil
}

func (r *Room) handleProduceData(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req produceDataRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	t, err := r.transportOf(peer, req.TransportID)
	if err != nil {
		return nil, err
	}

	dataProducer, err := t.ProduceData(ctx, ports.DataProducerOptions{
		SctpStreamParameters: req.SctpStreamParameters,
		Label:                req.Label,
		Protocol:             req.Protocol,
		AppData:              req.AppData,
	})
	if err != nil {
		return nil, engineError("produceData", err)
	}

	id := dataProducer.ID()
	cancel := dataProducer.Observe(func(ev ports.DataProducerEvent) {
		if ev.Kind == ports.DataProducerTransportClosed {
			r.mu.Lock()
			delete(peer.dataProducers, id)
			cancel := peer.takeSubscriptionLocked(id)
			r.mu.Unlock()
			cancel()
		}
	})

	r.mu.Lock()
	if peer.closed || dataProducer.Closed() {
		r.mu.Unlock()
		cancel()
		dataProducer.Close()
		return nil, apperrors.NewRoomClosedError()
	}
	peer.dataProducers[id] = dataProducer
	r.addSubscriptionLocked(peer, id, cancel)
	others := r.joinedPeersLocked(peer)
	r.mu.Unlock()

	return ports.AfterReply{Data: idResponse{ID: id}, Then: func() {
		switch dataProducer.Label() {
		case "chat":
			for _, other := range others {
				go r.createDataConsumer(other, peer, dataProducer)
			}
		case BotLabel:
			go func() {
				if err := r.bot.HandlePeerDataProducer(r.ctx, id, peer); err != nil {
					r.logger.Warnw("Bot failed to handle data producer",
						"peer_id", peer.id,
						"data_producer_id", id,
						"error", err,
					)
				}
			}()
		}
	}}, nil
}

func (r *Room) handleChangeDisplayName(ctx context.Context, peer *Peer, data json.RawMessage) (interface{}, error) {
	var req changeDisplayNameRequest
	if err := decodeRequest(data, &req); err != nil {
		return nil, err
	}
	req.DisplayName = utils.SanitizeString(req.DisplayName)
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	r.mu.Lock()
	old := peer.displayName
	peer.displayName = req.DisplayName
	others := r.joinedPeersLocked(peer)
	r.mu.Unlock()

	for _, other := range others {
		r.notify(other, "peerDisplayNameChanged", peerDisplayNameChangedNotification{
			PeerID:         peer.id,
			DisplayName:    req.DisplayName,
			OldDisplayName: old,
		})
	}
	return nil, nil
}
