package services

import (
	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
)

// createConsumer makes consumerPeer receive producer. The consumer starts
// paused and is resumed only after the client acknowledged newConsumer, so
// no RTP reaches a client that is not ready for it yet.
func (r *Room) createConsumer(consumerPeer, producerPeer *Peer, producer ports.Producer) {
	log := r.logger.With(
		"peer_id", consumerPeer.id,
		"producer_id", producer.ID(),
	)

	if producer.Closed() {
		r.metrics.ConsumerSkipped("producer_closed")
		return
	}

	r.mu.Lock()
	closed := consumerPeer.closed
	caps := consumerPeer.rtpCapabilities
	transport := consumerPeer.consumingTransportLocked()
	r.mu.Unlock()

	if closed {
		return
	}
	if caps == nil {
		r.metrics.ConsumerSkipped("no_rtp_capabilities")
		return
	}
	if !r.router.CanConsume(producer.ID(), *caps) {
		r.metrics.ConsumerSkipped("cannot_consume")
		return
	}
	if transport == nil {
		r.metrics.ConsumerSkipped("no_consuming_transport")
		log.Warnw("Transport for consuming not found")
		return
	}

	consumer, err := transport.Consume(r.ctx, ports.ConsumerOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: *caps,
		Paused:          true,
	})
	if err != nil {
		r.metrics.ConsumerSkipped("engine_failure")
		log.Warnw("Failed to create consumer", "error", err)
		return
	}

	id := consumer.ID()
	cancel := consumer.Observe(func(ev ports.ConsumerEvent) {
		r.handleConsumerEvent(consumerPeer, id, ev)
	})

	r.mu.Lock()
	if consumerPeer.closed || consumer.Closed() {
		r.mu.Unlock()
		cancel()
		consumer.Close()
		return
	}
	consumerPeer.consumers[id] = consumer
	r.addSubscriptionLocked(consumerPeer, id, cancel)
	r.mu.Unlock()

	r.metrics.ConsumerCreated(consumer.Kind())

	_, err = consumerPeer.conn.Request(r.ctx, "newConsumer", newConsumerRequest{
		PeerID:         producerPeer.id,
		ProducerID:     producer.ID(),
		ID:             id,
		Kind:           consumer.Kind(),
		RtpParameters:  consumer.RtpParameters(),
		Type:           consumer.Type(),
		AppData:        producer.AppData(),
		ProducerPaused: consumer.ProducerPaused(),
	})
	if err != nil {
		log.Warnw("newConsumer request failed", "consumer_id", id, "error", err)
		return
	}

	if err := consumer.Resume(r.ctx); err != nil {
		log.Warnw("Failed to resume consumer", "consumer_id", id, "error", err)
		return
	}

	r.notify(consumerPeer, "consumerScore", consumerScoreNotification{
		ConsumerID: id,
		Score:      consumer.Score(),
	})
}

func (r *Room) handleConsumerEvent(peer *Peer, id string, ev ports.ConsumerEvent) {
	switch ev.Kind {
	case ports.ConsumerTransportClosed:
		r.removeConsumer(peer, id)
	case ports.ConsumerProducerClosed:
		r.removeConsumer(peer, id)
		r.notify(peer, "consumerClosed", consumerNotification{ConsumerID: id})
	case ports.ConsumerProducerPaused:
		r.notify(peer, "consumerPaused", consumerNotification{ConsumerID: id})
	case ports.ConsumerProducerResumed:
		r.notify(peer, "consumerResumed", consumerNotification{ConsumerID: id})
	case ports.ConsumerScoreChanged:
		r.notify(peer, "consumerScore", consumerScoreNotification{ConsumerID: id, Score: ev.Score})
	case ports.ConsumerLayersChanged:
		msg := consumerLayersChangedNotification{ConsumerID: id}
		if ev.Layers != nil {
			spatial, temporal := ev.Layers.SpatialLayer, ev.Layers.TemporalLayer
			msg.SpatialLayer = &spatial
			msg.TemporalLayer = &temporal
		}
		r.notify(peer, "consumerLayersChanged", msg)
	}
}

func (r *Room) removeConsumer(peer *Peer, id string) {
	r.mu.Lock()
	delete(peer.consumers, id)
	cancel := peer.takeSubscriptionLocked(id)
	r.mu.Unlock()
	cancel()
}

// createDataConsumer makes consumerPeer receive dataProducer. producerPeer is
// nil for the room's bot.
func (r *Room) createDataConsumer(consumerPeer, producerPeer *Peer, dataProducer ports.DataProducer) {
	log := r.logger.With(
		"peer_id", consumerPeer.id,
		"data_producer_id", dataProducer.ID(),
	)

	r.mu.Lock()
	closed := consumerPeer.closed
	sctp := consumerPeer.sctpCapabilities
	transport := consumerPeer.consumingTransportLocked()
	r.mu.Unlock()

	if closed {
		return
	}
	if sctp == nil {
		r.metrics.ConsumerSkipped("no_sctp_capabilities")
		return
	}
	if transport == nil {
		r.metrics.ConsumerSkipped("no_consuming_transport")
		log.Warnw("Transport for consuming not found")
		return
	}

	dataConsumer, err := transport.ConsumeData(r.ctx, ports.DataConsumerOptions{
		DataProducerID: dataProducer.ID(),
	})
	if err != nil {
		r.metrics.ConsumerSkipped("engine_failure")
		log.Warnw("Failed to create data consumer", "error", err)
		return
	}

	id := dataConsumer.ID()
	cancel := dataConsumer.Observe(func(ev ports.DataConsumerEvent) {
		switch ev.Kind {
		case ports.DataConsumerTransportClosed:
			r.removeDataConsumer(consumerPeer, id)
		case ports.DataConsumerDataProducerClosed:
			r.removeDataConsumer(consumerPeer, id)
			r.notify(consumerPeer, "dataConsumerClosed", dataConsumerClosedNotification{DataConsumerID: id})
		}
	})

	r.mu.Lock()
	if consumerPeer.closed || dataConsumer.Closed() {
		r.mu.Unlock()
		cancel()
		dataConsumer.Close()
		return
	}
	consumerPeer.dataConsumers[id] = dataConsumer
	r.addSubscriptionLocked(consumerPeer, id, cancel)
	r.mu.Unlock()

	r.metrics.DataConsumerCreated()

	var peerID *domain.PeerID
	if producerPeer != nil {
		pid := producerPeer.id
		peerID = &pid
	}

	_, err = consumerPeer.conn.Request(r.ctx, "newDataConsumer", newDataConsumerRequest{
		PeerID:               peerID,
		DataProducerID:       dataProducer.ID(),
		ID:                   id,
		SctpStreamParameters: dataConsumer.SctpStreamParameters(),
		Label:                dataConsumer.Label(),
		Protocol:             dataConsumer.Protocol(),
		AppData:              dataProducer.AppData(),
	})
	if err != nil {
		log.Warnw("newDataConsumer request failed", "data_consumer_id", id, "error", err)
	}
}

func (r *Room) removeDataConsumer(peer *Peer, id string) {
	r.mu.Lock()
	delete(peer.dataConsumers, id)
	cancel := peer.takeSubscriptionLocked(id)
	r.mu.Unlock()
	cancel()
}
