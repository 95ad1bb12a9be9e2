package webrtc

import (
	"context"
	"fmt"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"

	"github.com/google/uuid"
)

type DataProducer struct {
	id        string
	label     string
	protocol  string
	sctp      *domain.SctpStreamParameters
	appData   domain.AppData
	router    *Router
	transport *transport
	events    observerList[ports.DataProducerEvent]

	// guarded by router.mu
	closed    bool
	consumers map[string]*DataConsumer
	messages  uint64
}

func newDataProducer(t *transport, sctp *domain.SctpStreamParameters, opts ports.DataProducerOptions) *DataProducer {
	appData := opts.AppData
	if appData == nil {
		appData = domain.AppData{}
	}
	return &DataProducer{
		id:        uuid.NewString(),
		label:     opts.Label,
		protocol:  opts.Protocol,
		sctp:      sctp,
		appData:   appData,
		router:    t.router,
		transport: t,
		consumers: make(map[string]*DataConsumer),
	}
}

func (dp *DataProducer) ID() string { return dp.id }
func (dp *DataProducer) Label() string { return dp.label }
func (dp *DataProducer) Protocol() string { return dp.protocol }
func (dp *DataProducer) AppData() domain.AppData { return dp.appData }

func (dp *DataProducer) SctpStreamParameters() *domain.SctpStreamParameters { return dp.sctp }

func (dp *DataProducer) Closed() bool {
	dp.router.mu.Lock()
	defer dp.router.mu.Unlock()
	return dp.closed
}

// MessagesReceived returns the number of messages accepted from the
// producing endpoint.
func (dp *DataProducer) MessagesReceived() uint64 {
	dp.router.mu.Lock()
	defer dp.router.mu.Unlock()
	return dp.messages
}

// Send injects a message from the application. Only data producers of a
// direct transport accept it.
func (dp *DataProducer) Send(ctx context.Context, data []byte, ppid int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !dp.transport.direct {
		return fmt.Errorf("%w: send() requires a direct transport", domain.ErrInvalidParameters)
	}
	return dp.WriteMessage(data, ppid)
}

// WriteMessage feeds a message received from the producing endpoint and
// delivers it to every data consumer.
func (dp *DataProducer) WriteMessage(data []byte, ppid int) error {
	switch ppid {
	case domain.PPIDString, domain.PPIDBinary, domain.PPIDStringEmpty, domain.PPIDBinaryEmpty:
	default:
		return fmt.Errorf("%w: ppid %d", domain.ErrInvalidParameters, ppid)
	}

	r := dp.router
	var d dispatch

	r.mu.Lock()
	if dp.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDataProducerNotFound, dp.id)
	}
	if limit := dp.transport.maxMessageSize; limit > 0 && uint32(len(data)) > limit {
		r.mu.Unlock()
		return fmt.Errorf("%w: message of %d bytes exceeds %d", domain.ErrInvalidParameters, len(data), limit)
	}
	dp.messages++
	for _, dc := range dp.consumers {
		payload := append([]byte(nil), data...)
		dc.messages++
		d.push(dc.events.emitter(ports.DataConsumerEvent{Kind: ports.DataConsumerMessage, Data: payload, PPID: ppid}))
	}
	r.mu.Unlock()

	d.run()
	return nil
}

func (dp *DataProducer) Close() {
	r := dp.router
	var d dispatch
	r.mu.Lock()
	r.closeDataProducerLocked(dp, &d, false)
	r.mu.Unlock()
	d.run()
}

func (dp *DataProducer) Observe(fn func(ports.DataProducerEvent)) (cancel func()) {
	return dp.events.add(fn)
}

type DataConsumer struct {
	id           string
	sctp         *domain.SctpStreamParameters
	appData      domain.AppData
	router       *Router
	transport    *transport
	dataProducer *DataProducer
	events       observerList[ports.DataConsumerEvent]

	// guarded by router.mu
	closed   bool
	messages uint64
}

func newDataConsumer(t *transport, dp *DataProducer, sctp *domain.SctpStreamParameters, opts ports.DataConsumerOptions) *DataConsumer {
	appData := opts.AppData
	if appData == nil {
		appData = domain.AppData{}
	}
	return &DataConsumer{
		id:           uuid.NewString(),
		sctp:         sctp,
		appData:      appData,
		router:       t.router,
		transport:    t,
		dataProducer: dp,
	}
}

func (dc *DataConsumer) ID() string { return dc.id }
func (dc *DataConsumer) DataProducerID() string { return dc.dataProducer.id }
func (dc *DataConsumer) Label() string { return dc.dataProducer.label }
func (dc *DataConsumer) Protocol() string { return dc.dataProducer.protocol }
func (dc *DataConsumer) AppData() domain.AppData { return dc.appData }

func (dc *DataConsumer) SctpStreamParameters() *domain.SctpStreamParameters { return dc.sctp }

func (dc *DataConsumer) Closed() bool {
	dc.router.mu.Lock()
	defer dc.router.mu.Unlock()
	return dc.closed
}

// MessagesSent returns the number of messages delivered to this consumer.
func (dc *DataConsumer) MessagesSent() uint64 {
	dc.router.mu.Lock()
	defer dc.router.mu.Unlock()
	return dc.messages
}

func (dc *DataConsumer) Close() {
	r := dc.router
	var d dispatch
	r.mu.Lock()
	r.closeDataConsumerLocked(dc, &d, nil)
	r.mu.Unlock()
	d.run()
}

func (dc *DataConsumer) Observe(fn func(ports.DataConsumerEvent)) (cancel func()) {
	return dc.events.add(fn)
}
