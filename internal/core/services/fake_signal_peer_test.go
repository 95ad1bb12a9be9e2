package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"

	"github.com/stretchr/testify/require"
)

var errFakePeerClosed = errors.New("peer closed")

type recordedMessage struct {
	Method string
	Data   json.RawMessage
}

// fakeSignalPeer stands in for a signaling connection. Server requests are
// accepted unless a rejection is scripted for their method; everything sent
// to the peer is recorded.
type fakeSignalPeer struct {
	id domain.PeerID

	mu            sync.Mutex
	handler       ports.RequestHandler
	closeHandlers []func()
	closed        bool
	notifications []recordedMessage
	requests      []recordedMessage
	reject        map[string]error
}

func newFakeSignalPeer(id domain.PeerID) *fakeSignalPeer {
	return &fakeSignalPeer{id: id, reject: make(map[string]error)}
}

func (p *fakeSignalPeer) ID() domain.PeerID { return p.id }

func (p *fakeSignalPeer) Request(ctx context.Context, method string, data interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errFakePeerClosed
	}
	p.requests = append(p.requests, recordedMessage{Method: method, Data: raw})
	if err := p.reject[method]; err != nil {
		return nil, err
	}
	return json.RawMessage("{}"), nil
}

func (p *fakeSignalPeer) Notify(method string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errFakePeerClosed
	}
	p.notifications = append(p.notifications, recordedMessage{Method: method, Data: raw})
	return nil
}

func (p *fakeSignalPeer) OnRequest(handler ports.RequestHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *fakeSignalPeer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.closeHandlers = append(p.closeHandlers, fn)
	p.mu.Unlock()
}

func (p *fakeSignalPeer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handlers := p.closeHandlers
	p.closeHandlers = nil
	p.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

func (p *fakeSignalPeer) rejectRequests(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject[method] = err
}

func (p *fakeSignalPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// call sends a client request the way the signaling transport would: the
// reply is captured first, then any follow-up work runs.
func (p *fakeSignalPeer) call(t *testing.T, method string, data interface{}) (json.RawMessage, error) {
	t.Helper()
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	require.NotNil(t, handler, "no request handler registered")

	raw, err := json.Marshal(data)
	require.NoError(t, err)

	resp, err := handler(context.Background(), ports.SignalRequest{Method: method, Data: raw})
	if err != nil {
		return nil, err
	}
	if after, ok := resp.(ports.AfterReply); ok {
		resp = after.Data
		if after.Then != nil {
			defer after.Then()
		}
	}
	out, err := json.Marshal(resp)
	require.NoError(t, err)
	return out, nil
}

func (p *fakeSignalPeer) mustCall(t *testing.T, method string, data interface{}) json.RawMessage {
	t.Helper()
	raw, err := p.call(t, method, data)
	require.NoError(t, err, method)
	return raw
}

func (p *fakeSignalPeer) notificationsFor(method string) []recordedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedMessage
	for _, n := range p.notifications {
		if n.Method == method {
			out = append(out, n)
		}
	}
	return out
}

func (p *fakeSignalPeer) requestsFor(method string) []recordedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []recordedMessage
	for _, r := range p.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func decodeInto(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v))
}
