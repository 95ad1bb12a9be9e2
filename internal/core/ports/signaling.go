package ports

import (
	"context"
	"encoding/json"

	"pepehouse/internal/core/domain"
)

// SignalRequest is a request received from a peer.
type SignalRequest struct {
	Method string
	Data   json.RawMessage
}

// RequestHandler answers a peer request. A nil error accepts the request
// with the returned data; a non-nil error rejects it.
type RequestHandler func(ctx context.Context, req SignalRequest) (interface{}, error)

// AfterReply may be returned by a RequestHandler when follow-up messages
// must reach the peer after the reply: Data is sent as the reply and Then
// runs once the reply has been queued.
type AfterReply struct {
	Data interface{}
	Then func()
}

// SignalPeer is one signaling connection. Notifications and requests sent to
// a peer are delivered in the order they were issued.
type SignalPeer interface {
	ID() domain.PeerID
	// Request blocks until the peer accepts or rejects, or ctx/the transport
	// timeout expires.
	Request(ctx context.Context, method string, data interface{}) (json.RawMessage, error)
	// Notify queues a fire-and-forget message.
	Notify(method string, data interface{}) error
	OnRequest(handler RequestHandler)
	OnClose(fn func())
	Close()
}
