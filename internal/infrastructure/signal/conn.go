package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
	apperrors "pepehouse/pkg/errors"
	"pepehouse/pkg/logger"
	"pepehouse/pkg/tracing"
)

var (
	ErrConnClosed     = errors.New("signaling connection closed")
	ErrRequestTimeout = errors.New("signaling request timeout")
	ErrSendQueueFull  = errors.New("signaling send queue full")
)

// ConnConfig holds the per-connection limits and timers.
type ConnConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	MaxMessageSize int64
	SendQueueSize  int

	// MessagesPerSecond limits inbound requests; zero disables the limit.
	MessagesPerSecond float64
	Burst             int
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 20 * time.Second,
		MaxMessageSize: 960000,
		SendQueueSize:  256,
	}
}

// Conn is one protoo peer connection. Outgoing messages go through a single
// writer goroutine in the order they were queued; inbound requests are
// handled one at a time in arrival order.
type Conn struct {
	id      domain.PeerID
	roomID  domain.RoomID
	cfg     ConnConfig
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	ws      *websocket.Conn
	send    chan []byte
	inbound chan message
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once

	mu            sync.Mutex
	closed        bool
	handler       ports.RequestHandler
	closeHandlers []func()
	pending       map[uint32]chan message
	nextID        uint32
}

var _ ports.SignalPeer = (*Conn)(nil)

// NewConn creates a connection that is not attached to a socket yet.
// Messages queued before Attach are delivered once Serve runs.
func NewConn(roomID domain.RoomID, peerID domain.PeerID, cfg ConnConfig, log *zap.SugaredLogger) *Conn {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultConnConfig().SendQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:      peerID,
		roomID:  roomID,
		cfg:     cfg,
		logger:  log.With("room_id", roomID, "peer_id", peerID),
		send:    make(chan []byte, cfg.SendQueueSize),
		inbound: make(chan message, cfg.SendQueueSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint32]chan message),
	}
	if cfg.MessagesPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
	}
	return c
}

func (c *Conn) ID() domain.PeerID {
	return c.id
}

func (c *Conn) RoomID() domain.RoomID {
	return c.roomID
}

// Attach binds the upgraded socket. It must be called once, before Serve.
func (c *Conn) Attach(ws *websocket.Conn) {
	c.ws = ws
}

// Serve runs the connection until the socket fails or Close is called.
func (c *Conn) Serve() {
	defer c.Close()

	go c.writeLoop()
	go c.dispatchLoop()
	c.readLoop()
}

func (c *Conn) readLoop() {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("Signaling connection read failed", "error", err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warnw("Discarding malformed signaling message", "error", err)
			continue
		}

		switch {
		case msg.Request:
			if msg.Method == "" {
				c.reply(newErrorResponse(msg.ID, apperrors.NewInvalidInputError("missing request method")))
				continue
			}
			if c.limiter != nil && !c.limiter.Allow() {
				c.reply(newErrorResponse(msg.ID, apperrors.NewRateLimitError()))
				continue
			}
			select {
			case c.inbound <- msg:
			case <-c.done:
				return
			}
		case msg.Response:
			c.resolve(msg)
		case msg.Notification:
			c.logger.Debugw("Ignoring peer notification", "method", msg.Method)
		default:
			c.logger.Warnw("Discarding signaling message of unknown type")
		}
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Infow("Signaling write failed", "error", err)
				go c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				go c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever was queued before the connection closed.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.inbound:
			c.handleRequest(msg)
		}
	}
}

func (c *Conn) handleRequest(msg message) {
	ctx, span := tracing.TraceSignalRequest(c.ctx, msg.Method, msg.ID, string(c.roomID), string(c.id))
	defer span.End()
	ctx = logger.WithFields(ctx, "request_id", msg.ID, "method", msg.Method)

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		c.reply(newErrorResponse(msg.ID, apperrors.NewServiceUnavailableError("peer not attached to a room")))
		return
	}

	data, err := handler(ctx, ports.SignalRequest{Method: msg.Method, Data: msg.Data})
	if err != nil {
		tracing.RecordError(ctx, err)
		if appErr := apperrors.GetAppError(err); appErr != nil {
			tracing.AddSpanAttributes(ctx, tracing.ErrorCodeKey.String(string(appErr.Code)))
		}
		c.reply(newErrorResponse(msg.ID, err))
		return
	}

	var then func()
	if after, ok := data.(ports.AfterReply); ok {
		data = after.Data
		then = after.Then
	}
	c.reply(newSuccessResponse(msg.ID, data))
	if then != nil {
		then()
	}
}

func (c *Conn) reply(v interface{}) {
	if err := c.enqueue(v); err != nil && !errors.Is(err, ErrConnClosed) {
		c.logger.Warnw("Failed to queue signaling response", "error", err)
	}
}

// enqueue serializes v and queues it for the writer. A peer that cannot
// keep up with its queue is disconnected.
func (c *Conn) enqueue(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.logger.Warnw("Signaling send queue full, closing connection", "queue_size", cap(c.send))
		go c.Close()
		return ErrSendQueueFull
	}
}

// Request sends a server request and waits for the peer's answer.
func (c *Conn) Request(ctx context.Context, method string, data interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.enqueue(newRequest(id, method, data)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.OK {
			return resp.Data, nil
		}
		return nil, &RequestError{Code: resp.ErrorCode, Reason: resp.ErrorReason, Name: resp.ErrorName}
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnClosed
	}
}

func (c *Conn) resolve(msg message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debugw("Response for unknown request", "request_id", msg.ID)
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (c *Conn) Notify(method string, data interface{}) error {
	return c.enqueue(newNotification(method, data))
}

func (c *Conn) OnRequest(handler ports.RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// OnClose registers fn to run when the connection closes. On an already
// closed connection fn runs immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.closeHandlers = append(c.closeHandlers, fn)
	c.mu.Unlock()
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops the connection. Queued messages are flushed by the writer,
// pending requests fail with ErrConnClosed and close handlers run once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		handlers := c.closeHandlers
		c.closeHandlers = nil
		c.mu.Unlock()

		close(c.done)
		c.cancel()

		for _, fn := range handlers {
			fn()
		}
		c.logger.Debugw("Signaling connection closed")
	})
}
