package signal

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
	"pepehouse/internal/core/services"
	apperrors "pepehouse/pkg/errors"
	"pepehouse/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RoomAdmitter hands an incoming connection to its room.
type RoomAdmitter interface {
	Admit(ctx context.Context, roomID domain.RoomID, conn ports.SignalPeer) (*services.Room, error)
}

// ServerConfig configures the signaling endpoint.
type ServerConfig struct {
	Conn           ConnConfig
	AllowedOrigins []string
	AdmitTimeout   time.Duration

	// ConnectionsPerMinute limits upgrades per client IP; zero disables it.
	ConnectionsPerMinute int
	// MaxConcurrent caps open connections; zero means unlimited.
	MaxConcurrent int
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For header is
	// believed. Without any, the socket address identifies the client.
	TrustedProxies []string
}

type WebSocketServer struct {
	rooms    RoomAdmitter
	cfg      ServerConfig
	upgrader websocket.Upgrader

	ipLimiters *ipLimiterStore
	proxies    []*net.IPNet
	slots      chan struct{}
	active     atomic.Int64

	logger *zap.SugaredLogger
}

func NewWebSocketServer(rooms RoomAdmitter, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	if cfg.AdmitTimeout <= 0 {
		cfg.AdmitTimeout = 10 * time.Second
	}
	s := &WebSocketServer{
		rooms:  rooms,
		cfg:    cfg,
		logger: logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{Subprotocol},
		CheckOrigin:     s.checkOrigin,
	}
	if cfg.ConnectionsPerMinute > 0 {
		s.ipLimiters = newIPLimiterStore(rate.Every(time.Minute/time.Duration(cfg.ConnectionsPerMinute)), cfg.ConnectionsPerMinute)
	}
	if cfg.MaxConcurrent > 0 {
		s.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	for _, entry := range cfg.TrustedProxies {
		network, err := parseProxy(entry)
		if err != nil {
			logger.Warnw("Ignoring trusted proxy", "proxy", entry, "error", err)
			continue
		}
		s.proxies = append(s.proxies, network)
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket admits a protoo peer. The room is resolved before the
// upgrade so that a rejected connection gets a plain HTTP error.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	roomID := query.Get("roomId")
	peerID := query.Get("peerId")
	if roomID == "" || peerID == "" {
		http.Error(w, "Connection request without roomId and/or peerId", http.StatusBadRequest)
		return
	}
	if err := validation.ValidateRoomID(roomID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validation.ValidatePeerID(peerID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.ipLimiters != nil && !s.ipLimiters.get(s.clientIP(r)).Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		default:
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	logger := s.logger.With("room_id", roomID, "peer_id", peerID)
	conn := NewConn(domain.RoomID(roomID), domain.PeerID(peerID), s.cfg.Conn, s.logger)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AdmitTimeout)
	_, err := s.rooms.Admit(ctx, domain.RoomID(roomID), conn)
	cancel()
	if err != nil {
		logger.Warnw("Rejecting signaling connection", "error", err)
		status := http.StatusInternalServerError
		if appErr := apperrors.GetAppError(err); appErr != nil && appErr.HTTPStatus != 0 {
			status = appErr.HTTPStatus
		}
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("WebSocket upgrade failed", "error", err)
		conn.Close()
		return
	}
	conn.Attach(ws)

	s.active.Add(1)
	defer s.active.Add(-1)
	logger.Infow("Peer connected", "remote_addr", r.RemoteAddr)

	conn.Serve()
	logger.Infow("Peer disconnected")
}

// ConnectionCount returns the number of open signaling connections.
func (s *WebSocketServer) ConnectionCount() int {
	return int(s.active.Load())
}

// ipLimiterStore holds one upgrade limiter per client IP. Limiters idle for
// longer than idleTTL are dropped on the next sweep.
type ipLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*ipLimiter
	rate      rate.Limit
	burst     int
	idleTTL   time.Duration
	lastSweep time.Time
}

type ipLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

func newIPLimiterStore(r rate.Limit, burst int) *ipLimiterStore {
	return &ipLimiterStore{
		limiters:  make(map[string]*ipLimiter),
		rate:      r,
		burst:     burst,
		idleTTL:   10 * time.Minute,
		lastSweep: time.Now(),
	}
}

func (s *ipLimiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if now.Sub(s.lastSweep) > s.idleTTL {
		for k, l := range s.limiters {
			if now.Sub(l.lastSeen) > s.idleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	l, ok := s.limiters[key]
	if !ok {
		l = &ipLimiter{Limiter: rate.NewLimiter(s.rate, s.burst)}
		s.limiters[key] = l
	}
	l.lastSeen = now
	return l.Limiter
}

func (s *ipLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func parseProxy(entry string) (*net.IPNet, error) {
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		return network, err
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, &net.ParseError{Type: "IP address", Text: entry}
	}
	bits := 8 * net.IPv4len
	if ip.To4() == nil {
		bits = 8 * net.IPv6len
	} else {
		ip = ip.To4()
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

func (s *WebSocketServer) trusted(ip net.IP) bool {
	for _, network := range s.proxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the address upgrades are limited by. X-Forwarded-For is
// read right to left and only while the hops are trusted proxies.
func (s *WebSocketServer) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	remote := net.ParseIP(host)
	if remote == nil || !s.trusted(remote) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	client := remote
	for i := len(hops) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(hops[i]))
		if ip == nil {
			break
		}
		client = ip
		if !s.trusted(ip) {
			break
		}
	}
	return client.String()
}
