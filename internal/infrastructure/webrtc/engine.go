package webrtc

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	sctpPort                  = 5000
	defaultMaxSctpMessageSize = 262144
	defaultNumSctpStreams     = 1024
)

var (
	_ ports.MediaEngine        = (*Engine)(nil)
	_ ports.Router             = (*Router)(nil)
	_ ports.WebRtcTransport    = (*WebRtcTransport)(nil)
	_ ports.Transport          = (*DirectTransport)(nil)
	_ ports.Producer           = (*Producer)(nil)
	_ ports.Consumer           = (*Consumer)(nil)
	_ ports.DataProducer       = (*DataProducer)(nil)
	_ ports.DataConsumer       = (*DataConsumer)(nil)
	_ ports.AudioLevelObserver = (*AudioLevelObserver)(nil)
)

// Config configures the local media engine.
type Config struct {
	ListenIP           string
	AnnouncedIP        string
	MinPort            uint16
	MaxPort            uint16
	MaxSctpMessageSize uint32
}

// Engine is an in-process media engine. It keeps the full object model of an
// SFU worker (routers, transports, producers, consumers, data channels and
// audio level observers) and forwards RTP between producers and consumers in
// memory. Binding the media plane to sockets is left to a real worker.
type Engine struct {
	config       Config
	fingerprints []domain.DtlsFingerprint
	ports        *portAllocator
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	routers map[string]*Router
}

// NewEngine creates an engine with a fresh DTLS certificate.
func NewEngine(config Config, logger *zap.SugaredLogger) (*Engine, error) {
	if config.MinPort == 0 || config.MaxPort < config.MinPort {
		return nil, fmt.Errorf("invalid RTC port range %d-%d", config.MinPort, config.MaxPort)
	}
	if config.AnnouncedIP == "" {
		config.AnnouncedIP = config.ListenIP
	}
	if config.MaxSctpMessageSize == 0 {
		config.MaxSctpMessageSize = defaultMaxSctpMessageSize
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate DTLS key: %w", err)
	}
	certificate, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("failed to generate DTLS certificate: %w", err)
	}
	fps, err := certificate.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("failed to read DTLS fingerprints: %w", err)
	}
	fingerprints := make([]domain.DtlsFingerprint, 0, len(fps))
	for _, fp := range fps {
		fingerprints = append(fingerprints, domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}

	return &Engine{
		config:       config,
		fingerprints: fingerprints,
		ports:        newPortAllocator(config.MinPort, config.MaxPort),
		logger:       logger,
		routers:      make(map[string]*Router),
	}, nil
}

// CreateRouter creates a router offering the given codecs.
func (e *Engine) CreateRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps, err := buildRtpCapabilities(codecs)
	if err != nil {
		return nil, err
	}

	router := &Router{
		id:             uuid.NewString(),
		engine:         e,
		caps:           caps,
		transports:     make(map[string]*transport),
		producers:      make(map[string]*Producer),
		dataProducers:  make(map[string]*DataProducer),
		audioObservers: make(map[string]*AudioLevelObserver),
	}

	e.mu.Lock()
	e.routers[router.id] = router
	e.mu.Unlock()

	e.logger.Debugw("Router created", "router_id", router.id, "codecs", len(caps.Codecs))
	return router, nil
}

// RouterCount returns the number of open routers.
func (e *Engine) RouterCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.routers)
}

// PortsInUse returns the number of allocated RTC ports.
func (e *Engine) PortsInUse() int {
	return e.ports.inUse()
}

// Close closes every router.
func (e *Engine) Close() {
	e.mu.Lock()
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}

func (e *Engine) forget(routerID string) {
	e.mu.Lock()
	delete(e.routers, routerID)
	e.mu.Unlock()
}

func (e *Engine) newIceParameters() domain.IceParameters {
	secret := strings.ReplaceAll(uuid.NewString(), "-", "")
	return domain.IceParameters{
		UsernameFragment: secret[:16],
		Password:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		IceLite:          true,
	}
}

func (e *Engine) iceCandidates(port uint16, opts ports.WebRtcTransportOptions) []domain.IceCandidate {
	udpPref, tcpPref := uint32(65535), uint32(65535)
	switch {
	case opts.PreferUDP:
		tcpPref = 65534
	case opts.PreferTCP:
		udpPref = 65534
	}
	// RFC 8445 priority for host candidates, component 1
	priority := func(localPref uint32) uint32 {
		return uint32(64)<<24 | localPref<<8 | (256 - 1)
	}

	var candidates []domain.IceCandidate
	if opts.EnableUDP {
		candidates = append(candidates, domain.IceCandidate{
			Foundation: "udpcandidate",
			Priority:   priority(udpPref),
			IP:         e.config.AnnouncedIP,
			Protocol:   webrtc.ICEProtocolUDP.String(),
			Port:       port,
			Type:       webrtc.ICECandidateTypeHost.String(),
		})
	}
	if opts.EnableTCP {
		candidates = append(candidates, domain.IceCandidate{
			Foundation: "tcpcandidate",
			Priority:   priority(tcpPref),
			IP:         e.config.AnnouncedIP,
			Protocol:   webrtc.ICEProtocolTCP.String(),
			Port:       port,
			Type:       webrtc.ICECandidateTypeHost.String(),
			TCPType:    "passive",
		})
	}
	return candidates
}
