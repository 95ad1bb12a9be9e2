package services

import (
	"context"
	"fmt"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"pepehouse/internal/core/domain"
	"pepehouse/internal/core/ports"
)

// BotLabel is the data channel label that routes a peer's messages to the
// room's RelayBot.
const BotLabel = "bot"

// RelayBot answers text messages that peers send on their bot data channel.
// It lives on a direct transport of the room's router and owns one data
// producer that every joined peer consumes.
type RelayBot struct {
	transport      ports.Transport
	dataProducer   ports.DataProducer
	maxMessageSize int
	logger         *zap.SugaredLogger

	mu            sync.Mutex
	closed        bool
	subscriptions []func()
}

func NewRelayBot(ctx context.Context, router ports.Router, maxMessageSize uint32, logger *zap.SugaredLogger) (*RelayBot, error) {
	transport, err := router.CreateDirectTransport(ctx, ports.DirectTransportOptions{
		MaxMessageSize: maxMessageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot transport: %w", err)
	}

	dataProducer, err := transport.ProduceData(ctx, ports.DataProducerOptions{Label: BotLabel})
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to create bot data producer: %w", err)
	}

	return &RelayBot{
		transport:      transport,
		dataProducer:   dataProducer,
		maxMessageSize: int(maxMessageSize),
		logger:         logger,
	}, nil
}

// DataProducer is the producer peers consume to receive bot replies.
func (b *RelayBot) DataProducer() ports.DataProducer {
	return b.dataProducer
}

// HandlePeerDataProducer starts listening to a peer's bot data producer.
// The peer's display name is read when each message arrives, so renames are
// reflected in later replies.
func (b *RelayBot) HandlePeerDataProducer(ctx context.Context, dataProducerID string, peer *Peer) error {
	dataConsumer, err := b.transport.ConsumeData(ctx, ports.DataConsumerOptions{
		DataProducerID: dataProducerID,
	})
	if err != nil {
		return fmt.Errorf("failed to consume peer data producer: %w", err)
	}

	cancel := dataConsumer.Observe(func(ev ports.DataConsumerEvent) {
		if ev.Kind != ports.DataConsumerMessage {
			return
		}
		// Only WebRTC strings are answered.
		if ev.PPID != domain.PPIDString {
			return
		}
		b.reply(peer.DisplayName(), string(ev.Data))
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		dataConsumer.Close()
		return domain.ErrRoomClosed
	}
	b.subscriptions = append(b.subscriptions, cancel)
	b.mu.Unlock()

	b.logger.Debugw("Bot consuming peer data producer",
		"peer_id", peer.ID(),
		"data_producer_id", dataProducerID,
	)
	return nil
}

func (b *RelayBot) reply(displayName, text string) {
	msg := formatBotReply(displayName, text, b.maxMessageSize)
	if err := b.dataProducer.Send(context.Background(), []byte(msg), domain.PPIDString); err != nil {
		b.logger.Warnw("Bot failed to send message", "error", err)
	}
}

// formatBotReply builds the echo text, shortening the quoted part so the
// whole message fits in limit bytes.
func formatBotReply(displayName, text string, limit int) string {
	const sep = " said me: \""
	overhead := len(displayName) + len(sep) + 1
	if limit > 0 && overhead+len(text) > limit {
		text = truncateUTF8(text, limit-overhead)
	}
	return displayName + sep + text + "\""
}

func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// Close revokes the bot's message subscriptions and closes its transport.
func (b *RelayBot) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	b.transport.Close()
}
