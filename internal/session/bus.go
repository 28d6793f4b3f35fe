package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/logging"
)

// busMessage is the redis pub/sub payload.
type busMessage struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Origin    string `json:"origin"`
}

// Bus relays interrupts between server instances over redis pub/sub, so an
// interrupt can reach a session connected to another instance.
type Bus struct {
	client  *redis.Client
	channel string
	origin  string
	log     *logging.Logger
}

// NewBus connects to redis and verifies the connection.
func NewBus(ctx context.Context, cfg config.RedisConfig, log *logging.Logger) (*Bus, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("session: bus: redis addr is required")
	}
	if log == nil {
		log = logging.Nop()
	}
	channel := cfg.Channel
	if channel == "" {
		channel = config.DefaultRedisChannel
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: bus: ping %s: %w", cfg.Addr, err)
	}
	return &Bus{client: client, channel: channel, origin: uuid.NewString(), log: log}, nil
}

// Publish announces an interrupt for sessionID.
func (b *Bus) Publish(ctx context.Context, sessionID, reason string) error {
	data, err := json.Marshal(busMessage{SessionID: sessionID, Reason: reason, Origin: b.origin})
	if err != nil {
		return fmt.Errorf("session: bus: encode: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("session: bus: publish: %w", err)
	}
	return nil
}

// Run subscribes and delivers interrupts published by other instances to
// m until ctx is cancelled.
func (b *Bus) Run(ctx context.Context, m *Manager) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("session: bus: subscribe %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var bm busMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				b.log.Warn("session: bus: bad message", "error", err)
				continue
			}
			if bm.Origin == b.origin {
				continue
			}
			if m.InterruptLocal(bm.SessionID, bm.Reason) {
				b.log.Info("session: bus: interrupt delivered", "session", bm.SessionID)
			}
		}
	}
}

// Close releases the redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}
