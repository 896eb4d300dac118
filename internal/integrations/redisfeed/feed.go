// Package redisfeed carries message-insert events from the writers (scanner
// and chat) to per-session notification clients over Redis pub/sub. One
// channel per user keeps the subscription filtered at the source.
package redisfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"reengagement-agent/internal/domain"
)

const publishTimeout = 2 * time.Second

// Feed publishes and subscribes to message-insert events.
type Feed struct {
	cli    *redis.Client
	logger *slog.Logger
}

// New creates a Feed from a Redis URL (redis://host:port/db).
func New(url string, logger *slog.Logger) (*Feed, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisfeed: parse url: %w", err)
	}
	return NewWithClient(redis.NewClient(opt), logger)
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(cli *redis.Client, logger *slog.Logger) (*Feed, error) {
	if cli == nil {
		return nil, errors.New("redisfeed: client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{cli: cli, logger: logger}, nil
}

func (f *Feed) Close() error {
	return f.cli.Close()
}

func channelFor(userID string) string {
	return "messages:" + userID
}

// Publish sends an inserted message to its owner's channel. Bounded by its
// own timeout so a slow Redis cannot stall a dispatch batch.
func (f *Feed) Publish(ctx context.Context, msg domain.Message) error {
	if msg.UserID == "" {
		return errors.New("redisfeed: message has no user id")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redisfeed: marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := f.cli.Publish(ctx, channelFor(msg.UserID), payload).Err(); err != nil {
		return fmt.Errorf("redisfeed: publish: %w", err)
	}
	return nil
}

// Subscribe opens a live feed of new messages for one user. The returned
// cancel func tears the subscription down; the channel closes when the
// subscription ends or ctx is done. Payloads that fail to decode are logged
// and skipped rather than killing the feed.
func (f *Feed) Subscribe(ctx context.Context, userID string) (<-chan domain.Message, func(), error) {
	if userID == "" {
		return nil, nil, errors.New("redisfeed: user id must not be empty")
	}

	sub := f.cli.Subscribe(ctx, channelFor(userID))
	// Force the SUBSCRIBE round trip so connection failures surface here
	// instead of as a silently empty channel.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redisfeed: subscribe %s: %w", userID, err)
	}

	out := make(chan domain.Message, 16)
	go func() {
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case m, ok := <-in:
				if !ok {
					return
				}
				var msg domain.Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					f.logger.Warn("drop undecodable feed payload", "user_id", userID, "err", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
