// Package notify maintains one user session's notification list over three
// racing sources: a periodic poll, a live push feed and a manual scan
// trigger. All sources funnel into a single merge goroutine that owns the
// list, which makes source arrival order irrelevant: merging is idempotent
// and commutative with respect to final contents.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"reengagement-agent/internal/domain"
)

const (
	defaultPollInterval   = 5 * time.Minute
	defaultLookback       = 5 * time.Minute
	defaultRequestTimeout = 10 * time.Second
	defaultMaxItems       = 10

	maxReconnectBackoff = 30 * time.Second

	// toastPreviewRunes caps the content passed to the notify callback.
	toastPreviewRunes = 100
)

// MessageStore is the read surface the client needs: recent avatar messages
// for the user and the authoritative per-conversation dispatch flag.
type MessageStore interface {
	RecentAvatarMessages(ctx context.Context, userID string, since time.Time, limit int) ([]domain.Message, error)
	GetActivity(ctx context.Context, conversationID string) (domain.ConversationActivity, error)
}

// ScanTrigger is the manual "check now" boundary to the re-engagement
// scanner.
type ScanTrigger interface {
	RunOnce(ctx context.Context) (domain.ScanReport, error)
}

// FeedSubscriber opens a live feed of message-insert events for a user.
type FeedSubscriber interface {
	Subscribe(ctx context.Context, userID string) (<-chan domain.Message, func(), error)
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval overrides the poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLookback overrides how far back a poll looks for messages.
func WithLookback(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.lookback = d
		}
	}
}

// WithMaxItems overrides the notification list cap.
func WithMaxItems(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxItems = n
		}
	}
}

// WithRequestTimeout bounds poll and scan calls.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithOnNotify registers a callback invoked for each item newly added to
// the list (the toast boundary). The item's content is shortened to a
// display preview. Called from the merge goroutine.
func WithOnNotify(fn func(domain.NotificationItem)) Option {
	return func(c *Client) {
		c.onNotify = fn
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client owns one session's notification list. Construct with NewClient,
// call Start to begin the poll and push sources, and Close when the session
// ends.
type Client struct {
	userID  string
	store   MessageStore
	scanner ScanTrigger
	feed    FeedSubscriber
	logger  *slog.Logger

	pollInterval   time.Duration
	lookback       time.Duration
	requestTimeout time.Duration
	maxItems       int
	onNotify       func(domain.NotificationItem)

	batches chan []domain.Message

	mu        sync.Mutex
	items     []domain.NotificationItem
	dismissed map[string]struct{}

	loading atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	now func() time.Time
}

// NewClient creates a session-scoped notification client for one user.
// feed may be nil, in which case only the poll and manual sources run.
func NewClient(userID string, store MessageStore, scanner ScanTrigger, feed FeedSubscriber, opts ...Option) (*Client, error) {
	if userID == "" {
		return nil, errors.New("notify: user id must not be empty")
	}
	if store == nil {
		return nil, errors.New("notify: message store must not be nil")
	}
	if scanner == nil {
		return nil, errors.New("notify: scan trigger must not be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		userID:         userID,
		store:          store,
		scanner:        scanner,
		feed:           feed,
		logger:         slog.Default(),
		pollInterval:   defaultPollInterval,
		lookback:       defaultLookback,
		requestTimeout: defaultRequestTimeout,
		maxItems:       defaultMaxItems,
		batches:        make(chan []domain.Message, 8),
		dismissed:      map[string]struct{}{},
		ctx:            ctx,
		cancel:         cancel,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start launches the merge routine, the poll ticker (with an immediate
// first poll) and, if a feed is configured, the push subscription.
func (c *Client) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	c.wg.Add(1)
	go c.mergeLoop()

	c.wg.Add(1)
	go c.pollLoop()

	if c.feed != nil {
		c.wg.Add(1)
		go c.pushLoop()
	}
}

// Close tears down the subscription, stops the timers and waits for all
// source goroutines to finish.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

// Notifications returns a snapshot of the current list, newest first.
func (c *Client) Notifications() []domain.NotificationItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.NotificationItem, len(c.items))
	copy(out, c.items)
	return out
}

// Loading reports whether a manual scan is in flight.
func (c *Client) Loading() bool {
	return c.loading.Load()
}

// MarkAsRead removes one item from the list. Local-only: the underlying
// message is untouched in the store.
func (c *Client) MarkAsRead(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, item := range c.items {
		if item.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	// Remember the id so a later poll of the same window cannot resurrect
	// a dismissed notification.
	c.dismissed[id] = struct{}{}
}

// ClearAll empties the list. Local-only, like MarkAsRead.
func (c *Client) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range c.items {
		c.dismissed[item.ID] = struct{}{}
	}
	c.items = nil
}

// TriggerScan synchronously invokes the re-engagement scanner and, if it
// dispatched anything, re-runs the poll so the new messages surface
// immediately. A failure is returned as one error and leaves the existing
// list untouched.
func (c *Client) TriggerScan(ctx context.Context) (int, error) {
	c.loading.Store(true)
	defer c.loading.Store(false)

	sctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	report, err := c.scanner.RunOnce(sctx)
	if err != nil {
		return 0, fmt.Errorf("notify: trigger scan: %w", err)
	}
	if report.Processed > 0 {
		c.pollOnce(ctx)
	}
	return report.Processed, nil
}

func (c *Client) mergeLoop() {
	defer c.wg.Done()
	for {
		select {
		case batch := <-c.batches:
			c.merge(batch)
		case <-c.ctx.Done():
			return
		}
	}
}

// merge reconciles one batch from any source into the list: drop ids
// already present or dismissed, prepend the rest, keep newest-first order
// and truncate to the cap. The merge goroutine is the only caller, so the
// list has a single writer.
func (c *Client) merge(msgs []domain.Message) {
	var fresh []domain.NotificationItem

	c.mu.Lock()
	present := make(map[string]struct{}, len(c.items))
	for _, item := range c.items {
		present[item.ID] = struct{}{}
	}
	for _, m := range msgs {
		if _, ok := c.dismissed[m.ID]; ok {
			continue
		}
		if _, ok := present[m.ID]; ok {
			continue
		}
		present[m.ID] = struct{}{}
		fresh = append(fresh, domain.ItemFromMessage(m))
	}
	if len(fresh) == 0 {
		c.mu.Unlock()
		return
	}

	// Copy before prepending: the sort below must not shuffle the fresh
	// slice out from under the callback loop.
	merged := make([]domain.NotificationItem, 0, len(fresh)+len(c.items))
	merged = append(merged, fresh...)
	c.items = append(merged, c.items...)
	sort.SliceStable(c.items, func(i, j int) bool {
		return c.items[i].CreatedAt.After(c.items[j].CreatedAt)
	})
	if len(c.items) > c.maxItems {
		c.items = c.items[:c.maxItems]
	}
	c.mu.Unlock()

	if c.onNotify != nil {
		for _, item := range fresh {
			item.Content = previewText(item.Content)
			c.onNotify(item)
		}
	}
}

// previewText shortens content for toast display. Rune-aware so multi-byte
// avatar text is not cut mid-character.
func previewText(content string) string {
	runes := []rune(content)
	if len(runes) <= toastPreviewRunes {
		return content
	}
	return string(runes[:toastPreviewRunes]) + "..."
}

func (c *Client) pollLoop() {
	defer c.wg.Done()

	c.pollOnce(c.ctx)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pollOnce(c.ctx)
		case <-c.ctx.Done():
			return
		}
	}
}

// pollOnce fetches recent avatar messages for the user and keeps only
// those whose conversation is flagged as notified. The flag check is what
// separates re-engagement dispatches from ordinary live replies.
func (c *Client) pollOnce(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	since := c.now().Add(-c.lookback)
	msgs, err := c.store.RecentAvatarMessages(rctx, c.userID, since, c.maxItems)
	if err != nil {
		// Retried on the next tick; not surfaced to the user.
		c.logger.Warn("notification poll failed", "user_id", c.userID, "err", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	flagged := make(map[string]bool, len(msgs))
	batch := msgs[:0]
	for _, m := range msgs {
		confirmed, seen := flagged[m.ConversationID]
		if !seen {
			confirmed = c.confirmDispatched(rctx, m.ConversationID)
			flagged[m.ConversationID] = confirmed
		}
		if confirmed {
			batch = append(batch, m)
		}
	}
	if len(batch) > 0 {
		c.enqueue(batch)
	}
}

func (c *Client) pushLoop() {
	defer c.wg.Done()

	backoff := time.Second
	for {
		feed, unsubscribe, err := c.feed.Subscribe(c.ctx, c.userID)
		if err != nil {
			c.logger.Warn("notification subscription failed", "user_id", c.userID, "err", err)
			select {
			case <-time.After(backoff):
			case <-c.ctx.Done():
				return
			}
			backoff = min(backoff*2, maxReconnectBackoff)
			continue
		}
		backoff = time.Second

		c.consumeFeed(feed)
		unsubscribe()

		select {
		case <-c.ctx.Done():
			return
		default:
			c.logger.Info("notification subscription ended; reconnecting", "user_id", c.userID)
		}
	}
}

func (c *Client) consumeFeed(feed <-chan domain.Message) {
	for {
		select {
		case msg, ok := <-feed:
			if !ok {
				return
			}
			if msg.IsUser {
				continue
			}
			// Confirm against the authoritative flag before surfacing, so
			// an ordinary live reply does not show up as a notification.
			rctx, cancel := context.WithTimeout(c.ctx, c.requestTimeout)
			confirmed := c.confirmDispatched(rctx, msg.ConversationID)
			cancel()
			if confirmed {
				c.enqueue([]domain.Message{msg})
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) confirmDispatched(ctx context.Context, conversationID string) bool {
	activity, err := c.store.GetActivity(ctx, conversationID)
	if err != nil {
		c.logger.Warn("activity check failed", "conversation_id", conversationID, "err", err)
		return false
	}
	return activity.NotificationSent
}

func (c *Client) enqueue(batch []domain.Message) {
	select {
	case c.batches <- batch:
	case <-c.ctx.Done():
	}
}
