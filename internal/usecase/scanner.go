package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reengagement-agent/internal/domain"
)

const defaultSilenceThreshold = 24 * time.Hour

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ActivityStore is the conversation-state surface the scanner consumes.
type ActivityStore interface {
	FindSilentConversations(ctx context.Context, before time.Time) ([]domain.ConversationActivity, error)
	ClaimForDispatch(ctx context.Context, conversationID string) (bool, error)
	ReleaseClaim(ctx context.Context, conversationID string) error
	GetAvatarProfile(ctx context.Context, conversationID string) (domain.AvatarProfile, error)
	AppendMessage(ctx context.Context, msg domain.Message) error
}

type TemplateSelector interface {
	Select(ctx context.Context, personality, tone, category string) (string, error)
}

// FeedPublisher pushes inserted messages onto the live change feed.
type FeedPublisher interface {
	Publish(ctx context.Context, msg domain.Message) error
}

// Scanner finds conversations silent past the threshold and dispatches one
// re-engagement message each. It is stateless apart from cached config and
// safe to run concurrently with itself: the store's conditional claim is
// the idempotency guard, so overlapping scans never double-dispatch.
type Scanner struct {
	store       ActivityStore
	selector    TemplateSelector
	feed        FeedPublisher
	params      ParamGetter
	paramPrefix string
	logger      *slog.Logger

	cacheMu     sync.RWMutex
	cacheLoaded bool
	threshold   time.Duration

	now func() time.Time
}

// NewScanner creates a Scanner. feed and params may be nil: without a feed
// dispatched messages are still picked up by the client poll, and without a
// param getter the compiled-in threshold applies.
func NewScanner(store ActivityStore, selector TemplateSelector, feed FeedPublisher, params ParamGetter, paramPrefix string, logger *slog.Logger) (*Scanner, error) {
	if store == nil {
		return nil, errors.New("usecase: activity store must not be nil")
	}
	if selector == nil {
		return nil, errors.New("usecase: template selector must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		store:       store,
		selector:    selector,
		feed:        feed,
		params:      params,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
		logger:      logger,
		now:         time.Now,
	}, nil
}

// RunOnce executes one scan: every conversation silent past the threshold
// and not yet notified gets exactly one re-engagement message. Failures on
// one candidate are collected and do not abort the rest; zero candidates is
// success. Returns the aggregate report.
func (s *Scanner) RunOnce(ctx context.Context) (domain.ScanReport, error) {
	before := s.now().UTC().Add(-s.silenceThreshold(ctx))

	candidates, err := s.store.FindSilentConversations(ctx, before)
	if err != nil {
		return domain.ScanReport{}, newError(ErrorInternal, "activity_scan_error", err)
	}

	report := domain.ScanReport{Total: len(candidates)}
	for _, cand := range candidates {
		processed, err := s.dispatch(ctx, cand)
		if err != nil {
			s.logger.Error("re-engagement dispatch failed",
				"conversation_id", cand.ConversationID,
				"avatar_id", cand.AvatarID,
				"err", err)
			report.Errors = append(report.Errors, fmt.Sprintf("conversation %s: %v", cand.ConversationID, err))
			continue
		}
		if processed {
			report.Processed++
		}
	}

	s.logger.Info("re-engagement scan complete",
		"total", report.Total,
		"processed", report.Processed,
		"failed", len(report.Errors))
	return report, nil
}

// dispatch handles a single candidate: claim, select, insert. The claim
// comes first so concurrent scans settle ownership before any message is
// written; a lost claim is a skip, not an error. If a later step fails the
// claim is released and the conversation stays a candidate for the next run.
func (s *Scanner) dispatch(ctx context.Context, cand domain.ConversationActivity) (bool, error) {
	claimed, err := s.store.ClaimForDispatch(ctx, cand.ConversationID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		s.logger.Debug("conversation claimed by a concurrent scan", "conversation_id", cand.ConversationID)
		return false, nil
	}

	profile, err := s.store.GetAvatarProfile(ctx, cand.ConversationID)
	if err != nil {
		s.release(ctx, cand.ConversationID)
		return false, fmt.Errorf("avatar profile: %w", err)
	}

	text, err := s.selector.Select(ctx, profile.Personality, profile.Tone, profile.Category)
	if err != nil {
		s.release(ctx, cand.ConversationID)
		return false, fmt.Errorf("template: %w", err)
	}

	msg := domain.Message{
		ID:             newUUID(),
		ConversationID: cand.ConversationID,
		UserID:         cand.UserID,
		AvatarName:     profile.Name,
		Content:        text,
		IsUser:         false,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		s.release(ctx, cand.ConversationID)
		return false, fmt.Errorf("insert message: %w", err)
	}

	if s.feed != nil {
		// Best effort: the poll source still surfaces the message if the
		// feed is down.
		if err := s.feed.Publish(ctx, msg); err != nil {
			s.logger.Warn("feed publish failed", "conversation_id", cand.ConversationID, "err", err)
		}
	}
	return true, nil
}

func (s *Scanner) release(ctx context.Context, conversationID string) {
	if err := s.store.ReleaseClaim(ctx, conversationID); err != nil {
		// The flag stays set with no message sent; the conversation will not
		// be retried until the user re-arms it. Loud log so it can be fixed
		// by hand.
		s.logger.Error("release claim failed after dispatch error",
			"conversation_id", conversationID, "err", err)
	}
}

// silenceThreshold returns the configured silence threshold, reading it
// from the parameter store on first use. Load failures fall back to the
// default for this run without caching, so a transient SSM outage does not
// pin the fallback for the process lifetime.
func (s *Scanner) silenceThreshold(ctx context.Context) time.Duration {
	if s.params == nil {
		return defaultSilenceThreshold
	}

	s.cacheMu.RLock()
	if s.cacheLoaded {
		defer s.cacheMu.RUnlock()
		return s.threshold
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return s.threshold
	}

	raw, err := s.params.GetParameter(ctx, s.paramPrefix+"/silence_threshold_hours")
	if err != nil {
		s.logger.Warn("load silence threshold failed; using default", "err", err)
		return defaultSilenceThreshold
	}
	hours, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || hours <= 0 {
		s.logger.Warn("invalid silence threshold parameter; using default", "value", raw)
		return defaultSilenceThreshold
	}

	s.threshold = time.Duration(hours) * time.Hour
	s.cacheLoaded = true
	return s.threshold
}

var newUUID = func() string {
	return uuid.NewString()
}
