package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"reengagement-agent/internal/domain"
)

const (
	defaultMaxContext    = 20
	defaultMaxMessageLen = 2000
)

// ChatStore is the conversation surface the chat path consumes.
type ChatStore interface {
	GetAvatarProfile(ctx context.Context, conversationID string) (domain.AvatarProfile, error)
	GetHistory(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	AppendMessage(ctx context.Context, msg domain.Message) error
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// ChatService handles a user's conversation turn: it persists the user
// message (which re-arms the conversation's re-engagement flag), generates
// the avatar persona's reply and persists and publishes it.
type ChatService struct {
	store         ChatStore
	llm           LLMClient
	feed          FeedPublisher
	params        ParamGetter
	paramPrefix   string
	maxContext    int
	maxMessageLen int
	logger        *slog.Logger

	cacheMu     sync.RWMutex
	cacheLoaded bool
	model       string

	now func() time.Time
}

type SendInput struct {
	UserID         string
	ConversationID string
	Content        string
}

type SendOutput struct {
	Reply domain.Message
}

func NewChatService(store ChatStore, llm LLMClient, feed FeedPublisher, params ParamGetter, paramPrefix string, maxContext, maxMessageLen int, logger *slog.Logger) (*ChatService, error) {
	if store == nil {
		return nil, errors.New("usecase: chat store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxContext <= 0 {
		maxContext = defaultMaxContext
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		store:         store,
		llm:           llm,
		feed:          feed,
		params:        params,
		paramPrefix:   paramPrefix,
		maxContext:    maxContext,
		maxMessageLen: maxMessageLen,
		logger:        logger,
		now:           time.Now,
	}, nil
}

func (s *ChatService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if len(content) > s.maxMessageLen {
		return SendOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return SendOutput{}, newError(ErrorInvalidInput, "missing_conversation", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return SendOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	profile, err := s.store.GetAvatarProfile(ctx, convID)
	if err != nil {
		return SendOutput{}, newError(ErrorInternal, "avatar_profile_error", err)
	}

	history, err := s.store.GetHistory(ctx, convID, s.maxContext)
	if err != nil {
		return SendOutput{}, newError(ErrorInternal, "history_error", err)
	}

	userMsg := domain.Message{
		ID:             newUUID(),
		ConversationID: convID,
		UserID:         in.UserID,
		AvatarName:     profile.Name,
		Content:        content,
		IsUser:         true,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return SendOutput{}, newError(ErrorInternal, "message_write_error", err)
	}
	s.publish(ctx, userMsg)

	raw, err := s.llm.Chat(ctx, s.model, buildPersonaMessages(profile, history, content))
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return SendOutput{}, newError(ErrorRateLimited, "llm_rate_limited", err)
		}
		return SendOutput{}, newError(ErrorUpstream, "llm_error", err)
	}
	reply := domain.Message{
		ID:             newUUID(),
		ConversationID: convID,
		UserID:         in.UserID,
		AvatarName:     profile.Name,
		Content:        strings.TrimSpace(raw),
		IsUser:         false,
		CreatedAt:      s.now().UTC(),
	}
	if reply.Content == "" {
		return SendOutput{}, newError(ErrorUpstream, "llm_empty_reply", nil)
	}

	if err := s.store.AppendMessage(ctx, reply); err != nil {
		return SendOutput{}, newError(ErrorInternal, "message_write_error", err)
	}
	s.publish(ctx, reply)

	return SendOutput{Reply: reply}, nil
}

func (s *ChatService) publish(ctx context.Context, msg domain.Message) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, msg); err != nil {
		s.logger.Warn("feed publish failed", "conversation_id", msg.ConversationID, "err", err)
	}
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/llm_model")
	if err != nil {
		return err
	}
	s.model = model
	s.cacheLoaded = true
	return nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
