package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reengagement-agent/internal/domain"
)

// fakeActivityStore mimics the store's conditional-update semantics with a
// mutex so concurrent scans exercise the real claim discipline.
type fakeActivityStore struct {
	mu         sync.Mutex
	activities map[string]*domain.ConversationActivity
	profiles   map[string]domain.AvatarProfile
	messages   []domain.Message

	findErr    error
	profileErr map[string]error
	appendErr  map[string]error
	claimErr   error
	releaseErr error

	releaseCalls []string
}

func newFakeActivityStore() *fakeActivityStore {
	return &fakeActivityStore{
		activities: map[string]*domain.ConversationActivity{},
		profiles:   map[string]domain.AvatarProfile{},
		profileErr: map[string]error{},
		appendErr:  map[string]error{},
	}
}

func (f *fakeActivityStore) addConversation(id string, lastMessageAt time.Time, sent bool, profile domain.AvatarProfile) {
	f.activities[id] = &domain.ConversationActivity{
		ConversationID:   id,
		UserID:           "user-1",
		AvatarID:         profile.AvatarID,
		LastMessageAt:    lastMessageAt,
		NotificationSent: sent,
	}
	f.profiles[id] = profile
}

func (f *fakeActivityStore) FindSilentConversations(_ context.Context, before time.Time) ([]domain.ConversationActivity, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ConversationActivity
	for _, a := range f.activities {
		if a.LastMessageAt.Before(before) && !a.NotificationSent {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeActivityStore) ClaimForDispatch(_ context.Context, conversationID string) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.activities[conversationID]
	if !ok || a.NotificationSent {
		return false, nil
	}
	a.NotificationSent = true
	return true, nil
}

func (f *fakeActivityStore) ReleaseClaim(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls = append(f.releaseCalls, conversationID)
	if f.releaseErr != nil {
		return f.releaseErr
	}
	if a, ok := f.activities[conversationID]; ok {
		a.NotificationSent = false
	}
	return nil
}

func (f *fakeActivityStore) GetAvatarProfile(_ context.Context, conversationID string) (domain.AvatarProfile, error) {
	if err := f.profileErr[conversationID]; err != nil {
		return domain.AvatarProfile{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[conversationID]
	if !ok {
		return domain.AvatarProfile{}, fmt.Errorf("no profile for %s", conversationID)
	}
	return p, nil
}

func (f *fakeActivityStore) AppendMessage(_ context.Context, msg domain.Message) error {
	if err := f.appendErr[msg.ConversationID]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	if a, ok := f.activities[msg.ConversationID]; ok {
		a.LastMessageAt = msg.CreatedAt
		if msg.IsUser {
			a.NotificationSent = false
		}
	}
	return nil
}

func (f *fakeActivityStore) GetHistory(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	msgs := f.messagesFor(conversationID)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (f *fakeActivityStore) messagesFor(conversationID string) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

type fakeSelector struct {
	texts map[string]string // "personality|tone|category" -> text
	err   error
	calls [][3]string
}

func (f *fakeSelector) Select(_ context.Context, personality, tone, category string) (string, error) {
	f.calls = append(f.calls, [3]string{personality, tone, category})
	if f.err != nil {
		return "", f.err
	}
	if text, ok := f.texts[personality+"|"+tone+"|"+category]; ok {
		return text, nil
	}
	if text, ok := f.texts[personality+"|"+tone+"|"]; ok {
		return text, nil
	}
	return "default text", nil
}

type fakeFeed struct {
	mu        sync.Mutex
	published []domain.Message
	err       error
}

func (f *fakeFeed) Publish(_ context.Context, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, msg)
	return nil
}

type fakeParams struct {
	vals map[string]string
	err  error
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.vals[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

func mustNewScanner(t *testing.T, store ActivityStore, selector TemplateSelector, feed FeedPublisher, params ParamGetter) *Scanner {
	t.Helper()
	s, err := NewScanner(store, selector, feed, params, "/app", nil)
	require.NoError(t, err)
	return s
}

func silentProfile() domain.AvatarProfile {
	return domain.AvatarProfile{
		AvatarID:    "avatar-1",
		Name:        "Luna",
		Personality: "cheerful",
		Tone:        "warm",
		Category:    "fitness",
	}
}

func TestNewScanner_Validates(t *testing.T) {
	_, err := NewScanner(nil, &fakeSelector{}, nil, nil, "", nil)
	require.Error(t, err)
	_, err = NewScanner(newFakeActivityStore(), nil, nil, nil, "", nil)
	require.Error(t, err)
}

func TestRunOnce_DispatchesGeneralTemplateForSilentConversation(t *testing.T) {
	store := newFakeActivityStore()
	store.addConversation("conv-1", time.Now().Add(-25*time.Hour), false, silentProfile())

	// No exact (personality, tone, category) text configured; only the
	// general tuple resolves.
	selector := &fakeSelector{texts: map[string]string{
		"cheerful|warm|": "I miss our chats! Come back soon 💪",
	}}
	feed := &fakeFeed{}
	s := mustNewScanner(t, store, selector, feed, nil)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Equal(t, 1, report.Total)
	require.Empty(t, report.Errors)

	msgs := store.messagesFor("conv-1")
	require.Len(t, msgs, 1)
	require.Equal(t, "I miss our chats! Come back soon 💪", msgs[0].Content)
	require.False(t, msgs[0].IsUser)
	require.Equal(t, "Luna", msgs[0].AvatarName)
	require.Equal(t, "user-1", msgs[0].UserID)
	require.True(t, store.activities["conv-1"].NotificationSent)

	require.Len(t, feed.published, 1)
	require.Equal(t, msgs[0].ID, feed.published[0].ID)
}

func TestRunOnce_ZeroCandidatesIsSuccess(t *testing.T) {
	store := newFakeActivityStore()
	store.addConversation("conv-1", time.Now().Add(-time.Hour), false, silentProfile())

	s := mustNewScanner(t, store, &fakeSelector{}, nil, nil)
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Processed)
	require.Zero(t, report.Total)
}

func TestRunOnce_AlreadyNotifiedIsSkipped(t *testing.T) {
	store := newFakeActivityStore()
	store.addConversation("conv-1", time.Now().Add(-48*time.Hour), true, silentProfile())

	s := mustNewScanner(t, store, &fakeSelector{}, nil, nil)
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Total)
	require.Empty(t, store.messages)
}

func TestRunOnce_FailureIsolation(t *testing.T) {
	store := newFakeActivityStore()
	store.addConversation("conv-bad", time.Now().Add(-30*time.Hour), false, silentProfile())
	store.addConversation("conv-good", time.Now().Add(-30*time.Hour), false, silentProfile())
	store.appendErr["conv-bad"] = errors.New("write throttled")

	s := mustNewScanner(t, store, &fakeSelector{}, nil, nil)
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Total)
	require.Equal(t, 1, report.Processed)
	require.Len(t, report.Errors, 1)
	require.Contains(t, report.Errors[0], "conv-bad")

	require.Len(t, store.messagesFor("conv-good"), 1)
}

func TestRunOnce_InsertFailureReleasesClaim(t *testing.T) {
	store := newFakeActivityStore()
	store.addConversation("conv-1", time.Now().Add(-30*time.Hour), false, silentProfile())
	store.appendErr["conv-1"] = errors.New("write throttled")

	s := mustNewScanner(t, store, &fakeSelector{}, nil, nil)
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Processed)
	require.Len(t, report.Errors, 1)

	// The claim was rolled back, so the conversation stays a candidate.
	require.Equal(t, []string{"conv-1"}, store.releaseCalls)
	require.False(t, store.activities["conv-1"].NotificationSent)
}

func TestRunOnce_TemplateErrorReleasesClaim(t *testing.T) {
	store := newFakeActivityStore()
	store.addConversation("conv-1", time.Now().Add(-30*time.Hour), false, silentProfile())

	s := mustNewScanner(t, store, &fakeSelector{err: errors.New("table offline")}, nil, nil)
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	require.False(t, store.activities["conv-1"].NotificationSent)
}

func TestRunOnce_FindErrorIsInternal(t *testing.T) {
	store := newFakeActivityStore()
	store.findErr = errors.New("store unreachable")

	s := mustNewScanner(t, store, &fakeSelector{}, nil, nil)
	_, err := s.RunOnce(context.Background())
	require.Error(t, err)

	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInternal, ucErr.Code)
}

func TestRunOnce_FeedFailureDoesNotFailDispatch(t *testing.T) {
	store := newFakeActivityStore()
	store.addConversation("conv-1", time.Now().Add(-30*time.Hour), false, silentProfile())

	s := mustNewScanner(t, store, &fakeSelector{}, &fakeFeed{err: errors.New("redis down")}, nil)
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Empty(t, report.Errors)
}

func TestRunOnce_ConcurrentScansDispatchExactlyOnce(t *testing.T) {
	store := newFakeActivityStore()
	for i := 0; i < 5; i++ {
		store.addConversation(fmt.Sprintf("conv-%d", i), time.Now().Add(-30*time.Hour), false, silentProfile())
	}

	s1 := mustNewScanner(t, store, &fakeSelector{}, nil, nil)
	s2 := mustNewScanner(t, store, &fakeSelector{}, nil, nil)

	var wg sync.WaitGroup
	reports := make([]domain.ScanReport, 2)
	errs := make([]error, 2)
	for i, s := range []*Scanner{s1, s2} {
		wg.Add(1)
		go func(i int, s *Scanner) {
			defer wg.Done()
			reports[i], errs[i] = s.RunOnce(context.Background())
		}(i, s)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Every conversation got exactly one message regardless of which scan
	// won its claim.
	require.Len(t, store.messages, 5)
	require.Equal(t, 5, reports[0].Processed+reports[1].Processed)
	for i := 0; i < 5; i++ {
		require.Len(t, store.messagesFor(fmt.Sprintf("conv-%d", i)), 1)
	}
}

func TestRunOnce_RearmedConversationIsEligibleAgain(t *testing.T) {
	store := newFakeActivityStore()
	store.addConversation("conv-1", time.Now().Add(-30*time.Hour), false, silentProfile())

	s := mustNewScanner(t, store, &fakeSelector{}, nil, nil)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, store.activities["conv-1"].NotificationSent)

	// User replies: the flag re-arms and the clock restarts.
	userMsg := domain.Message{
		ID:             "m-user",
		ConversationID: "conv-1",
		UserID:         "user-1",
		Content:        "hey, sorry I was away",
		IsUser:         true,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.AppendMessage(context.Background(), userMsg))
	require.False(t, store.activities["conv-1"].NotificationSent)

	// Fast-forward past the threshold again.
	store.activities["conv-1"].LastMessageAt = time.Now().Add(-30 * time.Hour)
	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	require.Len(t, store.messagesFor("conv-1"), 3)
}

func TestSilenceThreshold_FromParamStore(t *testing.T) {
	store := newFakeActivityStore()
	// Silent for 30h: eligible under the default 24h threshold but not
	// under a configured 48h one.
	store.addConversation("conv-1", time.Now().Add(-30*time.Hour), false, silentProfile())

	params := &fakeParams{vals: map[string]string{"/app/silence_threshold_hours": "48"}}
	s := mustNewScanner(t, store, &fakeSelector{}, nil, params)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Total)
}

func TestSilenceThreshold_FallsBackOnParamError(t *testing.T) {
	store := newFakeActivityStore()
	store.addConversation("conv-1", time.Now().Add(-30*time.Hour), false, silentProfile())

	params := &fakeParams{err: errors.New("ssm down")}
	s := mustNewScanner(t, store, &fakeSelector{}, nil, params)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
}

func TestSilenceThreshold_IgnoresInvalidValue(t *testing.T) {
	store := newFakeActivityStore()
	store.addConversation("conv-1", time.Now().Add(-30*time.Hour), false, silentProfile())

	params := &fakeParams{vals: map[string]string{"/app/silence_threshold_hours": "soon"}}
	s := mustNewScanner(t, store, &fakeSelector{}, nil, params)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
}
