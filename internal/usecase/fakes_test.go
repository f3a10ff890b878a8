package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"persona-relay/internal/broadcast"
	"persona-relay/internal/domain"
	"persona-relay/internal/metrics"
)

// memStore is an in-memory Store with the same conditional semantics as the
// real implementations.
type memStore struct {
	mu       sync.Mutex
	convs    map[string]domain.Conversation // by id
	threads  map[string]string              // thread -> id
	records  map[string]string              // record id -> id
	messages map[string]domain.Message
	seq      int

	createErr error
	getErr    error
	saveErr   error
	listErr   error
	modeErr   error
	markErr   map[string]error
	saves     int
}

func newMemStore() *memStore {
	return &memStore{
		convs:    map[string]domain.Conversation{},
		threads:  map[string]string{},
		records:  map[string]string{},
		messages: map[string]domain.Message{},
		markErr:  map[string]error{},
	}
}

func (s *memStore) CreateConversation(_ context.Context, c domain.Conversation) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return domain.Conversation{}, s.createErr
	}
	if _, ok := s.threads[c.ThreadHandle]; ok {
		return domain.Conversation{}, fmt.Errorf("thread %q already correlated", c.ThreadHandle)
	}
	s.seq++
	c.StoreRecordID = "rec-" + strconv.Itoa(s.seq)
	s.convs[c.ID] = c
	s.threads[c.ThreadHandle] = c.ID
	s.records[c.StoreRecordID] = c.ID
	return c, nil
}

func (s *memStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.Conversation{}, s.getErr
	}
	c, ok := s.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *memStore) GetConversationByThread(_ context.Context, thread string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.Conversation{}, s.getErr
	}
	id, ok := s.threads[thread]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return s.convs[id], nil
}

func (s *memStore) SetMode(_ context.Context, recordID string, mode domain.Mode) (domain.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.modeErr != nil {
		return "", s.modeErr
	}
	id, ok := s.records[recordID]
	if !ok {
		return "", domain.ErrNotFound
	}
	c := s.convs[id]
	prev := c.Mode
	c.Mode = mode
	s.convs[id] = c
	return prev, nil
}

func (s *memStore) SaveMessage(_ context.Context, m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("message %q already exists", m.ID)
	}
	s.messages[m.ID] = m
	s.saves++
	return nil
}

func (s *memStore) sorted(conversationID string, keep func(domain.Message) bool) []domain.Message {
	var out []domain.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (s *memStore) ListMessages(_ context.Context, conversationID string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := s.sorted(conversationID, func(domain.Message) bool { return true })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) ListUndisplayed(_ context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.sorted(conversationID, func(m domain.Message) bool { return !m.Displayed }), nil
}

func (s *memStore) MarkDisplayed(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.markErr[messageID]; err != nil {
		return false, err
	}
	m, ok := s.messages[messageID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if m.Displayed {
		return false, nil
	}
	m.Displayed = true
	s.messages[messageID] = m
	return true, nil
}

func (s *memStore) conv(t *testing.T, id string) domain.Conversation {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	require.True(t, ok, "conversation %s not stored", id)
	return c
}

func (s *memStore) transcript(id string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(id, func(domain.Message) bool { return true })
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type post struct {
	channel string
	text    string
	thread  string
}

type fakeChannel struct {
	mu      sync.Mutex
	posts   []post
	next    int
	err     error
	failTop error // only for posts that open a thread
}

func (f *fakeChannel) PostMessage(_ context.Context, channel, text, thread string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if thread == "" && f.failTop != nil {
		return "", f.failTop
	}
	if f.err != nil {
		return "", f.err
	}
	f.posts = append(f.posts, post{channel: channel, text: text, thread: thread})
	f.next++
	return fmt.Sprintf("1700000000.%06d", f.next), nil
}

func (f *fakeChannel) threadPosts(thread string) []post {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []post
	for _, p := range f.posts {
		if p.thread == thread {
			out = append(out, p)
		}
	}
	return out
}

type fakeResponder struct {
	mu      sync.Mutex
	answer  string
	err     error
	delay   time.Duration
	entered chan struct{} // signalled when a call starts, if set
	calls   [][]domain.ChatMessage
	models  []string
}

func (f *fakeResponder) Chat(ctx context.Context, model string, msgs []domain.ChatMessage) (string, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msgs)
	f.models = append(f.models, model)
	return f.answer, f.err
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type mapParams map[string]string

func (m mapParams) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", fmt.Errorf("param not found: %s", name)
	}
	return v, nil
}

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return "upstream status " + strconv.Itoa(e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }

type fixture struct {
	store     *memStore
	channel   *fakeChannel
	responder *fakeResponder
	bcast     *broadcast.Broadcaster
	metrics   *metrics.Metrics
	svc       *Coordinator
}

const testPersona = "You are Ada, the owner of this website. Answer briefly."

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore(),
		channel:   &fakeChannel{},
		responder: &fakeResponder{answer: "Bonjour ! Comment puis-je vous aider ?"},
		bcast:     broadcast.New(nil),
		metrics:   metrics.New(),
	}
	t.Cleanup(f.bcast.Close)
	svc, err := NewCoordinator(Deps{
		Store:       f.store,
		Channel:     f.channel,
		Responder:   f.responder,
		Params:      mapParams{"/prefix/persona_prompt": testPersona, "/prefix/config/openai_model": "gpt-4o-mini"},
		Broadcaster: f.bcast,
		Metrics:     f.metrics,
	}, Config{
		ParamPrefix:      "/prefix/",
		ChannelName:      "#conversations",
		PersonaName:      "Ada",
		StoreTimeout:     time.Second,
		ChannelTimeout:   time.Second,
		ResponderTimeout: time.Second,
	})
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	tick := 0
	svc.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	var idMu sync.Mutex
	ids := 0
	svc.newID = func() string {
		idMu.Lock()
		defer idMu.Unlock()
		ids++
		return fmt.Sprintf("id-%03d", ids)
	}
	f.svc = svc
	return f
}

// seedConversation creates a conversation directly in the store.
func (f *fixture) seedConversation(t *testing.T, id, thread string, mode domain.Mode) domain.Conversation {
	t.Helper()
	c, err := f.store.CreateConversation(context.Background(), domain.Conversation{
		ID: id, ThreadHandle: thread, Mode: mode, Visitor: "anonymous",
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) seedMessage(t *testing.T, convID, id string, role domain.Role, content string, displayed bool, at time.Time) {
	t.Helper()
	require.NoError(t, f.store.SaveMessage(context.Background(), domain.Message{
		ID: id, ConversationID: convID, Role: role, Content: content, Timestamp: at, Displayed: displayed,
	}))
}

func expectCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
	if reason != "" {
		require.Equal(t, reason, ue.Reason)
	}
}

var errBoom = errors.New("boom")
