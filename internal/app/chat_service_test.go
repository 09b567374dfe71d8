package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuchat/internal/ai"
	"docuchat/internal/model"
	"docuchat/internal/repository"
)

type fakePublisher struct {
	published []model.Message
	failNext  bool
}

func (p *fakePublisher) Publish(ctx context.Context, msg model.Message) error {
	if p.failNext {
		p.failNext = false
		return assert.AnError
	}
	p.published = append(p.published, msg)
	return nil
}

type fakeHistoryCache struct {
	history  map[uint][]model.Message
	dirty    map[uint]bool
	setCalls int
	getCalls int
}

func newFakeHistoryCache() *fakeHistoryCache {
	return &fakeHistoryCache{
		history: make(map[uint][]model.Message),
		dirty:   make(map[uint]bool),
	}
}

func (c *fakeHistoryCache) GetHistory(ctx context.Context, sessionID uint) ([]model.Message, bool, error) {
	c.getCalls++
	messages, ok := c.history[sessionID]
	return messages, ok, nil
}

func (c *fakeHistoryCache) SetHistory(ctx context.Context, sessionID uint, messages []model.Message) error {
	c.setCalls++
	c.history[sessionID] = messages
	return nil
}

func (c *fakeHistoryCache) DeleteHistory(ctx context.Context, sessionID uint) error {
	delete(c.history, sessionID)
	return nil
}

func (c *fakeHistoryCache) MarkDirty(ctx context.Context, sessionID uint) error {
	c.dirty[sessionID] = true
	return nil
}

func (c *fakeHistoryCache) IsDirty(ctx context.Context, sessionID uint) (bool, error) {
	return c.dirty[sessionID], nil
}

// fakeLLMServer answers /chat/completions with a fixed non-streaming reply.
func fakeLLMServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": reply}},
			},
		})
	}))
}

type chatFixture struct {
	svc       *ChatService
	publisher *fakePublisher
	cache     *fakeHistoryCache
	sessions  *repository.SessionRepository
	messages  *repository.MessageRepository
}

func newChatFixture(t *testing.T, llmBaseURL string) *chatFixture {
	t.Helper()
	db := newTestDB(t)
	require.NoError(t, db.AutoMigrate(&model.Session{}, &model.Message{}))

	publisher := &fakePublisher{}
	cache := newFakeHistoryCache()
	sessions := repository.NewSessionRepository(db)
	messages := repository.NewMessageRepository(db)
	svc := NewChatService(sessions, messages, publisher, cache,
		ai.ChatConfig{BaseURL: llmBaseURL, APIKey: "test", Model: "test-model"}, 20)
	return &chatFixture{svc: svc, publisher: publisher, cache: cache, sessions: sessions, messages: messages}
}

func (f *chatFixture) seedSession(t *testing.T, userID uint, history ...model.Message) *model.Session {
	t.Helper()
	session := &model.Session{UserID: userID, Title: "test"}
	require.NoError(t, f.sessions.Create(session))
	for i := range history {
		history[i].SessionID = session.ID
		history[i].UserID = userID
		require.NoError(t, f.messages.Create(&history[i]))
	}
	return session
}

func TestGetHistoryServesCleanCache(t *testing.T) {
	f := newChatFixture(t, "http://unused")
	session := f.seedSession(t, 1,
		model.Message{Role: "user", Content: "from the database"},
	)

	// A clean cached history must win over the database rows.
	f.cache.history[session.ID] = []model.Message{
		{SessionID: session.ID, Role: "user", Content: "from the cache"},
	}

	history, err := f.svc.GetHistory(1, session.ID, 100)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "from the cache", history[0].Content)
}

func TestGetHistoryBypassesDirtyCache(t *testing.T) {
	f := newChatFixture(t, "http://unused")
	session := f.seedSession(t, 1,
		model.Message{Role: "user", Content: "hello"},
		model.Message{Role: "assistant", Content: "hi there"},
	)

	// Stale cache entry plus dirty marker: an async persist is in flight.
	f.cache.history[session.ID] = []model.Message{
		{SessionID: session.ID, Role: "user", Content: "stale"},
	}
	f.cache.dirty[session.ID] = true

	history, err := f.svc.GetHistory(1, session.ID, 100)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Content)
	// Dirty sessions must not repopulate the cache with possibly incomplete
	// rows either.
	assert.Zero(t, f.cache.setCalls)
}

func TestGetHistoryPopulatesCacheOnMiss(t *testing.T) {
	f := newChatFixture(t, "http://unused")
	session := f.seedSession(t, 1,
		model.Message{Role: "user", Content: "hello"},
	)

	history, err := f.svc.GetHistory(1, session.ID, 100)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, f.cache.setCalls)
	assert.Len(t, f.cache.history[session.ID], 1)
}

func TestGetHistoryWrongOwner(t *testing.T) {
	f := newChatFixture(t, "http://unused")
	session := f.seedSession(t, 1)

	_, err := f.svc.GetHistory(2, session.ID, 100)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSendMessagePublishesAndInvalidatesCache(t *testing.T) {
	srv := fakeLLMServer(t, "assistant reply")
	defer srv.Close()

	f := newChatFixture(t, srv.URL)
	session := f.seedSession(t, 1)
	f.cache.history[session.ID] = []model.Message{{Content: "stale"}}

	result, err := f.svc.SendMessage(SendMessageInput{
		UserID:    1,
		SessionID: session.ID,
		Content:   "how are you?",
	})
	require.NoError(t, err)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, "assistant reply", result.Messages[1].Content)

	// User and assistant messages go through the persist queue; the cached
	// history is invalidated and flagged dirty until the worker catches up.
	require.Len(t, f.publisher.published, 2)
	assert.Equal(t, "user", f.publisher.published[0].Role)
	assert.Equal(t, "assistant", f.publisher.published[1].Role)
	assert.True(t, f.cache.dirty[session.ID])
	assert.NotContains(t, f.cache.history, session.ID)
}

func TestSendMessageEnqueueFailure(t *testing.T) {
	srv := fakeLLMServer(t, "unused")
	defer srv.Close()

	f := newChatFixture(t, srv.URL)
	session := f.seedSession(t, 1)
	f.publisher.failNext = true

	_, err := f.svc.SendMessage(SendMessageInput{UserID: 1, SessionID: session.ID, Content: "hi"})
	assert.ErrorIs(t, err, ErrMessageEnqueue)
}

func TestSendMessageUnknownSession(t *testing.T) {
	f := newChatFixture(t, "http://unused")

	_, err := f.svc.SendMessage(SendMessageInput{UserID: 1, SessionID: 42, Content: "hi"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
