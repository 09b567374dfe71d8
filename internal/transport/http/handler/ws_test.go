package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"docuchat/internal/ai"
	"docuchat/internal/app"
	"docuchat/internal/model"
	"docuchat/internal/pkg/jwtutil"
	"docuchat/internal/repository"
)

const wsTestSecret = "ws-test-secret"

type recordingPublisher struct {
	published []model.Message
}

func (p *recordingPublisher) Publish(ctx context.Context, msg model.Message) error {
	p.published = append(p.published, msg)
	return nil
}

// streamingLLMServer emits the given deltas as server-sent chunks.
func streamingLLMServer(t *testing.T, deltas []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
}

func newWSTestServer(t *testing.T, llmBaseURL string) (*httptest.Server, *model.Session, *recordingPublisher) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Session{}, &model.Message{}))

	sessionRepo := repository.NewSessionRepository(db)
	session := &model.Session{UserID: 1, Title: "test"}
	require.NoError(t, sessionRepo.Create(session))

	publisher := &recordingPublisher{}
	chatService := app.NewChatService(
		sessionRepo,
		repository.NewMessageRepository(db),
		publisher,
		nil,
		ai.ChatConfig{BaseURL: llmBaseURL, APIKey: "test", Model: "test-model"},
		20,
	)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/v1/chat/ws", NewWSHandler(chatService, wsTestSecret).Chat)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, session, publisher
}

func dialWS(t *testing.T, srv *httptest.Server, token string, sessionID uint) (*websocket.Conn, *http.Response) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		fmt.Sprintf("/api/v1/chat/ws?token=%s&session_id=%d", token, sessionID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, resp
	}
	return conn, resp
}

func TestWSChatStreamsDeltasThenDone(t *testing.T) {
	llm := streamingLLMServer(t, []string{"Hello", ", ", "world"})
	defer llm.Close()
	srv, session, publisher := newWSTestServer(t, llm.URL)

	token, err := jwtutil.GenerateToken(wsTestSecret, time.Hour, 1, "alice")
	require.NoError(t, err)

	conn, _ := dialWS(t, srv, token, session.ID)
	require.NotNil(t, conn)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"content": "greet me"}))

	var deltas []string
	var done string
	for done == "" {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var out struct {
			Type    string `json:"type"`
			Content string `json:"content"`
			Message string `json:"message"`
		}
		require.NoError(t, conn.ReadJSON(&out))
		switch out.Type {
		case "delta":
			deltas = append(deltas, out.Content)
		case "done":
			done = out.Content
		default:
			t.Fatalf("unexpected frame type %q: %+v", out.Type, out)
		}
	}

	assert.Equal(t, []string{"Hello", ", ", "world"}, deltas)
	assert.Equal(t, "Hello, world", done)

	// Both sides of the exchange went into the persist queue.
	require.Len(t, publisher.published, 2)
	assert.Equal(t, "user", publisher.published[0].Role)
	assert.Equal(t, "greet me", publisher.published[0].Content)
	assert.Equal(t, "assistant", publisher.published[1].Role)
	assert.Equal(t, "Hello, world", publisher.published[1].Content)
}

func TestWSChatErrorFrameKeepsConnection(t *testing.T) {
	llm := streamingLLMServer(t, []string{"ok"})
	defer llm.Close()
	srv, session, _ := newWSTestServer(t, llm.URL)

	token, err := jwtutil.GenerateToken(wsTestSecret, time.Hour, 1, "alice")
	require.NoError(t, err)

	conn, _ := dialWS(t, srv, token, session.ID)
	require.NotNil(t, conn)
	defer conn.Close()

	// Empty content is rejected per message, not per connection.
	require.NoError(t, conn.WriteJSON(map[string]string{"content": "   "}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "error", out.Type)
	assert.NotEmpty(t, out.Message)

	// The same connection still serves the next message.
	require.NoError(t, conn.WriteJSON(map[string]string{"content": "hello"}))
	var next struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		require.NoError(t, conn.ReadJSON(&next))
		if next.Type == "done" {
			break
		}
	}
	assert.Equal(t, "ok", next.Content)
}

func TestWSChatRejectsBadToken(t *testing.T) {
	srv, session, _ := newWSTestServer(t, "http://unused")

	conn, resp := dialWS(t, srv, "not-a-token", session.ID)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
