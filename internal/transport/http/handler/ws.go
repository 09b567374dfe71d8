package handler

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"docuchat/internal/app"
	"docuchat/internal/pkg/jwtutil"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth happens below; the browser origin is not meaningful for a
	// token-authenticated API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WSHandler struct {
	chatService *app.ChatService
	jwtSecret   string
}

type wsInbound struct {
	Content string     `json:"content"`
	LLM     LLMRequest `json:"llm"`
}

type wsOutbound struct {
	Type    string `json:"type"` // delta, done, error
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

func NewWSHandler(chatService *app.ChatService, jwtSecret string) *WSHandler {
	return &WSHandler{chatService: chatService, jwtSecret: jwtSecret}
}

// Chat upgrades the connection and streams completions for each inbound
// message. Browsers cannot set headers on WebSocket requests, so the token
// rides in the query string.
func (h *WSHandler) Chat(c *gin.Context) {
	claims, err := jwtutil.ParseToken(h.jwtSecret, c.Query("token"))
	if err != nil {
		c.Status(http.StatusUnauthorized)
		return
	}
	sessionID64, err := strconv.ParseUint(c.Query("session_id"), 10, 64)
	if err != nil || sessionID64 == 0 {
		c.Status(http.StatusBadRequest)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Keepalive: the read deadline only refreshes on pongs or inbound
	// messages, so idle sessions need server-side pings. WriteControl is safe
	// alongside WriteJSON.
	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				deadline := time.Now().Add(wsWriteWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read failed: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		full, err := h.chatService.StreamMessage(c.Request.Context(), app.SendMessageInput{
			UserID:    claims.UserID,
			SessionID: uint(sessionID64),
			Content:   in.Content,
			LLM: app.LLMOverride{
				BaseURL: in.LLM.BaseURL,
				APIKey:  in.LLM.APIKey,
				Model:   in.LLM.Model,
			},
		}, func(chunk string) error {
			return writeWS(conn, wsOutbound{Type: "delta", Content: chunk})
		})
		if err != nil {
			msg := "send message failed"
			if errors.Is(err, app.ErrInvalidInput) || errors.Is(err, app.ErrMessageEmpty) ||
				errors.Is(err, app.ErrSessionNotFound) {
				msg = err.Error()
			}
			if writeErr := writeWS(conn, wsOutbound{Type: "error", Message: msg}); writeErr != nil {
				return
			}
			continue
		}

		if err := writeWS(conn, wsOutbound{Type: "done", Content: full}); err != nil {
			return
		}
	}
}

func writeWS(conn *websocket.Conn, out wsOutbound) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(out)
}
