package khala

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openagents/control/pkg/apierr"
)

// Hello is the first frame sent on every websocket stream.
type Hello struct {
	Type                        string `json:"type"`
	Topic                       string `json:"topic"`
	AfterSeq                    uint64 `json:"after_seq"`
	Limit                       int    `json:"limit"`
	RecommendedReconnectBackoff int64  `json:"recommended_reconnect_backoff_ms"`
}

// WireMessage wraps a khala Message for the Message frame type.
type WireMessage struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// WireStaleCursor mirrors an apierr.Error's details for the StaleCursor frame.
type WireStaleCursor struct {
	Type    string                 `json:"type"`
	Details map[string]interface{} `json:"details"`
}

// WireError is the terminal Error frame.
type WireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // every origin is accepted
}

// StreamHandler serves a topic's poll loop over a websocket connection.
// It makes no topic-authorization or origin check and uses
// principal/topic/afterSeq/limit as given; the runtime's stream route
// calls it without a sync-token or origin check in front of it.
type StreamHandler struct {
	Bus          *Bus
	PollInterval time.Duration
}

func (h *StreamHandler) ServeWS(w http.ResponseWriter, r *http.Request, principal, topic string, afterSeq uint64, limit int) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("khala ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(Hello{
		Type:                        "Hello",
		Topic:                       topic,
		AfterSeq:                    afterSeq,
		Limit:                       limit,
		RecommendedReconnectBackoff: 2000,
	}); err != nil {
		return
	}

	cursor := afterSeq
	ticker := time.NewTicker(h.pollInterval())
	defer ticker.Stop()

	for range ticker.C {
		result, err := h.Bus.Poll(principal, topic, cursor, limit, time.Now())
		if err != nil {
			h.emitTerminalError(conn, err)
			return
		}
		for _, msg := range result.Messages {
			if err := conn.WriteJSON(WireMessage{Type: "Message", Message: msg}); err != nil {
				return
			}
		}
		cursor = result.NextCursor
	}
}

func (h *StreamHandler) pollInterval() time.Duration {
	if h.PollInterval <= 0 {
		return 500 * time.Millisecond
	}
	return h.PollInterval
}

func (h *StreamHandler) emitTerminalError(conn *websocket.Conn, err error) {
	if apiErr, ok := err.(*apierr.Error); ok && apiErr.ErrorCode == apierr.StaleCursor {
		_ = conn.WriteJSON(WireStaleCursor{Type: "StaleCursor", Details: apiErr.Details})
		return
	}
	code := "internal"
	if apiErr, ok := err.(*apierr.Error); ok {
		code = string(apiErr.ErrorCode)
	}
	_ = conn.WriteJSON(WireError{Type: "Error", Code: code, Message: err.Error()})
}
