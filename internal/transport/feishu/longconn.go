package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Long-connection keepalive parameters. The server drops connections
// that miss two ping intervals.
const (
	pingInterval  = 30 * time.Second
	readDeadline  = 90 * time.Second
	writeDeadline = 10 * time.Second

	reconnectMin = time.Second
	reconnectMax = time.Minute
)

// eventEnvelope is one pushed event. Event payloads are type-specific
// and left raw until the event type is known.
type eventEnvelope struct {
	Schema string `json:"schema"`
	Header struct {
		EventID    string `json:"event_id"`
		EventType  string `json:"event_type"`
		CreateTime string `json:"create_time"`
		Token      string `json:"token"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`
}

// messageEvent is the payload of im.message.receive_v1.
type messageEvent struct {
	Sender struct {
		SenderType string `json:"sender_type"`
		SenderID   struct {
			OpenID string `json:"open_id"`
			UserID string `json:"user_id"`
		} `json:"sender_id"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

// longConn maintains the event-subscription websocket: it resolves the
// per-app gateway endpoint, keeps the connection alive and hands every
// event envelope to the handler. Reconnects with exponential backoff
// until ctx is cancelled.
type longConn struct {
	appID     string
	appSecret string
	baseURL   string
	handler   func(env eventEnvelope)
	log       *slog.Logger
}

func (lc *longConn) run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		err := lc.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lc.log.Warn("long connection dropped", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// endpoint asks the open platform for this app's gateway URL.
func (lc *longConn) endpoint(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"AppID":     lc.appID,
		"AppSecret": lc.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		lc.baseURL+"/callback/ws/endpoint", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("endpoint request: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			URL string `json:"URL"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("endpoint response: %w", err)
	}
	if parsed.Code != 0 || parsed.Data.URL == "" {
		return "", fmt.Errorf("endpoint refused: code=%d msg=%s", parsed.Code, parsed.Msg)
	}
	return parsed.Data.URL, nil
}

func (lc *longConn) connectOnce(ctx context.Context) error {
	url, err := lc.endpoint(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	lc.log.Info("long connection established")

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeDeadline))
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(writeDeadline)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var env eventEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			lc.log.Warn("unparsable event frame", "error", err)
			continue
		}
		lc.ack(conn, env.Header.EventID)
		lc.handler(env)
	}
}

// ack confirms receipt so the gateway stops redelivering the event.
func (lc *longConn) ack(conn *websocket.Conn, eventID string) {
	if eventID == "" {
		return
	}
	raw, _ := json.Marshal(map[string]any{"event_id": eventID, "code": 0})
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		lc.log.Warn("event ack failed", "event_id", eventID, "error", err)
	}
}
