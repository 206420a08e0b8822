// Package feishu adapts the dispatch coordinator to the Feishu open
// platform over the event-subscription long connection.
package feishu

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/sjoeboo/codexrelay/internal/config"
	"github.com/sjoeboo/codexrelay/internal/dispatch"
	"github.com/sjoeboo/codexrelay/internal/logging"
)

const eventTypeMessage = "im.message.receive_v1"

// Delivery is at-least-once, so both event and message ids are tracked.
// The sets are cleared wholesale at the cap; a rare duplicate after a
// clear only costs one repeated reply.
const (
	seenEventCap   = 5000
	seenMessageCap = 10000
)

// Service is the Feishu front end. One Service per deployment, with its
// own coordinator and binding store.
type Service struct {
	client       *Client
	conn         *longConn
	coord        *dispatch.Coordinator
	allowed      map[string]bool
	allowAll     bool
	enableP2P    bool
	richMessages bool
	log          *slog.Logger

	mu           sync.Mutex
	seenEvents   map[string]bool
	seenMessages map[string]bool
}

// New wires the long connection and API client for one Feishu app.
func New(cfg config.FeishuSettings, coord *dispatch.Coordinator) *Service {
	allowed := make(map[string]bool, len(cfg.AllowedOpenIDs))
	for _, id := range cfg.AllowedOpenIDs {
		allowed[id] = true
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	s := &Service{
		client:       NewClient(cfg.AppID, cfg.AppSecret, baseURL),
		coord:        coord,
		allowed:      allowed,
		allowAll:     cfg.AllowAll,
		enableP2P:    cfg.EnableP2P,
		richMessages: cfg.RichMessages,
		log:          logging.ForComponent(logging.CompFeishu),
		seenEvents:   make(map[string]bool),
		seenMessages: make(map[string]bool),
	}
	s.conn = &longConn{
		appID:     cfg.AppID,
		appSecret: cfg.AppSecret,
		baseURL:   baseURL,
		handler:   s.handleEnvelope,
		log:       s.log,
	}
	return s
}

// Run maintains the long connection until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("feishu transport started")
	return s.conn.run(ctx)
}

func (s *Service) handleEnvelope(env eventEnvelope) {
	if env.Header.EventID != "" && s.duplicateEvent(env.Header.EventID) {
		return
	}
	if env.Header.EventType != eventTypeMessage {
		s.log.Debug("event ignored", "type", env.Header.EventType, "id", env.Header.EventID)
		return
	}

	var evt messageEvent
	if err := json.Unmarshal(env.Event, &evt); err != nil {
		s.log.Warn("unparsable message event", "error", err)
		return
	}
	// Enqueued on the read-loop goroutine so same-user messages keep
	// their arrival order.
	s.handleMessage(context.Background(), &evt)
}

func (s *Service) handleMessage(ctx context.Context, evt *messageEvent) {
	msg := &evt.Message
	if msg.MessageType != "text" || msg.ChatID == "" {
		return
	}
	// The bot's own messages come back as events too.
	if evt.Sender.SenderType == "app" {
		return
	}
	if msg.MessageID != "" && s.duplicateMessage(msg.MessageID) {
		s.log.Debug("duplicate message dropped", "message_id", msg.MessageID)
		return
	}

	openID := evt.Sender.SenderID.OpenID
	actorID := openID
	if actorID == "" {
		actorID = evt.Sender.SenderID.UserID
	}
	if actorID == "" {
		return
	}

	if !s.allowAll && !s.allowed[openID] {
		s.log.Warn("unauthorized feishu message", "open_id", openID, "chat", msg.ChatID)
		go s.sendText(ctx, msg.ChatID, "You are not on the allow-list for this bot.")
		return
	}
	if msg.ChatType == "p2p" && !s.enableP2P {
		go s.sendText(ctx, msg.ChatID, "Direct chats are disabled. Mention the bot in a group instead.")
		return
	}

	text := ParseTextContent(msg.Content)
	if text == "" {
		return
	}

	chatID := msg.ChatID
	s.coord.Enqueue(ctx, "fs:"+actorID, text, func(reply dispatch.Reply) {
		s.deliver(ctx, chatID, reply)
	})
}

// deliver renders a reply: successful prompt answers go out as markdown
// cards when rich messages are on, everything else as plain text.
func (s *Service) deliver(ctx context.Context, chatID string, reply dispatch.Reply) {
	if reply.Text == "" {
		return
	}
	if s.richMessages && reply.Err == dispatch.ErrNone && reply.Listing == nil {
		title, body := AdaptMarkdown(reply.Text)
		err := s.client.SendCard(ctx, chatID, title, body)
		if err == nil {
			return
		}
		s.log.Warn("card send failed, falling back to text", "chat", chatID, "error", err)
	}
	s.sendText(ctx, chatID, reply.Text)
}

func (s *Service) sendText(ctx context.Context, chatID, text string) {
	if err := s.client.SendText(ctx, "chat_id", chatID, text); err != nil {
		s.log.Error("sending feishu message failed", "chat", chatID, "error", err)
	}
}

func (s *Service) duplicateEvent(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenEvents[eventID] {
		return true
	}
	if len(s.seenEvents) >= seenEventCap {
		s.seenEvents = make(map[string]bool)
	}
	s.seenEvents[eventID] = true
	return false
}

func (s *Service) duplicateMessage(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenMessages[messageID] {
		return true
	}
	if len(s.seenMessages) >= seenMessageCap {
		s.seenMessages = make(map[string]bool)
	}
	s.seenMessages[messageID] = true
	return false
}
