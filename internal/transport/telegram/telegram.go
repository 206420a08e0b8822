// Package telegram adapts the dispatch coordinator to the Telegram Bot
// API over long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/sjoeboo/codexrelay/internal/catalog"
	"github.com/sjoeboo/codexrelay/internal/config"
	"github.com/sjoeboo/codexrelay/internal/dispatch"
	"github.com/sjoeboo/codexrelay/internal/logging"
	"github.com/sjoeboo/codexrelay/internal/transport"
)

// Telegram counts message length in characters with a 4096 cap. We cut
// at newlines from 3800 on so chunks stay readable.
const (
	chunkSoft = 3800
	chunkHard = 4096
)

// keyboardMax bounds the inline keyboard attached to a listing.
const keyboardMax = 10

// Bot is the long-poll Telegram front end. One Bot per deployment,
// with its own coordinator and binding store.
type Bot struct {
	api         *tgbotapi.BotAPI
	coord       *dispatch.Coordinator
	allowed     map[int64]bool
	allowAll    bool
	pollTimeout int
	limiter     *rate.Limiter
	log         *slog.Logger
}

// New authenticates against the Bot API and registers the command menu.
func New(cfg config.TelegramSettings, coord *dispatch.Coordinator) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}

	allowed := make(map[int64]bool, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allowed[id] = true
	}

	pollTimeout := cfg.PollTimeoutSecs
	if pollTimeout <= 0 {
		pollTimeout = 30
	}

	b := &Bot{
		api:         api,
		coord:       coord,
		allowed:     allowed,
		allowAll:    cfg.AllowAll,
		pollTimeout: pollTimeout,
		// Bot API global ceiling is ~30 messages/sec
		limiter: rate.NewLimiter(rate.Limit(25), 5),
		log:     logging.ForComponent(logging.CompTelegram),
	}

	if err := b.registerCommands(); err != nil {
		b.log.Warn("registering command menu failed", "error", err)
	}

	b.log.Info("telegram transport ready", "account", api.Self.UserName)
	return b, nil
}

func (b *Bot) registerCommands() error {
	cmds := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "sessions", Description: "List recent sessions"},
		tgbotapi.BotCommand{Command: "use", Description: "Switch to a session by number or id"},
		tgbotapi.BotCommand{Command: "new", Description: "Start a new session (optional directory)"},
		tgbotapi.BotCommand{Command: "history", Description: "Show recent messages of a session"},
		tgbotapi.BotCommand{Command: "find", Description: "Search sessions by title"},
		tgbotapi.BotCommand{Command: "status", Description: "Show the current binding"},
		tgbotapi.BotCommand{Command: "help", Description: "Show all commands"},
	)
	_, err := b.api.Request(cmds)
	return err
}

// Run consumes updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.log.Info("telegram transport started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			switch {
			case update.CallbackQuery != nil:
				go b.handleCallback(ctx, update.CallbackQuery)
			case update.Message != nil:
				// Enqueued on the poll goroutine so same-user messages
				// keep their arrival order.
				b.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (b *Bot) authorized(userID int64) bool {
	return b.allowAll || b.allowed[userID]
}

func userKey(userID int64) string {
	return fmt.Sprintf("tg:%d", userID)
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	if !b.authorized(msg.From.ID) {
		b.log.Warn("unauthorized telegram message", "user", msg.From.ID, "chat", msg.Chat.ID)
		go b.send(ctx, msg.Chat.ID, "You are not on the allow-list for this bot.", nil)
		return
	}

	chatID := msg.Chat.ID
	stopTyping := b.typeWhileWorking(ctx, chatID)
	b.coord.Enqueue(ctx, userKey(msg.From.ID), msg.Text, func(reply dispatch.Reply) {
		stopTyping()
		b.send(ctx, chatID, reply.Text, listingKeyboard(reply.Listing))
	})
}

// handleCallback services the inline switch buttons attached to
// listings. Data is "use:<session id>".
func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.From == nil {
		return
	}
	if !b.authorized(q.From.ID) {
		b.api.Request(tgbotapi.NewCallback(q.ID, "Not authorized"))
		return
	}
	id, ok := strings.CutPrefix(q.Data, "use:")
	if !ok || q.Message == nil {
		b.api.Request(tgbotapi.NewCallback(q.ID, ""))
		return
	}

	reply := b.coord.HandleMessage(ctx, userKey(q.From.ID), "/use "+id)
	if reply.Err != dispatch.ErrNone {
		b.api.Request(tgbotapi.NewCallback(q.ID, "Switch failed"))
	} else {
		b.api.Request(tgbotapi.NewCallback(q.ID, "Switched"))
	}
	b.send(ctx, q.Message.Chat.ID, reply.Text, nil)
}

// typeWhileWorking keeps the "typing…" indicator alive while an
// invocation runs. Telegram expires the action after ~5 seconds.
func (b *Bot) typeWhileWorking(ctx context.Context, chatID int64) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(4 * time.Second)
		defer ticker.Stop()
		for {
			b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() { close(done) }
}

// send delivers text in size-capped chunks. The keyboard, if any, rides
// on the last chunk so it sits under the listing.
func (b *Bot) send(ctx context.Context, chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	chunks := transport.SplitMessage(text, chunkSoft, chunkHard)
	if len(chunks) == 0 {
		return
	}
	for i, chunk := range chunks {
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
		out := tgbotapi.NewMessage(chatID, chunk)
		if keyboard != nil && i == len(chunks)-1 {
			out.ReplyMarkup = *keyboard
		}
		if _, err := b.api.Send(out); err != nil {
			b.log.Error("sending telegram message failed", "chat", chatID, "error", err)
			return
		}
	}
}

// listingKeyboard builds one switch button per listed session.
func listingKeyboard(records []catalog.Record) *tgbotapi.InlineKeyboardMarkup {
	if len(records) == 0 {
		return nil
	}
	if len(records) > keyboardMax {
		records = records[:keyboardMax]
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(records))
	for i, rec := range records {
		label := fmt.Sprintf("%d. %s", i+1, rec.Title)
		if len([]rune(label)) > 48 {
			label = string([]rune(label)[:47]) + "…"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, "use:"+rec.ID),
		))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}
