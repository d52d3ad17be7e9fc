package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"agentguard/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3

	callbackApprove = "guard_yes"
	callbackDeny    = "guard_no"
)

// Telegram implements domain.Channel for a Telegram bot. Inline
// confirmation prompts carry Approve/Deny buttons; a press is published as
// a "yes" or "no" message from the presser.
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all
	parseMode string

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound(t.Name(), func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		if err := t.Send(context.Background(), msg.ChatID, msg.Content); err != nil {
			t.logger.Error("telegram outbound failed", "chatID", msg.ChatID, "err", err)
		}
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: StopReceivingUpdates runs when Start's context ends and
// panics if called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	if t.bot == nil {
		return errors.New("telegram: not connected")
	}
	return t.sendMessage(id, content, nil)
}

// SendPrompt sends content with Approve/Deny buttons.
func (t *Telegram) SendPrompt(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	if t.bot == nil {
		return errors.New("telegram: not connected")
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", callbackApprove),
			tgbotapi.NewInlineKeyboardButtonData("Deny", callbackDeny),
		),
	)
	return t.sendMessage(id, content, &markup)
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(update.CallbackQuery)
		return
	}
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chat := update.Message.Chat

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", update.Message.From.UserName)
		_ = t.sendMessage(chat.ID, "Unauthorized. Your user ID is not in the allow list.", nil)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}
	if update.Message.IsCommand() && t.handleCommand(chat.ID, update.Message) {
		return
	}

	t.logger.Debug("telegram message received", "user_id", userID, "chat_id", chat.ID, "text_len", len(text))
	t.bus.Publish(domain.InboundMessage{
		Channel:   t.Name(),
		ChatID:    strconv.FormatInt(chat.ID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		IsGroup:   chat.IsGroup() || chat.IsSuperGroup(),
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

// handleCallback turns a button press into a yes/no reply and removes the
// buttons so the prompt cannot be answered twice.
func (t *Telegram) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil || cq.From == nil {
		return
	}
	_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, ""))

	if !t.isAllowed(cq.From.ID) {
		return
	}
	var answer string
	switch cq.Data {
	case callbackApprove:
		answer = "yes"
	case callbackDeny:
		answer = "no"
	default:
		return
	}

	chat := cq.Message.Chat
	t.bus.Publish(domain.InboundMessage{
		Channel:   t.Name(),
		ChatID:    strconv.FormatInt(chat.ID, 10),
		SenderID:  strconv.FormatInt(cq.From.ID, 10),
		Content:   answer,
		IsGroup:   chat.IsGroup() || chat.IsSuperGroup(),
		Timestamp: time.Now(),
	})

	edit := tgbotapi.NewEditMessageReplyMarkup(chat.ID, cq.Message.MessageID,
		tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	_, _ = t.bot.Send(edit)
}

// handleCommand answers bot-local commands. Unknown commands go to the bus.
func (t *Telegram) handleCommand(chatID int64, msg *tgbotapi.Message) bool {
	switch msg.Command() {
	case "start":
		_ = t.sendMessage(chatID, "agentguard is watching this chat. Send /help for commands.", nil)
		return true
	case "whoami":
		_ = t.sendMessage(chatID, fmt.Sprintf("Your ID: %d\nChat ID: %d", msg.From.ID, chatID), nil)
		return true
	}
	return false
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage splits text at Telegram's size limit. The markup rides on
// the last chunk.
func (t *Telegram) sendMessage(chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) error {
	chunks := splitMessage(text, telegramMaxMsgLen)
	for i, chunk := range chunks {
		var m *tgbotapi.InlineKeyboardMarkup
		if i == len(chunks)-1 {
			m = markup
		}
		if err := t.sendChunk(chatID, chunk, m); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk sends one chunk, falling back to plain text on a markdown parse
// error and backing off on rate limits.
func (t *Telegram) sendChunk(chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}
		if markup != nil {
			msg.ReplyMarkup = *markup
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			time.Sleep(retryAfter)
			continue
		}
		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		}
		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
		}
	}
	t.logger.Error("telegram send failed after retries", "err", lastErr, "attempts", telegramMaxSendRetries+1)
	return fmt.Errorf("telegram send: %w", lastErr)
}
