package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/relaycore/relaycore/internal/approval"
	"github.com/relaycore/relaycore/internal/bus"
	"github.com/relaycore/relaycore/internal/pipeline"
)

// TelegramChannel implements the Channel interface and the Delivery
// Engine's Sender interface for Telegram: it submits inbound messages to
// the Response Pipeline and renders PendingActions as inline-keyboard
// approval cards (§4.B, §10 "chat-bot approval flow"). A long-poll
// reconnect loop with stall-timeout detection, and inline-keyboard
// callback data parsed back into an approval resolution.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	pipeline   *pipeline.Pipeline
	approvals  *approval.Store
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	mu        sync.Mutex
	lastChat  map[string]int64 // channel key -> chat id, for approval card routing
}

// NewTelegramChannel creates a Telegram channel. allowedIDs restricts
// who may submit turns; an empty list allows everyone.
func NewTelegramChannel(token string, allowedIDs []int64, p *pipeline.Pipeline, approvals *approval.Store, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		pipeline:   p,
		approvals:  approvals,
		eventBus:   eventBus,
		logger:     logger,
		lastChat:   make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// channelKey is the §6 channel identifier stored against messages/
// conversations for a given chat.
func channelKey(chatID int64) string {
	return fmt.Sprintf("telegram:%d", chatID)
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	if t.eventBus != nil {
		go t.watchApprovalRequests(ctx)
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads updates until ctx is done or the connection stalls
// for 2.5x the long-poll timeout (the library blocks rather than closing
// the channel on a dead connection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if !t.allowed(update.Message.From.ID) {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID)
					continue
				}
				t.handleMessage(ctx, update.Message)
				continue
			}
			if update.CallbackQuery != nil {
				if !t.allowed(update.CallbackQuery.From.ID) {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallbackQuery(update.CallbackQuery)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) allowed(userID int64) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	channel := channelKey(msg.Chat.ID)

	t.mu.Lock()
	t.lastChat[channel] = msg.Chat.ID
	t.mu.Unlock()

	t.pipeline.Submit(ctx, pipeline.Turn{Channel: channel, Text: content})
}

// handleCallbackQuery resolves an inline-keyboard approve/deny tap
// against the Approval Store (§4.B), format "approval:id:approve|deny".
func (t *TelegramChannel) handleCallbackQuery(query *tgbotapi.CallbackQuery) {
	requestID, action, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}

	notification := tgbotapi.NewCallbackWithAlert(query.ID, fmt.Sprintf("Processing %s...", action))
	if _, err := t.bot.Request(notification); err != nil {
		t.logger.Warn("failed to send callback notification", "error", err)
	}

	pending, ok := t.approvals.Resolve(requestID, action)
	if !ok {
		t.editMessageText(query.Message.Chat.ID, query.Message.MessageID, "This request has expired.")
		return
	}

	verb := "approved"
	if action == "deny" {
		verb = "denied"
	}
	t.editMessageText(query.Message.Chat.ID, query.Message.MessageID, fmt.Sprintf("%s — %s by %s", pending.Description, verb, query.From.UserName))
}

// watchApprovalRequests subscribes to the Approval Store's bus
// notifications and renders each new PendingAction as an inline-keyboard
// card in the originating chat.
func (t *TelegramChannel) watchApprovalRequests(ctx context.Context) {
	sub := t.eventBus.Subscribe(bus.TopicApprovalRequested)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			reqEvent, ok := ev.Payload.(bus.ApprovalRequestedEvent)
			if !ok {
				continue
			}
			t.mu.Lock()
			chatID, known := t.lastChat[reqEvent.Channel]
			t.mu.Unlock()
			if !known {
				continue
			}
			action, ok := t.approvals.Get(reqEvent.RequestID)
			if !ok {
				continue
			}
			t.sendApprovalCard(chatID, action)
		}
	}
}

func (t *TelegramChannel) sendApprovalCard(chatID int64, action approval.PendingAction) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", fmt.Sprintf("approval:%s:approve", action.ID)),
			tgbotapi.NewInlineKeyboardButtonData("❌ Deny", fmt.Sprintf("approval:%s:deny", action.ID)),
		),
	)
	msg := tgbotapi.NewMessage(chatID, escapeMarkdownV2(action.Description))
	msg.ParseMode = "MarkdownV2"
	msg.ReplyMarkup = keyboard
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send approval card", "error", err)
	}
}

// Send implements delivery.Sender: the Delivery Engine calls this to
// deliver a turn's cleaned text (§4.C).
func (t *TelegramChannel) Send(ctx context.Context, channel, text string) (string, error) {
	chatID, err := chatIDFromChannel(channel)
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return fmt.Sprintf("%d:%d", chatID, sent.MessageID), nil
}

func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) {
	if _, err := t.bot.Send(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		t.logger.Warn("failed to edit telegram message", "error", err)
	}
}

func chatIDFromChannel(channel string) (int64, error) {
	var chatID int64
	if _, err := fmt.Sscanf(channel, "telegram:%d", &chatID); err != nil {
		return 0, fmt.Errorf("not a telegram channel key: %q", channel)
	}
	return chatID, nil
}

// escapeMarkdownV2 escapes MarkdownV2 special characters.
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"
	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.ContainsAny(string(c), specialChars) {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}

// parseApprovalCallback parses "approval:requestID:action" callback data.
func parseApprovalCallback(data string) (requestID, action string, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "approval:") {
		return "", "", fmt.Errorf("not an approval callback")
	}
	parts := strings.SplitN(strings.TrimPrefix(data, "approval:"), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid approval callback format")
	}
	return parts[0], parts[1], nil
}
