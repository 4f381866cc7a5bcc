package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/stoatlabs/vigil/internal/bus"
	"github.com/stoatlabs/vigil/internal/heartbeat"
)

// TelegramChannel implements the Channel interface for Telegram. Inbound
// messages from allowlisted users trigger the gateway; notifications and
// approval prompts flow out over the event bus.
type TelegramChannel struct {
	token        string
	gatewayToken string
	allowedIDs   map[int64]struct{}
	sink         MessageSink
	logger       *slog.Logger
	bot          *tgbotapi.BotAPI
	eventBus     *bus.Bus

	// streamMu protects streamMsgs for progressive editing.
	streamMu   sync.Mutex
	streamMsgs map[int64]*streamState // chatID -> streaming state

	// approvalMu protects pendingApprovals.
	approvalMu       sync.Mutex
	pendingApprovals map[string]chan bool // approval ID -> resolution
}

// streamState tracks progressive editing for an in-flight response.
type streamState struct {
	messageID int
	text      strings.Builder
	lastEdit  time.Time
}

// NewTelegramChannel creates a new Telegram channel. gatewayToken is the
// privileged caller secret presented to the sink on every trigger.
func NewTelegramChannel(token, gatewayToken string, allowedIDs []int64, sink MessageSink, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:            token,
		gatewayToken:     gatewayToken,
		allowedIDs:       allowed,
		sink:             sink,
		logger:           logger,
		eventBus:         eventBus,
		streamMsgs:       make(map[int64]*streamState),
		pendingApprovals: make(map[string]chan bool),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	if t.eventBus != nil {
		go t.monitorNotifications(ctx)
		go t.monitorStreamTokens(ctx)
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
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

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
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

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				go t.handleMessage(ctx, update.Message)
				continue
			}

			// Inline button callbacks resolve pending approvals.
			if update.CallbackQuery != nil {
				if _, ok := t.allowedIDs[update.CallbackQuery.From.ID]; !ok {
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

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	t.beginStream(msg.Chat.ID)
	defer t.endStream(msg.Chat.ID)

	res, err := t.sink.MessageReceived(ctx, t.gatewayToken, content)
	switch {
	case errors.Is(err, heartbeat.ErrBusy), errors.Is(err, heartbeat.ErrDuplicateMessage):
		t.reply(msg.Chat.ID, "Still working on the previous request.")
		return
	case err != nil:
		t.logger.Error("telegram message trigger failed", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: %v", err))
		return
	}

	text := res.Text
	if strings.TrimSpace(text) == "" {
		text = "Done."
	}

	// If we were streaming, finish with a final in-place edit.
	t.streamMu.Lock()
	state := t.streamMsgs[msg.Chat.ID]
	t.streamMu.Unlock()
	if state != nil && state.messageID != 0 {
		t.editMessageText(msg.Chat.ID, state.messageID, text)
		return
	}
	t.reply(msg.Chat.ID, text)
}

// handleCallbackQuery resolves approval inline-button presses.
func (t *TelegramChannel) handleCallbackQuery(query *tgbotapi.CallbackQuery) {
	id, action, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}

	ack := tgbotapi.NewCallback(query.ID, fmt.Sprintf("Recorded: %s", action))
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("failed to ack callback", "error", err)
	}

	t.approvalMu.Lock()
	ch, ok := t.pendingApprovals[id]
	if ok {
		delete(t.pendingApprovals, id)
	}
	t.approvalMu.Unlock()
	if !ok {
		return
	}
	ch <- action == "allow"
}

// RequestApproval posts an inline-keyboard prompt to every allowed chat and
// blocks until a button is pressed or ctx expires. Expiry denies.
func (t *TelegramChannel) RequestApproval(ctx context.Context, tool, description string) bool {
	if t.bot == nil || len(t.allowedIDs) == 0 {
		return false
	}

	id := uuid.NewString()
	ch := make(chan bool, 1)
	t.approvalMu.Lock()
	t.pendingApprovals[id] = ch
	t.approvalMu.Unlock()
	defer func() {
		t.approvalMu.Lock()
		delete(t.pendingApprovals, id)
		t.approvalMu.Unlock()
	}()

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Allow", fmt.Sprintf("appr:%s:allow", id)),
			tgbotapi.NewInlineKeyboardButtonData("Deny", fmt.Sprintf("appr:%s:deny", id)),
		),
	)
	text := fmt.Sprintf("Approval required for *%s*\n%s",
		escapeMarkdownV2(tool), escapeMarkdownV2(description))
	for chatID := range t.allowedIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "MarkdownV2"
		msg.ReplyMarkup = keyboard
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Error("failed to send approval prompt", "error", err)
		}
	}

	select {
	case approved := <-ch:
		return approved
	case <-ctx.Done():
		t.logger.Warn("approval prompt expired", "tool", tool)
		return false
	}
}

// monitorNotifications delivers bus notifications to all allowed chats.
func (t *TelegramChannel) monitorNotifications(ctx context.Context) {
	sub := t.eventBus.Subscribe(bus.TopicNotification)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			n, ok := ev.Payload.(bus.NotificationEvent)
			if !ok {
				continue
			}
			text := n.Body
			if n.Title != "" {
				text = n.Title + "\n" + n.Body
			}
			for chatID := range t.allowedIDs {
				t.reply(chatID, text)
			}
		}
	}
}

// monitorStreamTokens subscribes to stream.token bus events and progressively
// edits Telegram messages as tokens arrive from the LLM.
func (t *TelegramChannel) monitorStreamTokens(ctx context.Context) {
	sub := t.eventBus.Subscribe(bus.TopicStreamToken)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			tok, ok := ev.Payload.(bus.StreamTokenEvent)
			if !ok || tok.Chunk == "" {
				continue
			}

			t.streamMu.Lock()
			// Tokens go to whichever chats are awaiting a reply.
			for chatID, state := range t.streamMsgs {
				if state.messageID == 0 {
					// First chunk: send a new placeholder message.
					msg := tgbotapi.NewMessage(chatID, tok.Chunk)
					sent, err := t.bot.Send(msg)
					if err != nil {
						t.logger.Warn("failed to send stream placeholder", "error", err)
						continue
					}
					state.messageID = sent.MessageID
					state.text.WriteString(tok.Chunk)
					state.lastEdit = time.Now()
					continue
				}

				state.text.WriteString(tok.Chunk)

				// Rate-limit edits to ~1/second to avoid Telegram 429 errors.
				if time.Since(state.lastEdit) < time.Second {
					continue
				}
				state.lastEdit = time.Now()
				t.editMessageText(chatID, state.messageID, state.text.String())
			}
			t.streamMu.Unlock()
		}
	}
}

func (t *TelegramChannel) beginStream(chatID int64) {
	t.streamMu.Lock()
	t.streamMsgs[chatID] = &streamState{}
	t.streamMu.Unlock()
}

func (t *TelegramChannel) endStream(chatID int64) {
	t.streamMu.Lock()
	delete(t.streamMsgs, chatID)
	t.streamMu.Unlock()
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// editMessageText progressively updates an existing Telegram message.
func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("failed to edit telegram message", "error", err)
	}
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
// Must escape: _ * [ ] ( ) ~ > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"

	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(specialChars, c) >= 0 {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}

// parseApprovalCallback parses approval callback data.
// Format: appr:approvalID:action
func parseApprovalCallback(data string) (id, action string, err error) {
	data = strings.TrimSpace(data)

	if !strings.HasPrefix(data, "appr:") {
		return "", "", fmt.Errorf("not an approval callback")
	}

	parts := strings.SplitN(data[5:], ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid approval callback format")
	}

	id, action = parts[0], parts[1]
	if id == "" || (action != "allow" && action != "deny") {
		return "", "", fmt.Errorf("approval id and action required")
	}
	return id, action, nil
}
