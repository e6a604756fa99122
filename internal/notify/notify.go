package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/helpdesk/internal/models"
	"go.uber.org/zap"
)

// Notifier tells a staff member that a thread was assigned to them.
type Notifier interface {
	NotifyAssignment(ctx context.Context, staff *models.Staff, thread *models.Thread) error
}

type NopNotifier struct{}

func (NopNotifier) NotifyAssignment(ctx context.Context, staff *models.Staff, thread *models.Thread) error {
	return nil
}

// TelegramNotifier messages staff through a Telegram bot. Staff without a
// chat id are skipped.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	logger *zap.Logger
}

func NewTelegramNotifier(token string, logger *zap.Logger) (*TelegramNotifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return NewTelegramNotifierWithAPI(api, logger), nil
}

func NewTelegramNotifierWithAPI(api *tgbotapi.BotAPI, logger *zap.Logger) *TelegramNotifier {
	return &TelegramNotifier{api: api, logger: logger}
}

func (n *TelegramNotifier) NotifyAssignment(ctx context.Context, staff *models.Staff, thread *models.Thread) error {
	if staff.TelegramChatID == 0 {
		n.logger.Debug("Staff has no telegram chat, not notifying",
			zap.String("staff_id", staff.ID),
			zap.String("thread_id", thread.ID))
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(staff.TelegramChatID, assignmentText(staff, thread))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := n.api.Send(msg); err != nil {
		n.logger.Error("Failed to send assignment notification",
			zap.Error(err),
			zap.Int64("chat_id", staff.TelegramChatID),
			zap.String("thread_id", thread.ID))
		return fmt.Errorf("error sending notification: %w", err)
	}
	return nil
}

func assignmentText(staff *models.Staff, thread *models.Thread) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*, a thread was assigned to you\n\n", escapeMarkdown(staff.Name))
	subject := thread.Subject
	if strings.TrimSpace(subject) == "" {
		subject = "(no subject)"
	}
	fmt.Fprintf(&b, "Subject: %s\n", escapeMarkdown(subject))
	if thread.Priority == models.PriorityUrgent {
		b.WriteString("Priority: *urgent*\n")
	}
	if m := thread.LatestCustomerMessage(); m != nil {
		fmt.Fprintf(&b, "\n_%s_\n", escapeMarkdown(truncate(m.Content, 280)))
	}
	fmt.Fprintf(&b, "\nThread: `%s`", thread.ID)
	return b.String()
}

// escapeMarkdown escapes the characters MarkdownV2 reserves.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}
