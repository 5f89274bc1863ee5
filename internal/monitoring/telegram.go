package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rotisserie/eris"
)

// TelegramNotifier sends alerts to one Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier connects to the Bot API with token.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithClient(token, chatID, tgbotapi.APIEndpoint, &http.Client{Timeout: 10 * time.Second})
}

// NewTelegramNotifierWithClient connects through a custom endpoint and
// client. endpoint is a format string taking the token and method.
func NewTelegramNotifierWithClient(token string, chatID int64, endpoint string, client *http.Client) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: connect telegram bot")
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

// Notify sends the alert as a plain-text message. The Bot API client has no
// context support; ctx is checked before sending.
func (t *TelegramNotifier) Notify(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "monitoring: telegram notify")
	}
	msg := tgbotapi.NewMessage(t.chatID, formatAlert(alert))
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return eris.Wrap(err, "monitoring: telegram send")
	}
	return nil
}

func formatAlert(alert Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n%s", strings.ToUpper(alert.Severity), alert.Type, alert.Message)

	keys := make([]string, 0, len(alert.Details))
	for k := range alert.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, alert.Details[k])
	}
	return b.String()
}
