package alerts

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// TelegramNotifier posts threshold alerts to an ops chat.
type TelegramNotifier struct {
	bot  *telego.Bot
	chat telego.ChatID
}

// NewTelegramNotifier validates the token against the API and binds the
// target chat.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chat: tu.ID(chatID)}, nil
}

// Notify sends one alert message.
func (t *TelegramNotifier) Notify(ctx context.Context, text string) error {
	_, err := t.bot.SendMessage(ctx, tu.Message(t.chat, text))
	if err != nil {
		return fmt.Errorf("telegram alert: %w", err)
	}
	return nil
}
