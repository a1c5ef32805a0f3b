// Package telegram delivers notifications as Telegram bot messages. User IDs
// are Telegram chat IDs.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/JakeFAU/restock-tracker/internal/tracker"
)

// Sender is the subset of *tgbotapi.BotAPI used by the gateway.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Gateway sends plain-text messages through a bot.
type Gateway struct {
	bot Sender
}

var _ tracker.Gateway = (*Gateway)(nil)

// New wraps an existing bot.
func New(bot Sender) (*Gateway, error) {
	if bot == nil {
		return nil, fmt.Errorf("telegram bot is required")
	}
	return &Gateway{bot: bot}, nil
}

// Open authenticates the bot token against the Telegram API.
func Open(token string) (*Gateway, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Gateway{bot: bot}, nil
}

// Send delivers message to the chat identified by userID.
func (g *Gateway) Send(ctx context.Context, userID, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse chat id %q: %w", userID, err)
	}
	msg := tgbotapi.NewMessage(chatID, message)
	msg.DisableWebPagePreview = true
	sent, err := g.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send telegram message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}
