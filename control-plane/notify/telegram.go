package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-telegram/bot"
)

// Telegram sends messages to one chat through the Bot API
type Telegram struct {
	bot    *bot.Bot
	token  string
	chatID string
}

// NewTelegram builds the bot without calling getMe, so a bad token only
// shows up on the first send. An empty baseURL means api.telegram.org.
func NewTelegram(token, chatID, baseURL string, client *http.Client) (*Telegram, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(client.Timeout, client),
	}
	if baseURL != "" {
		opts = append(opts, bot.WithServerURL(strings.TrimRight(baseURL, "/")))
	}
	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: b, token: token, chatID: chatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Notify(ctx context.Context, text string) error {
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   text,
	})
	if err != nil {
		// the request URL embeds the token; keep it out of logs
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		if msg := err.Error(); t.token != "" && strings.Contains(msg, t.token) {
			return fmt.Errorf("sendMessage: %s", strings.ReplaceAll(msg, t.token, "<token>"))
		}
		return fmt.Errorf("sendMessage: %w", err)
	}
	return nil
}
