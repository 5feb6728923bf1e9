package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/saintparish4/trafficcop/control-plane/metrics"
	"go.uber.org/multierr"
)

const defaultTimeout = 10 * time.Second

// Notifier delivers a plain-text operator message
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Noop drops every message. It is used when no channel is configured.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// Channel is a named Notifier
type Channel interface {
	Notifier
	Name() string
}

// Multi fans a message out to every channel. A failing channel does not
// stop the others; failures are logged and returned combined.
type Multi struct {
	log      *slog.Logger
	channels []Channel
}

func NewMulti(log *slog.Logger, channels ...Channel) *Multi {
	return &Multi{log: log, channels: channels}
}

// Len returns the number of configured channels
func (m *Multi) Len() int {
	return len(m.channels)
}

func (m *Multi) Notify(ctx context.Context, text string) error {
	if len(m.channels) == 0 {
		m.log.Debug("no notification channel configured, dropping message")
		return nil
	}

	var errs error
	for _, ch := range m.channels {
		if err := ch.Notify(ctx, text); err != nil {
			metrics.NotificationsTotal.WithLabelValues(ch.Name(), "error").Inc()
			m.log.Error("notification failed", "channel", ch.Name(), "error", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		metrics.NotificationsTotal.WithLabelValues(ch.Name(), "ok").Inc()
		m.log.Debug("notification sent", "channel", ch.Name())
	}
	return errs
}

// Config selects the channels to build. Channels with missing credentials
// are left out.
type Config struct {
	TelegramToken   string
	TelegramChatID  string
	TelegramBaseURL string
	SlackWebhookURL string
	Timeout         time.Duration
	HTTPClient      *http.Client
}

func (c *Config) Validate() error {
	if (c.TelegramToken == "") != (c.TelegramChatID == "") {
		return errors.New("telegram needs both bot token and chat id")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return nil
}

// New builds a Multi over every channel cfg has credentials for
func New(log *slog.Logger, cfg Config) (*Multi, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var channels []Channel
	if cfg.TelegramToken != "" {
		tg, err := NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, cfg.TelegramBaseURL, cfg.HTTPClient)
		if err != nil {
			return nil, err
		}
		channels = append(channels, tg)
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, NewSlack(cfg.SlackWebhookURL, cfg.HTTPClient))
	}
	if len(channels) == 0 {
		log.Warn("no notification channel configured, messages will be dropped")
	}
	return NewMulti(log, channels...), nil
}
