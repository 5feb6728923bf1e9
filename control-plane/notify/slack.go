package notify

import (
	"context"
	"net/http"

	"github.com/slack-go/slack"
)

// Slack posts to an incoming webhook
type Slack struct {
	webhookURL string
	client     *http.Client
}

func NewSlack(webhookURL string, client *http.Client) *Slack {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Slack{webhookURL: webhookURL, client: client}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Notify(ctx context.Context, text string) error {
	return slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, &slack.WebhookMessage{Text: text})
}
