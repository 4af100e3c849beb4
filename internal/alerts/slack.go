package alerts

import (
	"context"
	"fmt"

	"github.com/fillipeguerrabtc/gpuplane/internal/models"
	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackNotifier posts events to a Slack channel with a bot token.
type SlackNotifier struct {
	client    slackClient
	channelID string
}

// NewSlack builds a Slack notifier.
func NewSlack(botToken, channelID string) (*SlackNotifier, error) {
	if botToken == "" {
		return nil, fmt.Errorf("alerts: slack bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("alerts: slack channel ID is required")
	}
	return &SlackNotifier{
		client:    slackapi.New(botToken),
		channelID: channelID,
	}, nil
}

// Name identifies the notifier in logs.
func (s *SlackNotifier) Name() string { return "slack" }

// Send posts one event as a channel message.
func (s *SlackNotifier) Send(ctx context.Context, e *models.OpsEvent) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slackapi.MsgOptionText(Format(e), false))
	if err != nil {
		return fmt.Errorf("alerts: slack post: %w", err)
	}
	return nil
}
