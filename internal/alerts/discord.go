package alerts

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/fillipeguerrabtc/gpuplane/internal/models"
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts events to a Discord channel with a bot token. Only
// the REST API is used; no gateway connection is opened.
type DiscordNotifier struct {
	session   discordSession
	channelID string
}

// NewDiscord builds a Discord notifier.
func NewDiscord(botToken, channelID string) (*DiscordNotifier, error) {
	if botToken == "" {
		return nil, fmt.Errorf("alerts: discord bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("alerts: discord channel ID is required")
	}
	dg, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("alerts: discord session: %w", err)
	}
	return &DiscordNotifier{session: dg, channelID: channelID}, nil
}

// Name identifies the notifier in logs.
func (d *DiscordNotifier) Name() string { return "discord" }

// Send posts one event as a channel message.
func (d *DiscordNotifier) Send(ctx context.Context, e *models.OpsEvent) error {
	_, err := d.session.ChannelMessageSend(d.channelID, Format(e),
		discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("alerts: discord post: %w", err)
	}
	return nil
}
