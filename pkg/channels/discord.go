package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
	"github.com/tinyland-inc/tinyrelay/pkg/config"
	"github.com/tinyland-inc/tinyrelay/pkg/logger"
	"github.com/tinyland-inc/tinyrelay/pkg/relay"
)

type DiscordChannel struct {
	*BaseChannel
	config  config.DiscordConfig
	session *discordgo.Session
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", messageBus, cfg.AllowFrom),
		config:      cfg,
		session:     session,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(c.onMessageCreate)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	c.SetRunning(true)
	logger.InfoC("discord", "channel started")
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord channel not running")
	}
	channelID := strings.TrimPrefix(msg.ChatID, "group:")
	if id, ok := strings.CutPrefix(msg.ChatID, "private:"); ok {
		// DM targets need a user channel first.
		ch, err := c.session.UserChannelCreate(id)
		if err != nil {
			return fmt.Errorf("open dm channel: %w", err)
		}
		channelID = ch.ID
	}
	_, err := c.session.ChannelMessageSend(channelID, msg.Content)
	return err
}

func (c *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}

	var segments []bus.Segment
	if m.Content != "" {
		segments = append(segments, bus.TextSegment(m.Content))
	}
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") || strings.HasPrefix(a.ContentType, "video/") {
			segments = append(segments, bus.MediaSegment(a.URL))
		} else {
			segments = append(segments, bus.AttachmentSegment(a.URL, a.Filename))
		}
	}

	peer := bus.Peer{Kind: "group", ID: m.ChannelID}
	chatID := "group:" + m.ChannelID
	if m.GuildID == "" {
		peer = bus.Peer{Kind: "direct", ID: m.Author.ID}
		chatID = "private:" + m.Author.ID
	}

	c.HandleMessage(peer, m.ID, m.Author.ID, name, chatID, m.Content, segments, nil)
}

// WebhookProvisioner creates Discord channel webhooks so relay targets
// on Discord can receive impersonated deliveries.
type WebhookProvisioner struct {
	session *discordgo.Session
}

func NewWebhookProvisioner(c *DiscordChannel) *WebhookProvisioner {
	return &WebhookProvisioner{session: c.session}
}

func (p *WebhookProvisioner) Supports(target relay.Origin) bool {
	return strings.EqualFold(target.Platform, "discord") && target.Kind == relay.KindGroupMessage
}

func (p *WebhookProvisioner) Provision(ctx context.Context, target relay.Origin) (string, error) {
	channelID := target.Scope
	if i := strings.Index(channelID, "_"); i > 0 {
		channelID = channelID[:i]
	}
	wh, err := p.session.WebhookCreate(channelID, "tinyrelay", "")
	if err != nil {
		return "", fmt.Errorf("create webhook: %w", err)
	}
	return fmt.Sprintf("https://discord.com/api/webhooks/%s/%s", wh.ID, wh.Token), nil
}
