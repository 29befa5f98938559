package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
	"github.com/tinyland-inc/tinyrelay/pkg/config"
	"github.com/tinyland-inc/tinyrelay/pkg/logger"
)

type SlackChannel struct {
	*BaseChannel
	config config.SlackConfig
	api    *slack.Client
	socket *socketmode.Client
	cancel context.CancelFunc

	nameMu    sync.Mutex
	nameCache map[string]string
}

func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) *SlackChannel {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", messageBus, cfg.AllowFrom),
		config:      cfg,
		api:         api,
		socket:      socketmode.New(api),
		nameCache:   make(map[string]string),
	}
}

func (c *SlackChannel) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	go c.eventLoop(ctx)
	go func() {
		if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("slack", "socket mode stopped", map[string]any{"error": err.Error()})
		}
	}()

	c.SetRunning(true)
	logger.InfoC("slack", "channel started")
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack channel not running")
	}
	channelID := strings.TrimPrefix(strings.TrimPrefix(msg.ChatID, "group:"), "private:")
	_, _, err := c.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(msg.Content, false))
	return err
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			c.socket.Ack(*evt.Request)

			if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				c.handleMessage(ev)
			}
		}
	}
}

func (c *SlackChannel) handleMessage(ev *slackevents.MessageEvent) {
	// Skip bot echoes and edits.
	if ev.User == "" || ev.BotID != "" || ev.SubType != "" {
		return
	}

	var segments []bus.Segment
	if ev.Text != "" {
		segments = append(segments, bus.TextSegment(ev.Text))
	}

	peer := bus.Peer{Kind: "group", ID: ev.Channel}
	prefix := "group:"
	if ev.ChannelType == "im" {
		peer = bus.Peer{Kind: "direct", ID: ev.User}
		prefix = "private:"
	}

	c.HandleMessage(peer, ev.TimeStamp, ev.User, c.displayName(ev.User),
		prefix+ev.Channel, ev.Text, segments, nil)
}

func (c *SlackChannel) displayName(userID string) string {
	c.nameMu.Lock()
	if name, ok := c.nameCache[userID]; ok {
		c.nameMu.Unlock()
		return name
	}
	c.nameMu.Unlock()

	user, err := c.api.GetUserInfo(userID)
	if err != nil {
		logger.DebugCF("slack", "user lookup failed", map[string]any{
			"user":  userID,
			"error": err.Error(),
		})
		return userID
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}

	c.nameMu.Lock()
	c.nameCache[userID] = name
	c.nameMu.Unlock()
	return name
}
