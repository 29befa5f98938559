package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/dto/message"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"golang.org/x/oauth2"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
	"github.com/tinyland-inc/tinyrelay/pkg/config"
	"github.com/tinyland-inc/tinyrelay/pkg/logger"
)

// QQChannel connects to the official QQ bot platform. Scopes here are
// open ids, not raw QQ numbers; rules written against the OneBot bridge
// do not transfer across.
type QQChannel struct {
	*BaseChannel
	config      config.QQConfig
	api         openapi.OpenAPI
	tokenSource oauth2.TokenSource
}

func NewQQChannel(cfg config.QQConfig, messageBus *bus.MessageBus) *QQChannel {
	creds := &token.QQBotCredentials{
		AppID:     fmt.Sprintf("%d", cfg.AppID),
		AppSecret: cfg.AppSecret,
	}
	ts := token.NewQQBotTokenSource(creds)
	api := botgo.NewOpenAPI(creds.AppID, ts).WithTimeout(5 * time.Second)

	return &QQChannel{
		BaseChannel: NewBaseChannel("qq", messageBus, cfg.AllowFrom),
		config:      cfg,
		api:         api,
		tokenSource: ts,
	}
}

func (c *QQChannel) Start(ctx context.Context) error {
	intent := event.RegisterHandlers(
		c.groupMessageHandler(),
		c.c2cMessageHandler(),
	)

	ws, err := c.api.WS(ctx, nil, "")
	if err != nil {
		return fmt.Errorf("fetch ws gateway: %w", err)
	}

	go func() {
		mgr := botgo.NewSessionManager()
		if err := mgr.Start(ws, c.tokenSource, &intent); err != nil {
			logger.ErrorCF("qq", "session manager stopped", map[string]any{"error": err.Error()})
		}
	}()

	c.SetRunning(true)
	logger.InfoC("qq", "channel started")
	return nil
}

func (c *QQChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return nil
}

func (c *QQChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("qq channel not running")
	}

	post := &dto.MessageToCreate{
		Content: msg.Content,
		MsgType: 0,
	}

	if id, ok := strings.CutPrefix(msg.ChatID, "group:"); ok {
		_, err := c.api.PostGroupMessage(ctx, id, post)
		return err
	}
	id := strings.TrimPrefix(msg.ChatID, "private:")
	_, err := c.api.PostC2CMessage(ctx, id, post)
	return err
}

func (c *QQChannel) groupMessageHandler() event.GroupATMessageEventHandler {
	return func(evt *dto.WSPayload, data *dto.WSGroupATMessageData) error {
		content := strings.TrimSpace(message.ETLInput(data.Content))
		senderID := ""
		name := ""
		if data.Author != nil {
			senderID = data.Author.ID
			name = data.Author.Username
		}
		peer := bus.Peer{Kind: "group", ID: data.GroupID}
		c.HandleMessage(peer, data.ID, senderID, name, "group:"+data.GroupID,
			content, []bus.Segment{bus.TextSegment(content)}, nil)
		return nil
	}
}

func (c *QQChannel) c2cMessageHandler() event.C2CMessageEventHandler {
	return func(evt *dto.WSPayload, data *dto.WSC2CMessageData) error {
		content := strings.TrimSpace(data.Content)
		senderID := ""
		name := ""
		if data.Author != nil {
			senderID = data.Author.ID
			name = data.Author.Username
		}
		peer := bus.Peer{Kind: "direct", ID: senderID}
		c.HandleMessage(peer, data.ID, senderID, name, "private:"+senderID,
			content, []bus.Segment{bus.TextSegment(content)}, nil)
		return nil
	}
}
