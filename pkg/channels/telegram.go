package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
	"github.com/tinyland-inc/tinyrelay/pkg/config"
	"github.com/tinyland-inc/tinyrelay/pkg/logger"
)

type TelegramChannel struct {
	*BaseChannel
	config config.TelegramConfig
	bot    *telego.Bot
	cancel context.CancelFunc
}

func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", messageBus, cfg.AllowFrom),
		config:      cfg,
		bot:         bot,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	updates, err := c.bot.UpdatesViaLongPolling(nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	go func() {
		for update := range updates {
			if update.Message != nil {
				c.handleMessage(ctx, update.Message)
			}
		}
	}()

	c.SetRunning(true)
	logger.InfoC("telegram", "channel started")
	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram channel not running")
	}
	id := strings.TrimPrefix(strings.TrimPrefix(msg.ChatID, "group:"), "private:")
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", msg.ChatID)
	}
	_, err = c.bot.SendMessage(tu.Message(tu.ID(chatID), msg.Content))
	return err
}

func (c *TelegramChannel) handleMessage(ctx context.Context, m *telego.Message) {
	if m.From == nil {
		return
	}

	senderID := strconv.FormatInt(m.From.ID, 10)
	name := strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)

	content := m.Text
	if content == "" {
		content = m.Caption
	}

	var segments []bus.Segment
	if content != "" {
		segments = append(segments, bus.TextSegment(content))
	}
	if len(m.Photo) > 0 {
		// Largest size is last.
		if url := c.fileURL(ctx, m.Photo[len(m.Photo)-1].FileID); url != "" {
			segments = append(segments, bus.MediaSegment(url))
		}
	}
	if m.Document != nil {
		if url := c.fileURL(ctx, m.Document.FileID); url != "" {
			segments = append(segments, bus.AttachmentSegment(url, m.Document.FileName))
		}
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	peer := bus.Peer{Kind: "group", ID: chatID}
	prefix := "group:"
	if m.Chat.Type == telego.ChatTypePrivate {
		peer = bus.Peer{Kind: "direct", ID: senderID}
		prefix = "private:"
	}

	c.HandleMessage(peer, strconv.Itoa(m.MessageID),
		senderID, name, prefix+chatID, content, segments, nil)
}

func (c *TelegramChannel) fileURL(ctx context.Context, fileID string) string {
	f, err := c.bot.GetFile(&telego.GetFileParams{FileID: fileID})
	if err != nil {
		logger.WarnCF("telegram", "file lookup failed", map[string]any{"error": err.Error()})
		return ""
	}
	return c.bot.FileDownloadURL(f.FilePath)
}
