package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
	"github.com/tinyland-inc/tinyrelay/pkg/logger"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, b *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       b,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	// Extract parts from compound senderID like "123456|username"
	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range c.allowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			(userPart != "" && (userPart == allowed || userPart == trimmed)) {
			return true
		}
	}

	return false
}

// HandleMessage publishes an inbound message on the bus after the
// allowlist check.
func (c *BaseChannel) HandleMessage(
	peer bus.Peer,
	messageID, senderID, senderName, chatID, content string,
	segments []bus.Segment,
	metadata map[string]string,
) {
	if !c.IsAllowed(senderID) {
		return
	}

	msg := bus.InboundMessage{
		Channel:    c.name,
		SenderID:   senderID,
		SenderName: senderName,
		ChatID:     chatID,
		Content:    content,
		Segments:   segments,
		Peer:       peer,
		MessageID:  messageID,
		Metadata:   metadata,
	}

	if err := c.bus.PublishInbound(msg); err != nil {
		logger.WarnCF(c.name, "inbound publish failed", map[string]any{"error": err.Error()})
	}
}

func (c *BaseChannel) SetRunning(running bool) {
	c.running.Store(running)
}
