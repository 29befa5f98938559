package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
	"github.com/tinyland-inc/tinyrelay/pkg/config"
	"github.com/tinyland-inc/tinyrelay/pkg/logger"
)

// Manager owns the enabled channels and routes outbound bus traffic to
// them by channel name.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewManager(cfg *config.Config, messageBus *bus.MessageBus) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
	}

	if cfg.Channels.OneBot.Enabled {
		m.channels["onebot"] = NewOneBotChannel(cfg.Channels.OneBot, messageBus)
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := NewDiscordChannel(cfg.Channels.Discord, messageBus)
		if err != nil {
			return nil, fmt.Errorf("discord channel: %w", err)
		}
		m.channels["discord"] = ch
	}
	if cfg.Channels.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Channels.Telegram, messageBus)
		if err != nil {
			return nil, fmt.Errorf("telegram channel: %w", err)
		}
		m.channels["telegram"] = ch
	}
	if cfg.Channels.QQ.Enabled {
		m.channels["qq"] = NewQQChannel(cfg.Channels.QQ, messageBus)
	}
	if cfg.Channels.Slack.Enabled {
		m.channels["slack"] = NewSlackChannel(cfg.Channels.Slack, messageBus)
	}

	return m, nil
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) GetEnabledChannels() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("manager", "channel start failed", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("channel start failures: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			logger.WarnCF("manager", "channel stop failed", map[string]any{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}
}

// DispatchOutbound drains the outbound bus until ctx is done, handing
// each message to its channel. Delivery errors are logged and dropped;
// the relay engine has already committed the outcome for the rule.
func (m *Manager) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.bus.Done():
			return
		case msg := <-m.bus.SubscribeOutbound():
			ch, ok := m.GetChannel(msg.Channel)
			if !ok {
				logger.WarnCF("manager", "outbound for unknown channel", map[string]any{
					"channel": msg.Channel,
				})
				continue
			}
			if err := ch.Send(ctx, msg); err != nil {
				logger.ErrorCF("manager", "outbound send failed", map[string]any{
					"channel": msg.Channel,
					"chat_id": msg.ChatID,
					"error":   err.Error(),
				})
			}
		}
	}
}
