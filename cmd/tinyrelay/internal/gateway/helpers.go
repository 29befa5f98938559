package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tinyland-inc/tinyrelay/cmd/tinyrelay/internal"
	"github.com/tinyland-inc/tinyrelay/pkg/bus"
	"github.com/tinyland-inc/tinyrelay/pkg/channels"
	"github.com/tinyland-inc/tinyrelay/pkg/logger"
	"github.com/tinyland-inc/tinyrelay/pkg/relay"
)

func gatewayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	store, err := relay.NewStore(filepath.Join(cfg.DataPath(), "relay"))
	if err != nil {
		return fmt.Errorf("error opening relay store: %w", err)
	}

	msgBus := bus.NewMessageBus(100)
	defer msgBus.Close()

	channelManager, err := channels.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("error creating channel manager: %w", err)
	}

	var provisioner relay.EndpointProvisioner
	if ch, ok := channelManager.GetChannel("discord"); ok {
		if dc, ok := ch.(*channels.DiscordChannel); ok {
			provisioner = channels.NewWebhookProvisioner(dc)
		}
	}

	resolver := relay.NewResolver(store, cfg.Relay.FuzzyRouting)
	identities := relay.NewIdentities(store)
	webhookClient := relay.NewWebhookClient(time.Duration(cfg.Relay.WebhookTimeoutSeconds) * time.Second)
	binder := relay.NewBinder(store, provisioner, time.Duration(cfg.Relay.PendingTTLMinutes)*time.Minute)
	engine := relay.NewEngine(store, resolver, identities, webhookClient, msgBus)
	commands := relay.NewCommands(store, binder, resolver, identities, provisioner, cfg.Admins)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go channelManager.DispatchOutbound(ctx)
	go inboundLoop(ctx, msgBus, commands, engine)
	go sweepLoop(ctx, binder, cfg.Relay.SweepSchedule)

	if err := channelManager.StartAll(ctx); err != nil {
		fmt.Printf("Error starting channels: %v\n", err)
	}

	enabled := channelManager.GetEnabledChannels()
	if enabled != "" {
		fmt.Printf("Channels enabled: %s\n", enabled)
	} else {
		fmt.Println("Warning: no channels enabled")
	}
	fmt.Println("Gateway started. Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	channelManager.StopAll(context.Background())
	fmt.Println("Gateway stopped")

	return nil
}

// inboundLoop feeds bus traffic through the command surface first, then
// the relay engine. Command replies go back to the invoking chat.
func inboundLoop(ctx context.Context, msgBus *bus.MessageBus, commands *relay.Commands, engine *relay.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-msgBus.Done():
			return
		case msg := <-msgBus.ConsumeInbound():
			if reply, handled := commands.Handle(ctx, msg); handled {
				err := msgBus.PublishOutbound(bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: reply,
				})
				if err != nil {
					logger.WarnCF("gateway", "command reply failed", map[string]any{"error": err.Error()})
				}
				continue
			}
			engine.HandleInbound(ctx, msg)
		}
	}
}

// sweepLoop expires stale bind codes on the configured cron schedule.
func sweepLoop(ctx context.Context, binder *relay.Binder, schedule string) {
	gron := gronx.New()
	if !gron.IsValid(schedule) {
		logger.WarnCF("gateway", "invalid sweep schedule, sweeping disabled", map[string]any{
			"schedule": schedule,
		})
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := gron.IsDue(schedule, now)
			if err != nil {
				logger.WarnCF("gateway", "sweep schedule check failed", map[string]any{"error": err.Error()})
				continue
			}
			if due {
				binder.SweepExpired()
			}
		}
	}
}
