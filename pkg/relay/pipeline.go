package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
	"github.com/tinyland-inc/tinyrelay/pkg/logger"
)

// DeliveryMode records which path carried a rule's delivery.
type DeliveryMode string

const (
	ModeWebhook DeliveryMode = "webhook"
	ModeDirect  DeliveryMode = "direct"
)

// DeliveryOutcome is the per-rule result of one inbound fan-out.
type DeliveryOutcome struct {
	ID     string
	RuleID string
	Mode   DeliveryMode
	Err    error
}

// Engine fans an inbound message out to its forwarding rules. Rules
// are processed strictly in id order, each awaited before the next, so
// one source fans out to every target in the same relative order. A
// failure in one rule's delivery never touches the others.
type Engine struct {
	store      *Store
	resolver   *Resolver
	identities *Identities
	webhook    *WebhookClient
	bus        *bus.MessageBus
}

func NewEngine(store *Store, resolver *Resolver, identities *Identities, webhook *WebhookClient, b *bus.MessageBus) *Engine {
	return &Engine{
		store:      store,
		resolver:   resolver,
		identities: identities,
		webhook:    webhook,
		bus:        b,
	}
}

// SourceOrigin derives the conversation id an inbound message routes on.
func SourceOrigin(msg bus.InboundMessage) Origin {
	scope := msg.SenderID
	if msg.Peer.Kind == "group" {
		scope = msg.Peer.ID
	}
	return BuildOrigin(msg.Channel, msg.Peer.Kind, scope)
}

// HandleInbound resolves the rule set for a message and delivers to
// each target in order. The returned outcomes cover every matched rule.
func (e *Engine) HandleInbound(ctx context.Context, msg bus.InboundMessage) []DeliveryOutcome {
	source := SourceOrigin(msg)

	matches, err := e.resolver.ResolveTargets(source.String())
	if err != nil {
		logger.ErrorCF("engine", "rule resolution failed", map[string]any{
			"source": source.String(),
			"error":  err.Error(),
		})
		return nil
	}
	if len(matches) == 0 {
		return nil
	}

	outcomes := make([]DeliveryOutcome, 0, len(matches))
	for _, m := range matches {
		outcome := e.deliverRule(ctx, msg, source, m)
		if outcome.Err != nil {
			logger.WarnCF("engine", "rule delivery failed", map[string]any{
				"delivery": outcome.ID,
				"rule":     outcome.RuleID,
				"mode":     string(outcome.Mode),
				"error":    outcome.Err.Error(),
			})
		} else {
			logger.DebugCF("engine", "rule delivered", map[string]any{
				"delivery": outcome.ID,
				"rule":     outcome.RuleID,
				"mode":     string(outcome.Mode),
			})
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// deliverRule runs one rule's pipeline. A panic inside any step is
// contained here so the remaining rules still run.
func (e *Engine) deliverRule(ctx context.Context, msg bus.InboundMessage, source Origin, m RuleMatch) (outcome DeliveryOutcome) {
	outcome = DeliveryOutcome{ID: uuid.NewString(), RuleID: m.ID, Mode: ModeDirect}
	defer func() {
		if r := recover(); r != nil {
			outcome.Err = fmt.Errorf("delivery panic: %v", r)
		}
	}()

	target, err := ParseOrigin(m.Rule.Target)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	endpoint, err := e.store.Endpoint(m.Rule.Target)
	if err != nil {
		logger.WarnCF("engine", "endpoint lookup failed", map[string]any{
			"rule":  m.ID,
			"error": err.Error(),
		})
	}

	if endpoint != "" {
		if werr := e.deliverWebhook(ctx, msg, source, target, endpoint); werr == nil {
			outcome.Mode = ModeWebhook
			return outcome
		} else {
			logger.WarnCF("engine", "webhook delivery failed, falling back to direct", map[string]any{
				"rule":  m.ID,
				"error": werr.Error(),
			})
		}
	}

	outcome.Err = e.deliverDirect(msg, source, target)
	return outcome
}

func (e *Engine) deliverWebhook(ctx context.Context, msg bus.InboundMessage, source, target Origin, endpoint string) error {
	e.identities.EnsurePair(source.Platform, msg.SenderID, target.Platform, msg.SenderID)

	content := RenderContent(msg)
	content = e.identities.RewriteMentions(content, source.Platform, target.Platform)
	if content == "" {
		// Discord rejects an empty webhook body with 400.
		content = zeroWidthSep
	}

	payload := WebhookPayload{
		Content:   content,
		Username:  VirtualUsername(msg.SenderName, source.Platform),
		AvatarURL: AvatarURL(source.Platform, msg.SenderID),
	}
	return e.webhook.Execute(ctx, endpoint, payload)
}

func (e *Engine) deliverDirect(msg bus.InboundMessage, source, target Origin) error {
	content := ForwardHeader(msg.SenderName, msg.SenderID, source) + RenderContent(msg)
	return e.bus.PublishOutbound(bus.OutboundMessage{
		Channel: target.Platform,
		ChatID:  OutboundChatID(target),
		Content: content,
	})
}

// OutboundChatID converts a target origin into the chat address the
// channel layer understands. Group scopes that carry a per-user
// isolation suffix are reduced to the bare group id.
func OutboundChatID(target Origin) string {
	if target.Kind == KindGroupMessage {
		scope := target.Scope
		if i := strings.Index(scope, "_"); i > 0 {
			scope = scope[:i]
		}
		return "group:" + scope
	}
	return "private:" + target.Scope
}
