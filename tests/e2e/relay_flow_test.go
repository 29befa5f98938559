package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
	"github.com/tinyland-inc/tinyrelay/pkg/relay"
)

type harness struct {
	store    *relay.Store
	binder   *relay.Binder
	commands *relay.Commands
	engine   *relay.Engine
	bus      *bus.MessageBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := relay.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	b := bus.NewMessageBus(32)
	t.Cleanup(b.Close)

	resolver := relay.NewResolver(store, true)
	identities := relay.NewIdentities(store)
	webhook := relay.NewWebhookClient(2 * time.Second)
	binder := relay.NewBinder(store, nil, 10*time.Minute)

	return &harness{
		store:    store,
		binder:   binder,
		commands: relay.NewCommands(store, binder, resolver, identities, nil, []string{"admin"}),
		engine:   relay.NewEngine(store, resolver, identities, webhook, b),
		bus:      b,
	}
}

func (h *harness) inbound(channel, sender, name, group, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    channel,
		SenderID:   sender,
		SenderName: name,
		ChatID:     "group:" + group,
		Content:    content,
		Peer:       bus.Peer{Kind: "group", ID: group},
	}
}

// Full bind-then-forward flow: conversation A issues a code, B binds
// it, then a chat message in A shows up at B with the forward header.
func TestBindAndForwardFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reply, handled := h.commands.Handle(ctx, h.inbound("onebot", "admin", "Admin", "100", "mt add"))
	if !handled {
		t.Fatal("mt add not handled")
	}
	m := regexp.MustCompile(`Bind code: ([a-z0-9]{6})`).FindStringSubmatch(reply)
	if m == nil {
		t.Fatalf("no code in reply %q", reply)
	}

	reply, handled = h.commands.Handle(ctx, h.inbound("discord", "u2", "Bob", "200", "mt bind "+m[1]))
	if !handled || reply != "Rule #1 created." {
		t.Fatalf("bind reply = %q", reply)
	}

	outcomes := h.engine.HandleInbound(ctx, h.inbound("onebot", "111", "Alice", "100", "hello"))
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	out := <-h.bus.SubscribeOutbound()
	if out.Channel != "discord" || out.ChatID != "group:200" {
		t.Errorf("outbound addressed %s/%s", out.Channel, out.ChatID)
	}
	if !strings.HasPrefix(out.Content, "[Forward] Alice (111)\nfrom QQ Group(100)\n\n​hello") {
		t.Errorf("content = %q", out.Content)
	}
}

// Configuring a webhook for the target switches delivery to
// impersonation mode with the virtual sender identity.
func TestWebhookImpersonationFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var payload relay.WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if _, err := h.store.AddRule("onebot:GroupMessage:100", "discord:GroupMessage:200"); err != nil {
		t.Fatal(err)
	}
	reply, _ := h.commands.Handle(ctx, bus.InboundMessage{
		Channel:  "discord",
		SenderID: "admin",
		ChatID:   "group:200",
		Content:  "mt webhook " + srv.URL,
		Peer:     bus.Peer{Kind: "group", ID: "200"},
	})
	if reply != "Endpoint set." {
		t.Fatalf("webhook reply = %q", reply)
	}

	outcomes := h.engine.HandleInbound(ctx, h.inbound("onebot", "111", "Alice", "100", "hi there"))
	if len(outcomes) != 1 || outcomes[0].Mode != relay.ModeWebhook || outcomes[0].Err != nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if payload.Username != "Alice (QQ)" || payload.Content != "hi there" {
		t.Errorf("payload = %+v", payload)
	}
}

// One source fanning out to several targets keeps per-rule isolation
// and delivers in rule order.
func TestFanOutOrderingAndIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.store.AddRule("onebot:GroupMessage:100", "discord:GroupMessage:201"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.AddRule("onebot:GroupMessage:100", "not-a-conversation"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.AddRule("onebot:GroupMessage:100", "discord:GroupMessage:203"); err != nil {
		t.Fatal(err)
	}

	outcomes := h.engine.HandleInbound(ctx, h.inbound("onebot", "111", "Alice", "100", "fan"))
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if outcomes[0].Err != nil || outcomes[2].Err != nil {
		t.Errorf("healthy rules failed: %+v", outcomes)
	}
	if outcomes[1].Err == nil {
		t.Error("broken rule reported success")
	}

	first := <-h.bus.SubscribeOutbound()
	second := <-h.bus.SubscribeOutbound()
	if first.ChatID != "group:201" || second.ChatID != "group:203" {
		t.Errorf("order = %q then %q", first.ChatID, second.ChatID)
	}
}

// Scope drift between bind time and message time is recovered by fuzzy
// routing as long as platform and kind agree.
func TestScopeDriftRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.store.AddRule("onebot:GroupMessage:100_555", "discord:GroupMessage:200"); err != nil {
		t.Fatal(err)
	}

	outcomes := h.engine.HandleInbound(ctx, bus.InboundMessage{
		Channel:    "onebot",
		SenderID:   "555",
		SenderName: "Alice",
		ChatID:     "group:555",
		Content:    "still here",
		Peer:       bus.Peer{Kind: "group", ID: "555"},
	})
	if len(outcomes) != 1 || outcomes[0].Err != nil {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	out := <-h.bus.SubscribeOutbound()
	if out.ChatID != "group:200" {
		t.Errorf("target = %q", out.ChatID)
	}
}
