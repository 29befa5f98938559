package relay

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
)

func newTestCommands(t *testing.T, provisioner EndpointProvisioner) (*Commands, *Store) {
	t.Helper()
	s := newTestStore(t)
	binder := NewBinder(s, provisioner, 10*time.Minute)
	c := NewCommands(s, binder, NewResolver(s, true), NewIdentities(s), provisioner, []string{"admin1"})
	return c, s
}

func groupCommand(sender, group, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  "onebot",
		SenderID: sender,
		ChatID:   "group:" + group,
		Content:  content,
		Peer:     bus.Peer{Kind: "group", ID: group},
	}
}

func TestHandleIgnoresNonCommands(t *testing.T) {
	c, _ := newTestCommands(t, nil)
	_, handled := c.Handle(context.Background(), groupCommand("1", "100", "hello world"))
	assert.False(t, handled)

	// "mtx" is not the command prefix.
	_, handled = c.Handle(context.Background(), groupCommand("1", "100", "mtx add"))
	assert.False(t, handled)
}

func TestAddRequiresAdmin(t *testing.T) {
	c, _ := newTestCommands(t, nil)
	reply, handled := c.Handle(context.Background(), groupCommand("nobody", "100", "mt add"))
	require.True(t, handled)
	assert.Equal(t, "Permission denied.", reply)
}

func TestAddBindFlow(t *testing.T) {
	c, s := newTestCommands(t, nil)
	ctx := context.Background()

	reply, handled := c.Handle(ctx, groupCommand("admin1", "100", "mt add"))
	require.True(t, handled)
	codeRe := regexp.MustCompile(`Bind code: ([a-z0-9]{6})`)
	m := codeRe.FindStringSubmatch(reply)
	require.NotNil(t, m, "reply %q carries no code", reply)
	code := m[1]

	reply, handled = c.Handle(ctx, bus.InboundMessage{
		Channel:  "discord",
		SenderID: "u2",
		Content:  "mt bind " + code,
		Peer:     bus.Peer{Kind: "group", ID: "200"},
	})
	require.True(t, handled)
	assert.Equal(t, "Rule #1 created.", reply)

	rules, err := s.Rules()
	require.NoError(t, err)
	assert.Equal(t, Rule{
		Source: "onebot:GroupMessage:100",
		Target: "discord:GroupMessage:200",
	}, rules["1"])
}

func TestBindUnknownCode(t *testing.T) {
	c, _ := newTestCommands(t, nil)
	reply, _ := c.Handle(context.Background(), groupCommand("u", "200", "mt bind zzzzzz"))
	assert.Equal(t, "Unknown or expired bind code.", reply)
}

func TestDelFlow(t *testing.T) {
	c, s := newTestCommands(t, nil)
	_, err := s.AddRule("a:GroupMessage:1", "b:GroupMessage:2")
	require.NoError(t, err)

	reply, _ := c.Handle(context.Background(), groupCommand("admin1", "100", "mt del 1"))
	assert.Equal(t, "Rule #1 deleted.", reply)

	reply, _ = c.Handle(context.Background(), groupCommand("admin1", "100", "mt del 1"))
	assert.Equal(t, "No rule #1.", reply)
}

func TestListMatchesCurrentConversation(t *testing.T) {
	c, s := newTestCommands(t, nil)
	_, err := s.AddRule("onebot:GroupMessage:100", "discord:GroupMessage:200")
	require.NoError(t, err)
	_, err = s.AddRule("onebot:GroupMessage:999", "discord:GroupMessage:300")
	require.NoError(t, err)

	reply, _ := c.Handle(context.Background(), groupCommand("anyone", "100", "mt list"))
	assert.Contains(t, reply, "#1 onebot:GroupMessage:100 -> discord:GroupMessage:200 [direct]")
	assert.NotContains(t, reply, "999")

	require.NoError(t, s.SetEndpoint("discord:GroupMessage:200", "https://discord.com/api/webhooks/1/t"))
	reply, _ = c.Handle(context.Background(), groupCommand("anyone", "100", "mt list"))
	assert.Contains(t, reply, "#1 onebot:GroupMessage:100 -> discord:GroupMessage:200 [webhook]")
}

func TestWebhookInspectAndSet(t *testing.T) {
	c, s := newTestCommands(t, nil)
	ctx := context.Background()

	reply, _ := c.Handle(ctx, groupCommand("admin1", "100", "mt webhook"))
	assert.Contains(t, reply, "direct relay")

	reply, _ = c.Handle(ctx, groupCommand("admin1", "100", "mt webhook https://example.com/wh"))
	assert.Equal(t, "Endpoint set.", reply)

	url, err := s.Endpoint("onebot:GroupMessage:100")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/wh", url)

	reply, _ = c.Handle(ctx, groupCommand("admin1", "100", "mt webhook"))
	assert.Equal(t, "Endpoint: https://example.com/wh", reply)
}

func TestWebhookCreateUsesProvisioner(t *testing.T) {
	p := &fakeProvisioner{supports: true, url: "https://auto/wh"}
	c, s := newTestCommands(t, p)

	reply, _ := c.Handle(context.Background(), groupCommand("admin1", "100", "mt webhook create"))
	assert.Equal(t, "Endpoint created: https://auto/wh", reply)

	url, err := s.Endpoint("onebot:GroupMessage:100")
	require.NoError(t, err)
	assert.Equal(t, "https://auto/wh", url)
}

func TestWebhookCreateUnsupportedPlatform(t *testing.T) {
	p := &fakeProvisioner{supports: false}
	c, _ := newTestCommands(t, p)

	reply, _ := c.Handle(context.Background(), groupCommand("admin1", "100", "mt webhook create"))
	assert.Contains(t, reply, "does not support")
}

func TestMapUnmapMaps(t *testing.T) {
	c, _ := newTestCommands(t, nil)
	ctx := context.Background()

	reply, _ := c.Handle(ctx, groupCommand("admin1", "100", "mt map onebot 111 discord 222"))
	assert.Equal(t, "Mapping added.", reply)

	reply, _ = c.Handle(ctx, groupCommand("anyone", "100", "mt maps"))
	assert.Contains(t, reply, "onebot:111:discord -> 222")

	reply, _ = c.Handle(ctx, groupCommand("admin1", "100", "mt unmap onebot 111 discord"))
	assert.Equal(t, "Mapping removed.", reply)

	reply, _ = c.Handle(ctx, groupCommand("anyone", "100", "mt maps"))
	assert.Equal(t, "No identity mappings.", reply)
}

func TestMapRequiresAdmin(t *testing.T) {
	c, _ := newTestCommands(t, nil)
	for _, cmd := range []string{"mt map a 1 b 2", "mt unmap a 1 b", "mt webhook", "mt del 1"} {
		reply, handled := c.Handle(context.Background(), groupCommand("nobody", "100", cmd))
		require.True(t, handled, cmd)
		assert.Equal(t, "Permission denied.", reply, cmd)
	}
}

func TestUnknownSubcommandShowsUsage(t *testing.T) {
	c, _ := newTestCommands(t, nil)
	reply, handled := c.Handle(context.Background(), groupCommand("u", "100", "mt frobnicate"))
	require.True(t, handled)
	assert.True(t, strings.HasPrefix(reply, "Usage:"))
}
