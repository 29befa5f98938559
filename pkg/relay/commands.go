package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tinyland-inc/tinyrelay/pkg/bus"
)

const commandPrefix = "mt"

// Commands handles the chat-facing management surface. Replies are
// plain text sent back to the invoking conversation; errors surface
// there directly instead of being logged away.
type Commands struct {
	store       *Store
	binder      *Binder
	resolver    *Resolver
	identities  *Identities
	provisioner EndpointProvisioner
	admins      map[string]struct{}
}

func NewCommands(store *Store, binder *Binder, resolver *Resolver, identities *Identities, provisioner EndpointProvisioner, admins []string) *Commands {
	set := make(map[string]struct{}, len(admins))
	for _, a := range admins {
		set[a] = struct{}{}
	}
	return &Commands{
		store:       store,
		binder:      binder,
		resolver:    resolver,
		identities:  identities,
		provisioner: provisioner,
		admins:      set,
	}
}

func (c *Commands) isAdmin(senderID string) bool {
	_, ok := c.admins[senderID]
	return ok
}

// Handle dispatches a message if it is a management command. The
// second return value reports whether the message was consumed.
func (c *Commands) Handle(ctx context.Context, msg bus.InboundMessage) (string, bool) {
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 || fields[0] != commandPrefix {
		return "", false
	}
	if len(fields) == 1 {
		return c.usage(), true
	}

	source := SourceOrigin(msg).String()
	sub, args := fields[1], fields[2:]

	switch sub {
	case "add":
		return c.cmdAdd(msg.SenderID, source), true
	case "bind":
		return c.cmdBind(ctx, args, source), true
	case "del":
		return c.cmdDel(msg.SenderID, args), true
	case "list":
		return c.cmdList(source), true
	case "webhook":
		return c.cmdWebhook(ctx, msg.SenderID, args, source), true
	case "map":
		return c.cmdMap(msg.SenderID, args), true
	case "unmap":
		return c.cmdUnmap(msg.SenderID, args), true
	case "maps":
		return c.cmdMaps(), true
	default:
		return c.usage(), true
	}
}

func (c *Commands) usage() string {
	return strings.Join([]string{
		"Usage:",
		"  mt add                              issue a bind code here (admin)",
		"  mt bind <code>                      bind this conversation to the code's source",
		"  mt del <rule-id>                    delete a rule (admin)",
		"  mt list                             list rules sourced from this conversation",
		"  mt webhook [create|<url>]           inspect or set this conversation's endpoint (admin)",
		"  mt map <plat> <id> <plat> <id>      add identity mapping (admin)",
		"  mt unmap <plat> <id> <plat>         remove identity mapping (admin)",
		"  mt maps                             list identity mappings",
	}, "\n")
}

func (c *Commands) cmdAdd(senderID, source string) string {
	if !c.isAdmin(senderID) {
		return "Permission denied."
	}
	code, err := c.binder.Request(source)
	if err != nil {
		return "Failed to issue bind code: " + err.Error()
	}
	return fmt.Sprintf("Bind code: %s\nRun `mt bind %s` in the target conversation.", code, code)
}

func (c *Commands) cmdBind(ctx context.Context, args []string, acceptor string) string {
	if len(args) != 1 {
		return "Usage: mt bind <code>"
	}
	id, err := c.binder.Accept(ctx, args[0], acceptor)
	switch {
	case errors.Is(err, ErrNotFound):
		return "Unknown or expired bind code."
	case errors.Is(err, ErrConflict):
		return "This forwarding rule already exists."
	case err != nil:
		return "Bind failed: " + err.Error()
	}
	return "Rule #" + id + " created."
}

func (c *Commands) cmdDel(senderID string, args []string) string {
	if !c.isAdmin(senderID) {
		return "Permission denied."
	}
	if len(args) != 1 {
		return "Usage: mt del <rule-id>"
	}
	err := c.store.DeleteRule(args[0])
	switch {
	case errors.Is(err, ErrNotFound):
		return "No rule #" + args[0] + "."
	case err != nil:
		return "Delete failed: " + err.Error()
	}
	return "Rule #" + args[0] + " deleted."
}

func (c *Commands) cmdList(source string) string {
	matches, err := c.resolver.ResolveTargets(source)
	if err != nil {
		return "Listing failed: " + err.Error()
	}
	if len(matches) == 0 {
		return "No rules sourced from this conversation."
	}
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		mode := "direct"
		if url, err := c.store.Endpoint(m.Rule.Target); err == nil && url != "" {
			mode = "webhook"
		}
		lines = append(lines, fmt.Sprintf("#%s %s -> %s [%s]", m.ID, m.Rule.Source, m.Rule.Target, mode))
	}
	return strings.Join(lines, "\n")
}

func (c *Commands) cmdWebhook(ctx context.Context, senderID string, args []string, source string) string {
	if !c.isAdmin(senderID) {
		return "Permission denied."
	}
	switch {
	case len(args) == 0:
		url, err := c.store.Endpoint(source)
		if err != nil {
			return "Lookup failed: " + err.Error()
		}
		if url == "" {
			return "No endpoint configured; delivery here uses direct relay."
		}
		return "Endpoint: " + url
	case args[0] == "create":
		target, err := ParseOrigin(source)
		if err != nil {
			return "Cannot parse this conversation id: " + err.Error()
		}
		if c.provisioner == nil || !c.provisioner.Supports(target) {
			return "This platform does not support impersonation endpoints."
		}
		url, err := c.provisioner.Provision(ctx, target)
		if err != nil {
			return "Endpoint creation failed: " + err.Error()
		}
		if err := c.store.SetEndpoint(source, url); err != nil {
			return "Endpoint save failed: " + err.Error()
		}
		return "Endpoint created: " + url
	default:
		if err := c.store.SetEndpoint(source, args[0]); err != nil {
			return "Endpoint save failed: " + err.Error()
		}
		return "Endpoint set."
	}
}

func (c *Commands) cmdMap(senderID string, args []string) string {
	if !c.isAdmin(senderID) {
		return "Permission denied."
	}
	if len(args) != 4 {
		return "Usage: mt map <src-platform> <src-id> <dst-platform> <dst-id>"
	}
	if err := c.identities.Add(args[0], args[1], args[2], args[3]); err != nil {
		return "Mapping failed: " + err.Error()
	}
	return "Mapping added."
}

func (c *Commands) cmdUnmap(senderID string, args []string) string {
	if !c.isAdmin(senderID) {
		return "Permission denied."
	}
	if len(args) != 3 {
		return "Usage: mt unmap <src-platform> <src-id> <dst-platform>"
	}
	err := c.identities.Remove(args[0], args[1], args[2])
	switch {
	case errors.Is(err, ErrNotFound):
		return "No such mapping."
	case err != nil:
		return "Unmap failed: " + err.Error()
	}
	return "Mapping removed."
}

func (c *Commands) cmdMaps() string {
	lines, err := c.identities.List()
	if err != nil {
		return "Listing failed: " + err.Error()
	}
	if len(lines) == 0 {
		return "No identity mappings."
	}
	return strings.Join(lines, "\n")
}
