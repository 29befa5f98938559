package relay

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/tinyland-inc/tinyrelay/pkg/logger"
)

const codeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// EndpointProvisioner creates an impersonation endpoint for a target
// conversation on platforms that support it. Implementations live in
// the channel layer so the binder never touches platform clients.
type EndpointProvisioner interface {
	// Supports reports whether the target's platform can host endpoints.
	Supports(target Origin) bool
	// Provision creates an endpoint and returns its URL.
	Provision(ctx context.Context, target Origin) (string, error)
}

// Binder runs the two-command bind handshake: a code is issued in the
// source conversation, then consumed in the target conversation to
// create a forwarding rule.
type Binder struct {
	store       *Store
	provisioner EndpointProvisioner
	ttl         time.Duration
}

func NewBinder(store *Store, provisioner EndpointProvisioner, ttl time.Duration) *Binder {
	return &Binder{store: store, provisioner: provisioner, ttl: ttl}
}

// Request issues a fresh bind code for the initiating conversation.
// Codes are not checked for collision; the 36^6 space makes one
// vanishingly unlikely at admin-driven call rates.
func (b *Binder) Request(source string) (string, error) {
	code, err := generateCode(6)
	if err != nil {
		return "", err
	}
	if err := b.store.AddPending(code, source); err != nil {
		return "", err
	}
	return code, nil
}

// Accept consumes a bind code and creates the rule source -> acceptor.
// When the acceptor's platform supports impersonation endpoints, one is
// provisioned silently; provisioning failure never fails the bind.
func (b *Binder) Accept(ctx context.Context, code, acceptor string) (string, error) {
	source, err := b.store.PopPending(code, b.ttl)
	if err != nil {
		return "", err
	}
	id, err := b.store.AddRule(source, acceptor)
	if err != nil {
		return "", err
	}

	if b.provisioner != nil {
		if target, perr := ParseOrigin(acceptor); perr == nil && b.provisioner.Supports(target) {
			b.autoProvision(ctx, acceptor, target)
		}
	}
	return id, nil
}

func (b *Binder) autoProvision(ctx context.Context, acceptor string, target Origin) {
	existing, err := b.store.Endpoint(acceptor)
	if err != nil || existing != "" {
		return
	}
	url, err := b.provisioner.Provision(ctx, target)
	if err != nil {
		logger.WarnCF("binder", "endpoint auto-provision failed", map[string]any{
			"target": acceptor,
			"error":  err.Error(),
		})
		return
	}
	if err := b.store.SetEndpoint(acceptor, url); err != nil {
		logger.WarnCF("binder", "endpoint save failed", map[string]any{
			"target": acceptor,
			"error":  err.Error(),
		})
		return
	}
	logger.InfoCF("binder", "endpoint auto-provisioned", map[string]any{"target": acceptor})
}

// SweepExpired drops bind codes older than the configured TTL.
func (b *Binder) SweepExpired() {
	removed, err := b.store.SweepPending(b.ttl)
	if err != nil {
		logger.WarnCF("binder", "pending sweep failed", map[string]any{"error": err.Error()})
		return
	}
	if removed > 0 {
		logger.InfoCF("binder", "expired bind codes removed", map[string]any{"count": removed})
	}
}

func generateCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return string(buf), nil
}
