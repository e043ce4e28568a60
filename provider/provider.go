// Package provider maps mailbox login and existence checks onto the verdicts a
// host authentication framework expects. Every failure collapses into a
// verdict; no error crosses this boundary.
package provider

import (
	"context"
	"fmt"

	"github.com/migadu/imapauth/config"
	"github.com/migadu/imapauth/consts"
	"github.com/migadu/imapauth/identity"
	"github.com/migadu/imapauth/logger"
	"github.com/migadu/imapauth/pkg/metrics"
	"github.com/migadu/imapauth/probe"
	"github.com/migadu/imapauth/verifier"
)

// LoginVerifier confirms a username and password against the mailbox server.
type LoginVerifier interface {
	VerifyLogin(ctx context.Context, username, password string) verifier.Result
}

// ExistenceProber asks the mail-transfer server whether an address exists.
type ExistenceProber interface {
	ProbeExists(ctx context.Context, address string) probe.Result
}

// PrimaryProvider is the contract a host integration layer drives.
type PrimaryProvider interface {
	AuthenticationRequests(action Action) []RequestDescriptor
	TestUserExists(ctx context.Context, username string, flags ReadFlags) bool
	BeginPrimaryAuthentication(ctx context.Context, reqs []Request) Verdict
	AllowsAuthenticationDataChange(req Request, checkData bool) ChangeStatus
	ChangeAuthenticationData(req Request)
	AccountCreationType() CreationType
	BeginPrimaryAccountCreation(ctx context.Context, username, creator string, reqs []Request) Verdict
}

// Provider authenticates against the mail servers. It holds no per-request
// state and is safe for concurrent use.
type Provider struct {
	normalizer identity.Normalizer
	verifier   LoginVerifier
	prober     ExistenceProber
}

var _ PrimaryProvider = (*Provider)(nil)

func New(normalizer identity.Normalizer, v LoginVerifier, p ExistenceProber) *Provider {
	return &Provider{normalizer: normalizer, verifier: v, prober: p}
}

// NewFromConfig wires the configured normalizer, login verifier and
// existence prober.
func NewFromConfig(cfg config.Config) (*Provider, error) {
	normalizer, err := identity.New(cfg.Identity)
	if err != nil {
		return nil, err
	}
	v, err := verifier.NewFromConfig(cfg.Mailbox)
	if err != nil {
		return nil, fmt.Errorf("mailbox: %w", err)
	}
	p, err := probe.NewFromConfig(cfg.SMTPProbe)
	if err != nil {
		return nil, fmt.Errorf("smtp_probe: %w", err)
	}
	return New(normalizer, v, p), nil
}

// AuthenticationRequests lists what the host must collect for action. Only
// login is supported, and it needs a username and password.
func (p *Provider) AuthenticationRequests(action Action) []RequestDescriptor {
	if action != ActionLogin {
		return []RequestDescriptor{}
	}
	return []RequestDescriptor{{
		Kind:     KindPassword,
		Required: true,
		Fields:   []string{"username", "password"},
	}}
}

// TestUserExists reports whether username is a deliverable address. Invalid
// names do not exist. When the mail-transfer server cannot be reached the
// user is assumed to exist. flags is accepted for the host contract and has
// no effect: every probe asks the server directly.
func (p *Provider) TestUserExists(ctx context.Context, username string, flags ReadFlags) bool {
	name, err := p.normalizer.Normalize(username)
	if err != nil {
		logger.DebugContext(ctx, "Existence check for invalid username", "error", err)
		metrics.Verdicts.WithLabelValues("exists", "invalid").Inc()
		return false
	}

	result := p.prober.ProbeExists(ctx, name)
	exists := result != probe.DoesNotExist
	metrics.Verdicts.WithLabelValues("exists", result.String()).Inc()
	return exists
}

// BeginPrimaryAuthentication verifies the password request in reqs. It passes
// with the canonical username when the mailbox server accepts the login and
// abstains in every other case.
func (p *Provider) BeginPrimaryAuthentication(ctx context.Context, reqs []Request) Verdict {
	verdict := p.authenticate(ctx, reqs)
	metrics.Verdicts.WithLabelValues("authenticate", verdict.Status.String()).Inc()
	return verdict
}

func (p *Provider) authenticate(ctx context.Context, reqs []Request) Verdict {
	req := passwordRequest(reqs)
	if req == nil || req.Username == nil || req.Password == nil {
		logger.DebugContext(ctx, "Authentication abstained", "error", consts.ErrIncompleteRequest)
		return Abstain()
	}

	name, err := p.normalizer.Normalize(*req.Username)
	if err != nil {
		logger.DebugContext(ctx, "Authentication abstained", "error", err)
		return Abstain()
	}

	if p.verifier.VerifyLogin(ctx, name, *req.Password) != verifier.Authenticated {
		logger.InfoContext(ctx, "Authentication abstained", logger.User(name), "error", consts.ErrAuthRejected)
		return Abstain()
	}

	logger.InfoContext(ctx, "Authentication passed", logger.User(name))
	return Pass(name)
}

// AllowsAuthenticationDataChange always reports the change as ignored;
// credentials are owned by the mail system.
func (p *Provider) AllowsAuthenticationDataChange(req Request, checkData bool) ChangeStatus {
	return StatusIgnored
}

// ChangeAuthenticationData does nothing.
func (p *Provider) ChangeAuthenticationData(req Request) {}

func (p *Provider) AccountCreationType() CreationType {
	return CreationTypeNone
}

func (p *Provider) BeginPrimaryAccountCreation(ctx context.Context, username, creator string, reqs []Request) Verdict {
	metrics.Verdicts.WithLabelValues("create_account", StatusAbstain.String()).Inc()
	return Abstain()
}

func passwordRequest(reqs []Request) *PasswordRequest {
	for _, r := range reqs {
		if pr, ok := r.(*PasswordRequest); ok && pr != nil {
			return pr
		}
	}
	return nil
}
