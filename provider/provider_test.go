package provider

import (
	"context"
	"sync"
	"testing"

	"github.com/migadu/imapauth/config"
	"github.com/migadu/imapauth/identity"
	"github.com/migadu/imapauth/pkg/metrics"
	"github.com/migadu/imapauth/probe"
	"github.com/migadu/imapauth/verifier"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type stubVerifier struct {
	mu       sync.Mutex
	accounts map[string]string
	calls    []string
}

func (s *stubVerifier) VerifyLogin(_ context.Context, username, password string) verifier.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, username)
	if pw, ok := s.accounts[username]; ok && pw == password {
		return verifier.Authenticated
	}
	return verifier.Rejected
}

type stubProber struct {
	results map[string]probe.Result
	calls   []string
}

func (s *stubProber) ProbeExists(_ context.Context, address string) probe.Result {
	s.calls = append(s.calls, address)
	if r, ok := s.results[address]; ok {
		return r
	}
	return probe.DoesNotExist
}

type otherRequest struct{}

func (otherRequest) RequestKind() string { return "other" }

func strPtr(s string) *string { return &s }

func newTestProvider() (*Provider, *stubVerifier, *stubProber) {
	v := &stubVerifier{accounts: map[string]string{"alice@example.org": "s3cret"}}
	p := &stubProber{results: map[string]probe.Result{
		"alice@example.org": probe.Exists,
		"down@example.org":  probe.ServiceUnavailable,
	}}
	n := identity.NewAddressNormalizer(config.IdentityConfig{})
	return New(n, v, p), v, p
}

func TestBeginPrimaryAuthentication(t *testing.T) {
	tests := []struct {
		name     string
		reqs     []Request
		want     Verdict
		verified bool
	}{
		{
			name:     "valid credentials pass with canonical name",
			reqs:     []Request{NewPasswordRequest("  Alice@Example.ORG ", "s3cret")},
			want:     Pass("alice@example.org"),
			verified: true,
		},
		{
			name:     "wrong password abstains",
			reqs:     []Request{NewPasswordRequest("alice@example.org", "wrong")},
			want:     Abstain(),
			verified: true,
		},
		{
			name: "no requests",
			reqs: nil,
			want: Abstain(),
		},
		{
			name: "no password request",
			reqs: []Request{otherRequest{}},
			want: Abstain(),
		},
		{
			name: "nil username",
			reqs: []Request{&PasswordRequest{Password: strPtr("s3cret")}},
			want: Abstain(),
		},
		{
			name: "nil password",
			reqs: []Request{&PasswordRequest{Username: strPtr("alice@example.org")}},
			want: Abstain(),
		},
		{
			name: "both nil",
			reqs: []Request{&PasswordRequest{}},
			want: Abstain(),
		},
		{
			name: "invalid username",
			reqs: []Request{NewPasswordRequest("not an address", "s3cret")},
			want: Abstain(),
		},
		{
			name: "empty username",
			reqs: []Request{NewPasswordRequest("", "s3cret")},
			want: Abstain(),
		},
		{
			name:     "password request found among others",
			reqs:     []Request{otherRequest{}, NewPasswordRequest("alice@example.org", "s3cret")},
			want:     Pass("alice@example.org"),
			verified: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, v, _ := newTestProvider()
			got := p.BeginPrimaryAuthentication(context.Background(), tt.reqs)
			assert.Equal(t, tt.want, got)
			if tt.verified {
				assert.Len(t, v.calls, 1)
			} else {
				assert.Empty(t, v.calls, "incomplete or invalid requests never reach the mailbox server")
			}
		})
	}
}

func TestBeginPrimaryAuthentication_CountsVerdicts(t *testing.T) {
	p, _, _ := newTestProvider()
	passBefore := testutil.ToFloat64(metrics.Verdicts.WithLabelValues("authenticate", "pass"))
	abstainBefore := testutil.ToFloat64(metrics.Verdicts.WithLabelValues("authenticate", "abstain"))

	p.BeginPrimaryAuthentication(context.Background(), []Request{NewPasswordRequest("alice@example.org", "s3cret")})
	p.BeginPrimaryAuthentication(context.Background(), []Request{&PasswordRequest{}})

	assert.Equal(t, passBefore+1, testutil.ToFloat64(metrics.Verdicts.WithLabelValues("authenticate", "pass")))
	assert.Equal(t, abstainBefore+1, testutil.ToFloat64(metrics.Verdicts.WithLabelValues("authenticate", "abstain")))
}

func TestTestUserExists(t *testing.T) {
	tests := []struct {
		name     string
		username string
		want     bool
		probed   string
	}{
		{name: "existing", username: "Alice@Example.org", want: true, probed: "alice@example.org"},
		{name: "unknown", username: "bob@example.org", want: false, probed: "bob@example.org"},
		{name: "server unavailable assumes exists", username: "down@example.org", want: true, probed: "down@example.org"},
		{name: "invalid username", username: "no such user", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, prober := newTestProvider()
			assert.Equal(t, tt.want, p.TestUserExists(context.Background(), tt.username, ReadNormal))
			if tt.probed == "" {
				assert.Empty(t, prober.calls)
			} else {
				assert.Equal(t, []string{tt.probed}, prober.calls)
			}
		})
	}
}

func TestTestUserExists_IgnoresReadFlags(t *testing.T) {
	p, _, _ := newTestProvider()
	ctx := context.Background()
	assert.Equal(t,
		p.TestUserExists(ctx, "alice@example.org", ReadNormal),
		p.TestUserExists(ctx, "alice@example.org", ReadLatest))
	assert.Equal(t, ReadLatest, ParseReadFlags("latest"))
	assert.Equal(t, ReadNormal, ParseReadFlags(""))
}

func TestAuthenticationRequests(t *testing.T) {
	p, _, _ := newTestProvider()

	reqs := p.AuthenticationRequests(ActionLogin)
	assert.Len(t, reqs, 1)
	assert.Equal(t, KindPassword, reqs[0].Kind)
	assert.True(t, reqs[0].Required)

	for _, action := range []Action{ActionCreate, ActionLink, ActionChange, ActionRemove, Action("bogus")} {
		got := p.AuthenticationRequests(action)
		assert.NotNil(t, got)
		assert.Empty(t, got, action)
	}
}

func TestUnsupportedOperations(t *testing.T) {
	p, v, prober := newTestProvider()
	req := NewPasswordRequest("alice@example.org", "new-password")

	assert.Equal(t, StatusIgnored, p.AllowsAuthenticationDataChange(req, true))
	assert.Equal(t, StatusIgnored, p.AllowsAuthenticationDataChange(req, false))
	p.ChangeAuthenticationData(req)
	assert.Equal(t, CreationTypeNone, p.AccountCreationType())
	assert.Equal(t, Abstain(), p.BeginPrimaryAccountCreation(context.Background(), "alice@example.org", "admin", []Request{req}))

	assert.Empty(t, v.calls)
	assert.Empty(t, prober.calls)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Mailbox.Host = "imap.example.org"
	cfg.Mailbox.Port = 993
	cfg.Mailbox.EnforceSSL = true

	p, err := NewFromConfig(cfg)
	if !assert.NoError(t, err) {
		return
	}
	v, ok := p.verifier.(*verifier.Verifier)
	assert.True(t, ok)
	assert.Equal(t, "{imap.example.org:993}/imap/ssl/validate-cert", v.Descriptor().String())

	cfg.Identity.Mode = "ldap"
	_, err = NewFromConfig(cfg)
	assert.Error(t, err)

	cfg = config.NewDefaultConfig()
	cfg.SMTPProbe.Port = "smtp"
	_, err = NewFromConfig(cfg)
	assert.Error(t, err)
}
