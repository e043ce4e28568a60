// Package verifier confirms a username and password by logging in to the
// mailbox server. The session is half-open: it authenticates and logs out
// without selecting a mailbox.
package verifier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/migadu/imapauth/config"
	"github.com/migadu/imapauth/consts"
	"github.com/migadu/imapauth/logger"
	"github.com/migadu/imapauth/pkg/metrics"
)

// Result of a login verification.
type Result int

const (
	Rejected Result = iota
	Authenticated
)

func (r Result) String() string {
	if r == Authenticated {
		return "authenticated"
	}
	return "rejected"
}

// Stages at which a login attempt can fail.
const (
	StageConnect  = "connect"
	StageTLS      = "tls"
	StageSTARTTLS = "starttls"
	StageGreeting = "greeting"
	StageAuth     = "auth"
)

const DefaultTimeout = 30 * time.Second

// LoginError records where a login attempt failed.
type LoginError struct {
	Stage string
	Err   error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("imap %s: %v", e.Stage, e.Err)
}

func (e *LoginError) Unwrap() error {
	return e.Err
}

// ContextDialer opens the TCP connection to the mailbox server.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options tune a Verifier. Zero values select the defaults.
type Options struct {
	Timeout   time.Duration // bound on the whole attempt
	Mechanism string        // "login" or "plain"
	Dialer    ContextDialer
	TLSConfig *tls.Config // base config; ServerName and verification are set from the descriptor
}

// Verifier performs login attempts against one mailbox server. It holds no
// per-attempt state and is safe for concurrent use.
type Verifier struct {
	desc      Descriptor
	timeout   time.Duration
	mechanism string
	dialer    ContextDialer
	baseTLS   *tls.Config
}

func New(desc Descriptor, opts Options) *Verifier {
	v := &Verifier{
		desc:      desc,
		timeout:   opts.Timeout,
		mechanism: opts.Mechanism,
		dialer:    opts.Dialer,
		baseTLS:   opts.TLSConfig,
	}
	if v.timeout <= 0 {
		v.timeout = DefaultTimeout
	}
	if v.mechanism == "" {
		v.mechanism = "login"
	}
	if v.dialer == nil {
		v.dialer = &net.Dialer{Timeout: v.timeout}
	}
	return v
}

// NewFromConfig builds a Verifier for the configured mailbox server.
func NewFromConfig(cfg config.MailboxConfig) (*Verifier, error) {
	desc, err := DescriptorFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("mailbox.timeout: %w", err)
	}
	return New(desc, Options{Timeout: timeout, Mechanism: cfg.GetAuthMechanism()}), nil
}

func (v *Verifier) Descriptor() Descriptor {
	return v.desc
}

// VerifyLogin reports whether username and password open a session on the
// mailbox server. Every failure, including transport errors, is Rejected.
func (v *Verifier) VerifyLogin(ctx context.Context, username, password string) Result {
	start := time.Now()
	err := v.login(ctx, username, password)
	metrics.LoginDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		stage := StageAuth
		var le *LoginError
		if errors.As(err, &le) {
			stage = le.Stage
		}
		metrics.LoginResults.WithLabelValues(stage).Inc()
		logger.DebugContext(ctx, "IMAP login rejected", logger.User(username), "server", v.desc.String(), "stage", stage, "error", err)
		return Rejected
	}

	metrics.LoginResults.WithLabelValues(Authenticated.String()).Inc()
	logger.DebugContext(ctx, "IMAP login accepted", logger.User(username), "server", v.desc.String(), "duration", time.Since(start))
	return Authenticated
}

func (v *Verifier) login(ctx context.Context, username, password string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	conn, err := v.dialer.DialContext(ctx, "tcp", v.desc.Addr())
	if err != nil {
		return &LoginError{Stage: StageConnect, Err: fmt.Errorf("%w: %v", consts.ErrTransport, err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	opts := &imapclient.Options{}
	if logger.Get().Enabled(ctx, slog.LevelDebug) {
		opts.DebugWriter = newTraceWriter(ctx, v.desc.String())
	}

	var client *imapclient.Client
	switch v.desc.Security {
	case SecuritySSL:
		tlsConn := tls.Client(conn, v.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return &LoginError{Stage: StageTLS, Err: fmt.Errorf("%w: %v", consts.ErrTransport, err)}
		}
		client = imapclient.New(tlsConn, opts)
	case SecurityTLS:
		opts.TLSConfig = v.tlsConfig()
		client, err = imapclient.NewStartTLS(conn, opts)
		if err != nil {
			return &LoginError{Stage: StageSTARTTLS, Err: fmt.Errorf("%w: %v", consts.ErrTransport, err)}
		}
	default:
		client = imapclient.New(conn, opts)
	}
	defer client.Close()

	if err := client.WaitGreeting(); err != nil {
		return &LoginError{Stage: StageGreeting, Err: fmt.Errorf("%w: %v", consts.ErrStatusMismatch, err)}
	}

	switch v.mechanism {
	case "plain":
		err = client.Authenticate(sasl.NewPlainClient("", username, password))
	default:
		err = client.Login(username, password).Wait()
	}
	if err != nil {
		return &LoginError{Stage: StageAuth, Err: fmt.Errorf("%w: %v", consts.ErrAuthRejected, err)}
	}

	if err := client.Logout().Wait(); err != nil {
		logger.DebugContext(ctx, "IMAP logout after verification failed", "server", v.desc.String(), "error", err)
	}
	return nil
}

func (v *Verifier) tlsConfig() *tls.Config {
	cfg := &tls.Config{}
	if v.baseTLS != nil {
		cfg = v.baseTLS.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = v.desc.Host
	}
	cfg.InsecureSkipVerify = !v.desc.VerifyCert
	cfg.Renegotiation = tls.RenegotiateNever
	return cfg
}
