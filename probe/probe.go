// Package probe asks a mail-transfer server whether it would accept mail for
// an address, using the RCPT TO stage of an SMTP dialogue that never sends a
// message.
//
// The dialogue is fixed and deliberately minimal:
//
//	S: 220 greeting
//	C: helo hi
//	S: 250
//	C: mail from: <user@request.com>
//	S: 250
//	C: rcpt to: <address>
//	S: 250 (exists) | anything else
//	C: quit
//
// Only the first line of every reply is read and only its three-character
// status is compared. A failed step does not stop the dialogue.
package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/migadu/imapauth/config"
	"github.com/migadu/imapauth/consts"
	"github.com/migadu/imapauth/logger"
	"github.com/migadu/imapauth/pkg/metrics"
)

// Result of an existence probe.
type Result int

const (
	DoesNotExist Result = iota
	Exists
	ServiceUnavailable // the server could not be reached
)

func (r Result) String() string {
	switch r {
	case Exists:
		return "exists"
	case ServiceUnavailable:
		return "unavailable"
	default:
		return "not_exists"
	}
}

const (
	DefaultTimeout  = 30 * time.Second
	DefaultHeloName = "hi"
	DefaultMailFrom = "user@request.com"

	maxLineLength = 4096
)

// Dialogue steps.
const (
	StepConnect  = "connect"
	StepGreeting = "greeting"
	StepHelo     = "helo"
	StepMailFrom = "mail"
	StepRcptTo   = "rcpt"
	StepQuit     = "quit"
)

// StepError describes a step whose reply did not carry the expected status.
type StepError struct {
	Step string
	Line string // first reply line, if one was read
	Err  error
}

func (e *StepError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("smtp %s: %v: %q", e.Step, e.Err, e.Line)
	}
	return fmt.Sprintf("smtp %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ContextDialer opens the TCP connection to the mail-transfer server.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options tune a Prober. Zero values select the defaults.
type Options struct {
	ConnectTimeout time.Duration
	IOTimeout      time.Duration // bound on the command exchange; defaults to ConnectTimeout
	HeloName       string
	MailFrom       string
	Dialer         ContextDialer
}

// Prober runs existence probes against one mail-transfer server. It is safe
// for concurrent use; every probe opens its own connection.
type Prober struct {
	addr           string
	connectTimeout time.Duration
	ioTimeout      time.Duration
	heloName       string
	mailFrom       string
	dialer         ContextDialer
}

func New(ep config.Endpoint, opts Options) *Prober {
	p := &Prober{
		addr:           ep.Addr(),
		connectTimeout: opts.ConnectTimeout,
		ioTimeout:      opts.IOTimeout,
		heloName:       opts.HeloName,
		mailFrom:       opts.MailFrom,
		dialer:         opts.Dialer,
	}
	if p.connectTimeout <= 0 {
		p.connectTimeout = DefaultTimeout
	}
	if p.ioTimeout <= 0 {
		p.ioTimeout = p.connectTimeout
	}
	if p.heloName == "" {
		p.heloName = DefaultHeloName
	}
	if p.mailFrom == "" {
		p.mailFrom = DefaultMailFrom
	}
	if p.dialer == nil {
		p.dialer = &net.Dialer{Timeout: p.connectTimeout}
	}
	return p
}

// NewFromConfig builds a Prober for the configured mail-transfer server.
func NewFromConfig(cfg config.SMTPProbeConfig) (*Prober, error) {
	ep, err := cfg.Endpoint()
	if err != nil {
		return nil, err
	}
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return nil, fmt.Errorf("smtp_probe.connect_timeout: %w", err)
	}
	ioTimeout, err := cfg.GetIOTimeout()
	if err != nil {
		return nil, fmt.Errorf("smtp_probe.io_timeout: %w", err)
	}
	return New(ep, Options{
		ConnectTimeout: connectTimeout,
		IOTimeout:      ioTimeout,
		HeloName:       cfg.GetHeloName(),
		MailFrom:       cfg.GetMailFrom(),
	}), nil
}

func (p *Prober) Addr() string {
	return p.addr
}

// ProbeExists reports whether the server accepts address as a recipient.
// Failure to connect yields ServiceUnavailable; every other failure,
// including I/O errors in the middle of the dialogue, yields DoesNotExist.
func (p *Prober) ProbeExists(ctx context.Context, address string) Result {
	if address == "" || strings.ContainsAny(address, "\r\n<>") {
		logger.DebugContext(ctx, "SMTP probe refused unsafe address", logger.User(address))
		metrics.ProbeResults.WithLabelValues(DoesNotExist.String()).Inc()
		return DoesNotExist
	}

	start := time.Now()
	result, err := p.probe(ctx, address)
	metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	metrics.ProbeResults.WithLabelValues(result.String()).Inc()

	switch {
	case result == ServiceUnavailable:
		logger.WarnContext(ctx, "SMTP probe could not reach server, assuming user exists", logger.User(address), "server", p.addr, "error", err)
	case err != nil:
		logger.DebugContext(ctx, "SMTP probe finished with mismatches", logger.User(address), "server", p.addr, "result", result.String(), "error", err)
	default:
		logger.DebugContext(ctx, "SMTP probe finished", logger.User(address), "server", p.addr, "result", result.String())
	}
	return result
}

func (p *Prober) probe(ctx context.Context, address string) (Result, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	conn, err := p.dialer.DialContext(dialCtx, "tcp", p.addr)
	cancel()
	if err != nil {
		return ServiceUnavailable, &StepError{Step: StepConnect, Err: fmt.Errorf("%w: %v", consts.ErrTransport, err)}
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(p.ioTimeout))
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s := &session{conn: conn, reader: bufio.NewReaderSize(conn, maxLineLength)}

	var errs []error
	check := func(err error) bool {
		if err != nil {
			errs = append(errs, err)
			return false
		}
		return true
	}

	sessionOK := check(s.expect(StepGreeting, "", "220"))
	ok := check(s.expect(StepHelo, "helo "+p.heloName, "250"))
	sessionOK = sessionOK && ok
	ok = check(s.expect(StepMailFrom, "mail from: <"+p.mailFrom+">", "250"))
	sessionOK = sessionOK && ok
	exists := check(s.expect(StepRcptTo, "rcpt to: <"+address+">", "250"))

	// The reply to QUIT is not awaited.
	_ = s.send("quit")

	err = errors.Join(errs...)
	if !sessionOK || !exists {
		return DoesNotExist, err
	}
	return Exists, err
}

type session struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (s *session) send(cmd string) error {
	_, err := io.WriteString(s.conn, cmd+"\r\n")
	return err
}

// readLine reads the first line of a reply, at most maxLineLength bytes. A
// longer line is truncated; the remainder is left for the next read.
func (s *session) readLine() (string, error) {
	line, err := s.reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		err = nil
	}
	if err != nil && len(line) == 0 {
		return "", err
	}
	return string(line), nil
}

// expect sends cmd (if any) and checks that the reply starts with code.
func (s *session) expect(step, cmd, code string) error {
	if cmd != "" {
		if err := s.send(cmd); err != nil {
			return &StepError{Step: step, Err: fmt.Errorf("%w: %v", consts.ErrTransport, err)}
		}
	}
	line, err := s.readLine()
	if err != nil {
		return &StepError{Step: step, Err: fmt.Errorf("%w: %v", consts.ErrTransport, err)}
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 3 || line[:3] != code {
		return &StepError{Step: step, Line: line, Err: consts.ErrStatusMismatch}
	}
	return nil
}
