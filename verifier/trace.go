package verifier

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/migadu/imapauth/helpers"
	"github.com/migadu/imapauth/logger"
)

// traceWriter receives the raw IMAP exchange from imapclient and logs it line
// by line at debug level. Credentials sent with LOGIN or AUTHENTICATE, and any
// literal or SASL continuation that follows them, are redacted.
type traceWriter struct {
	ctx    context.Context
	server string

	mu        sync.Mutex
	buf       []byte
	sensitive bool
}

func newTraceWriter(ctx context.Context, server string) *traceWriter {
	return &traceWriter{ctx: ctx, server: server}
}

func (w *traceWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		logger.DebugContext(w.ctx, "IMAP trace", "server", w.server, "line", w.redact(line))
	}
	return len(p), nil
}

func (w *traceWriter) redact(line string) string {
	fields := strings.Fields(line)
	if len(fields) >= 2 {
		switch strings.ToUpper(fields[1]) {
		case "LOGIN", "AUTHENTICATE":
			w.sensitive = true
			return helpers.MaskSensitive(line, fields[1], "LOGIN", "AUTHENTICATE")
		case "OK", "NO", "BAD":
			if fields[0] != "*" {
				w.sensitive = false
			}
			return line
		}
	}
	if w.sensitive && !strings.HasPrefix(line, "*") && !strings.HasPrefix(line, "+") {
		return "[REDACTED]"
	}
	return line
}
