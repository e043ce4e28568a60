package errors

import (
	"bytes"
	"context"
	stderrors "errors"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestHandler(buf *bytes.Buffer) *ErrorHandler {
	eh := NewErrorHandler()
	eh.logger = log.New(buf, "", 0)
	return eh
}

func TestGracefulErrorUnwrap(t *testing.T) {
	cause := stderrors.New("listen tcp: address in use")
	err := NewGracefulError("start API server", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "operation 'start API server' failed: listen tcp: address in use", err.Error())
}

func TestErrorHandlerExitCodes(t *testing.T) {
	var buf bytes.Buffer

	eh := newTestHandler(&buf)
	eh.FatalError("serve", stderrors.New("boom"))
	assert.Equal(t, 1, eh.WaitForExit())
	assert.Contains(t, buf.String(), "FATAL: operation 'serve' failed: boom")

	buf.Reset()
	eh = newTestHandler(&buf)
	eh.ConfigError("/etc/imapauth.toml", os.ErrNotExist)
	assert.Equal(t, 2, eh.WaitForExit())
	assert.Contains(t, buf.String(), "not found")

	buf.Reset()
	eh = newTestHandler(&buf)
	eh.ValidationError("mailbox.port", stderrors.New("out of range"))
	assert.Equal(t, 2, eh.WaitForExit())
	assert.Contains(t, buf.String(), "mailbox.port: out of range")
}

func TestErrorHandlerKeepsFirstCode(t *testing.T) {
	eh := newTestHandler(&bytes.Buffer{})
	eh.ValidationError("a", stderrors.New("x"))
	eh.FatalError("b", stderrors.New("y"))
	assert.Equal(t, 2, eh.WaitForExit())
}

func TestShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewErrorHandler().Shutdown(ctx)
	NewErrorHandler().Shutdown(context.Background())
}
