// Package errors reports fatal startup and runtime errors of the daemon and
// hands the exit code to main.
package errors

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/migadu/imapauth/logger"
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

// ErrorHandler prints errors to stderr, which works before the logger is
// configured, and queues a non-zero exit code.
type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) exit(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.logger.Printf("FATAL: %v", NewGracefulError(operation, err))
	eh.exit(1)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}
	eh.exit(2)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)
	eh.exit(2)
}

// WaitForExit blocks until an error has been reported and returns its exit code.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
