package errors

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/migadu/dbha/logger"
)

// Process exit codes reported by the daemon.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitConfig  = 2
	ExitStartup = 3
)

type GracefulError struct {
	Operation string
	Code      int
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, code int, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Code:      code,
		Err:       err,
	}
}

// ErrorHandler collects the first fatal condition and hands its exit code to
// main. Messages go to stderr because the structured logger may not be
// initialized yet when configuration fails.
type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger

	mu   sync.Mutex
	last *GracefulError
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) report(ge *GracefulError) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	if eh.last != nil {
		return
	}
	eh.last = ge
	eh.exitChannel <- ge.Code
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	ge := NewGracefulError(operation, ExitFatal, err)
	eh.logger.Printf("FATAL: %v", ge)
	eh.report(ge)
}

// StartupError reports a failure to bring the database HA system up.
func (eh *ErrorHandler) StartupError(operation string, err error) {
	ge := NewGracefulError(operation, ExitStartup, err)
	eh.logger.Printf("FATAL: %v", ge)
	eh.report(ge)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}
	eh.report(NewGracefulError("load config "+configPath, ExitConfig, err))
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)
	eh.report(NewGracefulError("validate "+field, ExitConfig, err))
}

// Last returns the error that decided the exit code, or nil.
func (eh *ErrorHandler) Last() *GracefulError {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	return eh.last
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return ExitOK, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated", "component", "DBHA")
	default:
		logger.Warn("Unexpected shutdown", "component", "DBHA")
	}
}
