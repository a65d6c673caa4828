package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// MigrationError wraps a goose failure applying the coordinator's own
// schema migrations (changes/buildsets/buildrequests/builds/object_state).
type MigrationError struct {
	Operation string
	Version   int64
	Cause     error
	Timestamp time.Time
	Context   map[string]any
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed at version %d: %v", e.Operation, e.Version, e.Cause)
}

func (e *MigrationError) Unwrap() error {
	return e.Cause
}

// errorClass groups a raw goose/driver error into a retry strategy.
type errorClass int

const (
	classFatal errorClass = iota
	classTransient
	classLockContention
	classResourceExhaustion
)

// classifyError inspects err's message for the substrings goose's
// postgres/sqlite drivers surface for transient failures, so
// ErrorHandler.isRetryable and RecoveryHandler.attemptRecovery make the
// same call about a given error instead of pattern-matching twice.
func classifyError(err error) errorClass {
	if err == nil {
		return classFatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return classTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg,
		"connection refused", "connection reset", "connection lost",
		"timeout", "deadline exceeded", "temporary failure",
		"service unavailable", "server closed the connection unexpectedly",
		"pq: ", "sqlstate"):
		return classTransient
	case containsAny(msg,
		"lock wait timeout", "deadlock", "serialization failure",
		"could not serialize access", "database is locked", "database busy", "interrupted",
		"current transaction is aborted"):
		return classLockContention
	case containsAny(msg, "too many connections", "out of memory", "disk full"):
		return classResourceExhaustion
	default:
		return classFatal
	}
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ErrorHandler logs migration failures and retries the ones classifyError
// marks as transient or lock contention.
type ErrorHandler struct {
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

// NewErrorHandler returns an ErrorHandler that retries up to maxRetries
// times, waiting retryDelay between attempts.
func NewErrorHandler(logger *slog.Logger, maxRetries int, retryDelay time.Duration) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		logger:     logger,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// HandleError wraps err as a MigrationError and logs it, recording whether
// it belongs to a retryable class.
func (eh *ErrorHandler) HandleError(ctx context.Context, err error, operation string, version int64) error {
	migrationErr := &MigrationError{
		Operation: operation,
		Version:   version,
		Cause:     err,
		Timestamp: time.Now(),
		Context: map[string]any{
			"operation": operation,
			"version":   version,
		},
	}

	eh.logger.Error("migration error",
		"operation", operation,
		"version", version,
		"error", err,
		"retryable", eh.isRetryable(err))

	return migrationErr
}

// ExecuteWithRetry runs operation, retrying up to maxRetries times when the
// failure classifies as transient or lock contention, waiting retryDelay
// between attempts (or returning ctx.Err() if ctx is cancelled first).
func (eh *ErrorHandler) ExecuteWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= eh.maxRetries; attempt++ {
		if attempt > 0 {
			eh.logger.Info("retrying migration operation", "attempt", attempt, "max_retries", eh.maxRetries)
			select {
			case <-time.After(eh.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				eh.logger.Info("migration operation succeeded after retry", "attempts", attempt+1)
			}
			return nil
		}

		lastErr = err
		if !eh.isRetryable(err) {
			break
		}
		eh.logger.Warn("migration operation failed, retrying", "attempt", attempt+1, "error", err)
	}

	eh.logger.Error("migration operation failed after all retries", "max_retries", eh.maxRetries, "last_error", lastErr)
	return lastErr
}

// isRetryable reports whether classifyError places err in a class worth
// retrying: transient connectivity failures and lock contention, not a
// resource-exhaustion or unrecognised (fatal) error.
func (eh *ErrorHandler) isRetryable(err error) bool {
	switch classifyError(err) {
	case classTransient, classLockContention:
		return true
	default:
		return false
	}
}

// RecoveryHandler retries operation once, attempting a class-specific
// recovery step between the two attempts.
type RecoveryHandler struct {
	logger  *slog.Logger
	manager *MigrationManager
}

// NewRecoveryHandler returns a RecoveryHandler bound to manager, used to
// reconnect or wait out a lock before the retried attempt.
func NewRecoveryHandler(logger *slog.Logger, manager *MigrationManager) *RecoveryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryHandler{
		logger:  logger,
		manager: manager,
	}
}

// ExecuteWithRecovery runs operation once; on failure it attempts recovery
// and retries operation exactly once more.
func (rh *RecoveryHandler) ExecuteWithRecovery(ctx context.Context, operation func() error) error {
	err := operation()
	if err == nil {
		rh.logger.Info("operation completed successfully")
		return nil
	}

	rh.logger.Warn("operation failed, attempting recovery", "error", err)
	if recoveryErr := rh.attemptRecovery(ctx, err); recoveryErr != nil {
		rh.logger.Error("recovery failed", "original_error", err, "recovery_error", recoveryErr)
		return fmt.Errorf("operation failed and recovery unsuccessful: %w", recoveryErr)
	}

	rh.logger.Info("recovery successful, retrying operation")
	if err := operation(); err != nil {
		rh.logger.Error("operation failed again after recovery", "error", err)
		return err
	}
	return nil
}

// attemptRecovery dispatches to the recovery step matching err's class.
func (rh *RecoveryHandler) attemptRecovery(ctx context.Context, err error) error {
	switch classifyError(err) {
	case classTransient:
		return rh.recoverConnection(ctx)
	case classLockContention:
		return rh.recoverLock(ctx)
	case classResourceExhaustion:
		return rh.recoverDiskSpace(ctx)
	default:
		return rh.recoverGeneric(ctx)
	}
}

// recoverConnection closes and reopens the migration manager's database
// connection.
func (rh *RecoveryHandler) recoverConnection(ctx context.Context) error {
	rh.logger.Info("attempting connection recovery")

	if err := rh.manager.Disconnect(ctx); err != nil {
		rh.logger.Warn("failed to disconnect during recovery", "error", err)
	}

	time.Sleep(2 * time.Second)

	db, err := sql.Open(rh.manager.config.Driver, rh.manager.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to reopen database connection: %w", err)
	}
	rh.manager.db = db

	if err := rh.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}

	rh.logger.Info("connection recovery successful")
	return nil
}

// recoverLock waits out a likely lock/deadlock window before the retry.
func (rh *RecoveryHandler) recoverLock(ctx context.Context) error {
	rh.logger.Info("attempting lock recovery")
	time.Sleep(5 * time.Second)
	rh.logger.Info("lock recovery completed")
	return nil
}

// recoverDiskSpace cannot free disk space itself; it only surfaces the
// condition so an operator can intervene.
func (rh *RecoveryHandler) recoverDiskSpace(ctx context.Context) error {
	rh.logger.Warn("disk space issue detected - manual intervention required")
	return fmt.Errorf("disk space issue requires manual intervention")
}

// recoverGeneric falls back to a connection cycle for unrecognised errors.
func (rh *RecoveryHandler) recoverGeneric(ctx context.Context) error {
	rh.logger.Info("attempting generic recovery")
	return rh.recoverConnection(ctx)
}

type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker trips after threshold consecutive goose failures and
// refuses further calls until resetTimeout has passed, so a migration run
// against a database that is down doesn't spin through the full retry
// budget on every invocation. State is held in atomics: Call is invoked
// from whichever goroutine runs a migration command, and the teacher's
// unsynchronized "state string" field would race under concurrent use.
type CircuitBreaker struct {
	logger *slog.Logger

	state        atomic.Int32
	failureCount atomic.Int32
	lastFailure  atomic.Int64 // unix nanoseconds

	threshold    int
	resetTimeout time.Duration
}

// NewCircuitBreaker returns a closed CircuitBreaker that opens after
// threshold consecutive failures and attempts a half-open probe after
// resetTimeout.
func NewCircuitBreaker(logger *slog.Logger, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		logger:       logger,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// Call runs operation through the circuit breaker, short-circuiting with an
// error while the breaker is open.
func (cb *CircuitBreaker) Call(operation func() error) error {
	if breakerState(cb.state.Load()) == breakerOpen {
		lastFailure := time.Unix(0, cb.lastFailure.Load())
		if time.Since(lastFailure) > cb.resetTimeout {
			cb.state.Store(int32(breakerHalfOpen))
			cb.logger.Info("circuit breaker moving to half-open state")
		} else {
			return fmt.Errorf("circuit breaker is open")
		}
	}

	err := operation()
	if err != nil {
		failures := cb.failureCount.Add(1)
		cb.lastFailure.Store(time.Now().UnixNano())

		if int(failures) >= cb.threshold {
			cb.state.Store(int32(breakerOpen))
			cb.logger.Warn("circuit breaker opened", "failures", failures)
		}
		return err
	}

	if breakerState(cb.state.Load()) == breakerHalfOpen {
		cb.logger.Info("circuit breaker closed after successful operation")
	}
	cb.state.Store(int32(breakerClosed))
	cb.failureCount.Store(0)
	return nil
}

// State returns the breaker's current state ("closed", "open", "half-open").
func (cb *CircuitBreaker) State() string {
	return breakerState(cb.state.Load()).String()
}

// Reset forces the breaker back to closed, clearing the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.state.Store(int32(breakerClosed))
	cb.failureCount.Store(0)
	cb.logger.Info("circuit breaker manually reset")
}
