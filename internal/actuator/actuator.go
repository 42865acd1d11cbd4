// Package actuator performs the physical unlock action through the portal
// driver, serializing access to the single automation session.
package actuator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pihome/doorman/internal/portal"
	"github.com/pihome/doorman/internal/session"
)

// Outcome classifies one actuation attempt.
type Outcome int

const (
	// OutcomeSuccess means the control was located, invoked, and the
	// portal acknowledged within the confirmation window.
	OutcomeSuccess Outcome = iota
	// OutcomeSessionExpired means the session is not authenticated, or
	// the portal bounced it to login during the attempt.
	OutcomeSessionExpired
	// OutcomeElementNotFound means the page loaded but the labelled
	// control was absent.
	OutcomeElementNotFound
	// OutcomeTimeout means the bounded wait elapsed without confirmation.
	OutcomeTimeout
	// OutcomeBusy means another actuation held the session slot past
	// the bounded acquire wait.
	OutcomeBusy
	// OutcomeUnknownFailure covers everything else; detail goes to logs.
	OutcomeUnknownFailure
)

// String returns the outcome name for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSessionExpired:
		return "session_expired"
	case OutcomeElementNotFound:
		return "element_not_found"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeBusy:
		return "busy"
	default:
		return "unknown_failure"
	}
}

// Attempt is the ephemeral record of one actuation call. It lives only as
// long as the request being handled.
type Attempt struct {
	StartedAt time.Time
	Outcome   Outcome
	// Err holds the underlying failure for internal logging; user-facing
	// replies are derived from Outcome alone.
	Err error
}

// Driver performs one portal interaction with the given credentials.
// *portal.Client is the production implementation.
type Driver interface {
	Actuate(ctx context.Context, snap *session.Snapshot) error
}

// Actuator coordinates actuation attempts against the shared session.
// The underlying portal session is not safe for concurrent interaction,
// so a capacity-1 slot admits at most one in-flight attempt; a second
// caller waits a bounded time for the slot and then gets OutcomeBusy.
//
// A failed attempt is never retried here. The portal gives no idempotency
// signal for "release the door", so an automatic retry risks a double
// actuation; the caller re-issues the command instead, naturally bounded
// by the rate limiter.
type Actuator struct {
	driver      Driver
	sessions    *session.Manager
	slot        chan struct{}
	acquireWait time.Duration
	timeout     time.Duration
	logger      *slog.Logger
}

// New creates an Actuator. acquireWait bounds how long a call waits for
// the session slot; timeout bounds the portal interaction itself.
func New(driver Driver, sessions *session.Manager, acquireWait, timeout time.Duration, logger *slog.Logger) *Actuator {
	return &Actuator{
		driver:      driver,
		sessions:    sessions,
		slot:        make(chan struct{}, 1),
		acquireWait: acquireWait,
		timeout:     timeout,
		logger:      logger,
	}
}

// Actuate performs one unlock attempt. Precondition: the session must be
// Authenticated; otherwise it returns OutcomeSessionExpired without any
// portal interaction.
func (a *Actuator) Actuate(ctx context.Context) Attempt {
	started := time.Now()

	if _, ok := a.sessions.Snapshot(); !ok {
		return Attempt{StartedAt: started, Outcome: OutcomeSessionExpired}
	}

	if !a.acquire(ctx) {
		a.logger.Warn("actuation slot busy past acquire wait")
		return Attempt{StartedAt: started, Outcome: OutcomeBusy}
	}
	defer a.release()

	// The session may have expired while we waited for the slot.
	snap, ok := a.sessions.Snapshot()
	if !ok {
		return Attempt{StartedAt: started, Outcome: OutcomeSessionExpired}
	}

	actCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err := a.driver.Actuate(actCtx, snap)
	attempt := Attempt{StartedAt: started, Outcome: classify(err), Err: err}

	if attempt.Outcome == OutcomeSessionExpired {
		a.sessions.MarkExpired()
	}

	if err != nil {
		a.logger.Error("actuation failed",
			slog.String("outcome", attempt.Outcome.String()),
			slog.Duration("elapsed", time.Since(started)),
			slog.String("error", err.Error()))
	} else {
		a.logger.Info("actuation succeeded",
			slog.Duration("elapsed", time.Since(started)))
	}
	return attempt
}

// acquire takes the session slot, waiting at most acquireWait (or until
// ctx is done). Returns false when the slot stayed occupied.
func (a *Actuator) acquire(ctx context.Context) bool {
	timer := time.NewTimer(a.acquireWait)
	defer timer.Stop()

	select {
	case a.slot <- struct{}{}:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (a *Actuator) release() {
	<-a.slot
}

// classify maps a driver error to the outcome taxonomy.
func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, portal.ErrLoginRedirect):
		return OutcomeSessionExpired
	case errors.Is(err, portal.ErrControlNotFound):
		return OutcomeElementNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeUnknownFailure
	}
}
