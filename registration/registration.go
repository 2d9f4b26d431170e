// Package registration registers the installation's credentials with the
// backend, retrying failed attempts on a bounded exponential schedule.
package registration

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jkoelker/newtab/auth"
	"github.com/jkoelker/newtab/clock"
	"github.com/jkoelker/newtab/identity"
	"github.com/jkoelker/newtab/log"
	"github.com/jkoelker/newtab/metrics"
	"github.com/jkoelker/newtab/storage"
	"github.com/jkoelker/newtab/tracing"
)

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("registration orchestrator closed")

// Phase is the orchestrator's position in the registration lifecycle.
type Phase string

const (
	PhaseUnregistered Phase = "unregistered"
	PhaseRegistering  Phase = "registering"
	PhaseRegistered   Phase = "registered"
	// PhaseRetrying means an attempt failed and another is scheduled.
	PhaseRetrying Phase = "retrying"
	// PhaseOffline means the burst is exhausted; nothing further runs
	// until the next explicit Register.
	PhaseOffline Phase = "offline"
)

// Status is the in-memory lifecycle state.
type Status struct {
	Phase     Phase     `json:"phase"`
	Attempt   int       `json:"attempt"`
	NextRetry time.Time `json:"nextRetry,omitzero"`
	LastError string    `json:"lastError,omitempty"`
}

// Record is the persisted registration state.
type Record struct {
	BackendRegistered bool   `json:"backend_registered"`
	RegistrationTime  int64  `json:"registration_time,omitempty"` // epoch ms
	LastError         string `json:"last_registration_error,omitempty"`
	RetryCount        int64  `json:"registration_retry_count"`
	Failed            bool   `json:"registration_failed"`
	LastAttempt       int64  `json:"last_registration_attempt,omitempty"` // epoch ms
}

// Orchestrator runs registration bursts. At most one burst is active; a
// new Register call supersedes a pending one.
type Orchestrator struct {
	state     *auth.State
	transport Transport
	clock     clock.Clock

	mu         sync.Mutex
	generation uint64
	timer      clock.Timer
	status     Status
	closed     bool
}

// New returns an orchestrator persisting to store.
func New(store storage.Store, transport Transport, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}

	return &Orchestrator{
		state:     auth.NewState(store),
		transport: transport,
		clock:     clk,
		status:    Status{Phase: PhaseUnregistered},
	}
}

// Register starts a burst: attempt 0 runs now and its error is returned;
// failed attempts schedule the next after Delay(attempt) until
// MaxRetries attempts have been made.
func (o *Orchestrator) Register(ctx context.Context, token string, id identity.Identity) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()

		return ErrClosed
	}

	o.stopTimerLocked()
	o.generation++
	gen := o.generation
	o.mu.Unlock()

	return o.attempt(ctx, gen, burstPolicy(), token, id, 0)
}

// RegisterOnce makes a single attempt without scheduling retries. A burst
// in progress keeps its schedule and status unless this attempt succeeds,
// which settles it.
func (o *Orchestrator) RegisterOnce(ctx context.Context, token string, id identity.Identity) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()

		return ErrClosed
	}

	gen := o.generation
	current := o.status
	o.mu.Unlock()

	ctx = log.WithValues(ctx, "extension_id", id.ExtensionID, "attempt", "once")

	resp, err := o.send(ctx, token, id, "once")
	if err == nil {
		o.recordSuccess(ctx, resp)

		o.mu.Lock()
		if !o.closed && gen == o.generation {
			o.stopTimerLocked()
			o.generation++
			o.status = Status{Phase: PhaseRegistered}
		}
		o.mu.Unlock()

		log.Info(ctx, "Extension registered", "message", resp.Message)
		metrics.RecordCounter(ctx, "registration_attempts_total", 1, "outcome", "success")

		return nil
	}

	metrics.RecordCounter(ctx, "registration_attempts_total", 1, "outcome", "failure")

	if current.Phase == PhaseRetrying || current.Phase == PhaseRegistering {
		o.recordFailure(ctx, current.Attempt, err)
		log.Warn(ctx, "Registration failed, pending retries unchanged", "error", err.Error())

		return err
	}

	o.recordFailure(ctx, 0, err)
	log.Error(ctx, err, "Registration failed, continuing offline")
	o.setStatus(gen, Status{Phase: PhaseOffline, LastError: err.Error()})

	return err
}

// send performs one transport call inside a span.
func (o *Orchestrator) send(ctx context.Context, token string, id identity.Identity, label string) (Response, error) {
	var resp Response

	err := tracing.WithSpan(ctx, "registration.attempt", func(ctx context.Context) error {
		var err error

		resp, err = o.transport.Register(ctx, token, Request{
			Identity:  id,
			Timestamp: o.clock.Now().Unix(),
		})

		return err
	}, "attempt", label)

	return resp, err
}

func (o *Orchestrator) attempt(
	ctx context.Context,
	gen uint64,
	policy backoff.BackOff,
	token string,
	id identity.Identity,
	attempt int,
) error {
	if !o.setStatus(gen, Status{Phase: PhaseRegistering, Attempt: attempt}) {
		return nil
	}

	ctx = log.WithValues(ctx, "extension_id", id.ExtensionID, "attempt", attempt+1)

	resp, err := o.send(ctx, token, id, strconv.Itoa(attempt))
	if err == nil {
		o.recordSuccess(ctx, resp)
		o.setStatus(gen, Status{Phase: PhaseRegistered, Attempt: attempt})

		log.Info(ctx, "Extension registered", "message", resp.Message)
		metrics.RecordCounter(ctx, "registration_attempts_total", 1, "outcome", "success")

		return nil
	}

	o.recordFailure(ctx, attempt, err)
	metrics.RecordCounter(ctx, "registration_attempts_total", 1, "outcome", "failure")

	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		log.Error(ctx, err, "Registration retries exhausted, continuing offline", "max_attempts", MaxRetries)
		o.setStatus(gen, Status{Phase: PhaseOffline, Attempt: attempt, LastError: err.Error()})

		return err
	}

	log.Warn(ctx, "Registration failed, retry scheduled",
		"error", err.Error(),
		"retry_in", delay.String(),
	)

	retryCtx := context.WithoutCancel(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || gen != o.generation {
		return err
	}

	o.status = Status{
		Phase:     PhaseRetrying,
		Attempt:   attempt,
		NextRetry: o.clock.Now().Add(delay),
		LastError: err.Error(),
	}
	o.timer = o.clock.AfterFunc(delay, func() {
		_ = o.attempt(retryCtx, gen, policy, token, id, attempt+1)
	})

	return err
}

// setStatus applies status if gen is still the active burst.
func (o *Orchestrator) setStatus(gen uint64, status Status) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || gen != o.generation {
		return false
	}

	o.status = status

	return true
}

func (o *Orchestrator) recordSuccess(ctx context.Context, resp Response) {
	o.state.Set(ctx, storage.KeyBackendRegistered, true)
	o.state.Set(ctx, storage.KeyRegistrationTime, o.clock.Now().UnixMilli())
	o.state.Set(ctx, storage.KeyLastRegistrationResponse, resp)
	o.state.Set(ctx, storage.KeyRegistrationRetryCount, 0)
	o.state.Remove(ctx, storage.KeyRegistrationFailed, storage.KeyLastRegistrationError)
}

func (o *Orchestrator) recordFailure(ctx context.Context, attempt int, err error) {
	o.state.Set(ctx, storage.KeyBackendRegistered, false)
	o.state.Set(ctx, storage.KeyRegistrationFailed, true)
	o.state.Set(ctx, storage.KeyLastRegistrationError, err.Error())
	o.state.Set(ctx, storage.KeyLastRegistrationAttempt, o.clock.Now().UnixMilli())
	o.state.Set(ctx, storage.KeyRegistrationRetryCount, attempt+1)
}

// State returns the in-memory lifecycle state.
func (o *Orchestrator) State() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.status
}

// Record reads the persisted registration state.
func (o *Orchestrator) Record(ctx context.Context) Record {
	return Record{
		BackendRegistered: o.state.Bool(ctx, storage.KeyBackendRegistered),
		RegistrationTime:  o.state.Int64(ctx, storage.KeyRegistrationTime),
		LastError:         o.state.String(ctx, storage.KeyLastRegistrationError),
		RetryCount:        o.state.Int64(ctx, storage.KeyRegistrationRetryCount),
		Failed:            o.state.Bool(ctx, storage.KeyRegistrationFailed),
		LastAttempt:       o.state.Int64(ctx, storage.KeyLastRegistrationAttempt),
	}
}

// Close cancels any scheduled retry. Attempts in flight finish but do
// not schedule further retries.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closed = true
	o.stopTimerLocked()

	return nil
}

func (o *Orchestrator) stopTimerLocked() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}
