// Copyright (C) 2024 Couchbase, Inc.
// See LICENSE for copying information.

package gocbcore

import (
	"math"
	"math/rand"
	"time"

	"github.com/couchbase/gocbcore/internal/clog"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var retryMon = monkit.Package()

// retryDisposition is the outcome of classifying a failed attempt, per
// the retry orchestrator design.
type retryDisposition int

const (
	// dispositionTerminal means the error is application-level or
	// internal: return it to the caller verbatim, no retry.
	dispositionTerminal retryDisposition = iota
	// dispositionReroute means the topology/manifest should be refreshed
	// and the attempt retried against a (possibly) new route.
	dispositionReroute
	// dispositionBackoff means the attempt should be retried after a
	// computed delay.
	dispositionBackoff
)

// classify maps a protocol status to a retry disposition, per §4.6.
func classify(status memdStatus) retryDisposition {
	switch status {
	case statusNotMyVbucket, statusUnknownCollection, statusUnknownScope:
		return dispositionReroute
	case statusLocked, statusTempFailure, statusBusy, statusSyncWriteInProgress:
		return dispositionBackoff
	default:
		return dispositionTerminal
	}
}

// RetryStrategy computes the delay before the next retry attempt. The
// default is a best-effort exponential backoff with jitter, capped by the
// remaining deadline.
type RetryStrategy interface {
	// Delay returns how long to wait before retrying attempt number
	// `attempt` (1-indexed: the value passed on the first retry is 1).
	Delay(attempt int) time.Duration
}

// ExponentialBackoff is the default RetryStrategy: doubling delay from a
// floor, jittered, capped at a ceiling.
type ExponentialBackoff struct {
	Floor   time.Duration
	Ceiling time.Duration
}

// NewExponentialBackoff returns the default retry strategy used when the
// caller supplies no retry-strategy hint.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{Floor: 1 * time.Millisecond, Ceiling: 30 * time.Second}
}

// Delay implements RetryStrategy.
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(b.Floor) * math.Pow(2, float64(attempt-1))
	if backoff > float64(b.Ceiling) {
		backoff = float64(b.Ceiling)
	}
	jittered := backoff * (0.5 + rand.Float64()*0.5)
	return time.Duration(jittered)
}

// reconnectBackoffSchedule is the capped exponential reconnect-delay
// schedule, per §4.3: 0, 100, 500, 1000, 5000ms, then steady at 5000ms.
// kvClient.NextReconnectDelay reports it; nothing in the package re-dials
// a dropped connection on this schedule.
var reconnectBackoffSchedule = []time.Duration{
	0,
	100 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	5 * time.Second,
}

func reconnectBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(reconnectBackoffSchedule) {
		return reconnectBackoffSchedule[len(reconnectBackoffSchedule)-1]
	}
	return reconnectBackoffSchedule[attempt]
}

// retryOrchestrator interprets protocol statuses and topology changes to
// decide whether, and how, to retry a single outstanding operation. It is
// deliberately stateless aside from the strategy/idempotency flags; all
// per-attempt bookkeeping (attempt count, retry reasons) lives in the
// dispatcher's OpContext.
type retryOrchestrator struct {
	strategy RetryStrategy
}

func newRetryOrchestrator(strategy RetryStrategy) *retryOrchestrator {
	if strategy == nil {
		strategy = NewExponentialBackoff()
	}
	return &retryOrchestrator{strategy: strategy}
}

// decide classifies status and, for non-terminal dispositions, computes
// the delay (zero for reroute, which is retried immediately; whether the
// route has changed is not checked). idempotent indicates whether the logical
// operation may safely be retried after an ambiguous disconnect.
func (r *retryOrchestrator) decide(status memdStatus, idempotent bool, deadline time.Time, attempt int) (retryDisposition, time.Duration) {
	// Busy/TempFailure/Locked/SyncWriteInProgress are pre-execution
	// rejections, so they're safe to retry regardless of idempotency.
	d := classify(status)

	switch d {
	case dispositionTerminal:
		retryMon.Event("terminal")
		return d, 0
	case dispositionReroute:
		retryMon.Event("reroute")
		return d, 0
	case dispositionBackoff:
		retryMon.Event("backoff")
		delay := r.strategy.Delay(attempt)
		if remaining := time.Until(deadline); remaining > 0 && delay > remaining {
			delay = remaining
		}
		return d, delay
	}
	return dispositionTerminal, 0
}

// decideDisconnect classifies a transport-level disconnect. Non-idempotent
// mutations are retried only when the disconnect is known to be
// unambiguous (the server never received the bytes); ambiguous disconnects
// on non-idempotent operations are terminal.
func (r *retryOrchestrator) decideDisconnect(idempotent, ambiguous bool, deadline time.Time, attempt int) (retryDisposition, time.Duration) {
	if !idempotent && ambiguous {
		clog.Warnf("retry: not retrying ambiguous disconnect for non-idempotent op (attempt %d)", attempt)
		return dispositionTerminal, 0
	}
	delay := r.strategy.Delay(attempt)
	if remaining := time.Until(deadline); remaining > 0 && delay > remaining {
		delay = remaining
	}
	return dispositionBackoff, delay
}

// kindForStatus maps a terminal protocol status to the public ErrorKind
// surfaced to the caller.
func kindForStatus(status memdStatus) ErrorKind {
	switch status {
	case statusKeyNotFound:
		return ErrDocumentNotFound
	case statusKeyExists:
		return ErrDocumentExists
	case statusTooBig:
		return ErrValueTooLarge
	case statusInvalidArgs:
		return ErrInvalidArgument
	case statusLocked:
		return ErrDocumentLocked
	case statusAuthError:
		return ErrAuthenticationFailure
	case statusDurabilityInvalidLevel, statusDurabilityImpossible:
		return ErrDurabilityImpossible
	case statusSyncWriteInProgress:
		return ErrSyncWriteInProgress
	case statusSyncWriteRecommitInProgress:
		return ErrSyncWriteRecommitInProgress
	case statusSyncWriteAmbiguous:
		return ErrDurabilityAmbiguous
	case statusUnknownCollection:
		return ErrCollectionNotFound
	case statusUnknownScope:
		return ErrScopeNotFound
	case statusRangeScanCancelled:
		return ErrDocumentNotFound
	default:
		return ErrInvalidArgument
	}
}
