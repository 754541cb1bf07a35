// Package retry implements EverTask's per-task retry contract: a delay
// plan plus exception filtering, invoked by the executor around a
// handler's Handle call. It is independent of internal/resilience, which
// covers infrastructure-level retry around the storage adapter instead.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/hashicorp/go-multierror"
)

// FilterMode selects how Policy decides whether an error is retryable.
type FilterMode int

const (
	// FilterDefault retries everything except context.Canceled and
	// context.DeadlineExceeded.
	FilterDefault FilterMode = iota
	// FilterWhitelist retries only errors matching one of Policy.Types.
	FilterWhitelist
	// FilterBlacklist retries everything except errors matching one of
	// Policy.Types.
	FilterBlacklist
	// FilterPredicate defers entirely to Policy.Predicate, overriding Types.
	FilterPredicate
)

// DelayStep is one entry in an explicit delay sequence.
type DelayStep struct {
	Delay time.Duration
}

// Policy is EverTask's retry contract: a delay plan (fixed repeat count or
// explicit sequence) combined with one exception-filtering mode.
type Policy struct {
	// RepeatCount and RepeatDelay describe a fixed delay plan: RepeatCount
	// attempts after the first, each separated by RepeatDelay. Ignored if
	// Sequence is non-empty.
	RepeatCount int
	RepeatDelay time.Duration

	// Sequence, if non-empty, is an explicit list of delays applied in
	// order; its length is the number of retry attempts.
	Sequence []DelayStep

	Mode      FilterMode
	Types     []error // sentinel/target errors matched via errors.As/errors.Is
	Predicate func(error) bool
}

// Linear constructs a Policy with a fixed repeat delay plan and the
// default filter (retry everything but cancellation and deadline errors).
func Linear(count int, delay time.Duration) *Policy {
	return &Policy{RepeatCount: count, RepeatDelay: delay, Mode: FilterDefault}
}

func (p *Policy) delays() []time.Duration {
	if len(p.Sequence) > 0 {
		out := make([]time.Duration, len(p.Sequence))
		for i, s := range p.Sequence {
			out[i] = s.Delay
		}
		return out
	}
	out := make([]time.Duration, p.RepeatCount)
	for i := range out {
		out[i] = p.RepeatDelay
	}
	return out
}

// retryable applies the configured filter mode. Cancellation and deadline
// errors are always fail-fast regardless of mode.
func (p *Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch p.Mode {
	case FilterPredicate:
		if p.Predicate == nil {
			return false
		}
		return p.Predicate(err)
	case FilterWhitelist:
		return matchesAny(err, p.Types)
	case FilterBlacklist:
		return !matchesAny(err, p.Types)
	default:
		return true
	}
}

func matchesAny(err error, targets []error) bool {
	for _, t := range targets {
		if t == nil {
			continue
		}
		if errors.Is(err, t) {
			return true
		}
		// errors.As needs a pointer to a variable of the target's dynamic
		// type; sentinel-style targets are handled by errors.Is above, so
		// this handles type-based matching for typed error values.
		target := reflect.New(reflect.TypeOf(t))
		if errors.As(err, target.Interface()) {
			return true
		}
	}
	return false
}

// OnRetryFunc is invoked after a retryable failure and before sleeping.
// attempt is 1-based. An error returned from it is logged and swallowed.
type OnRetryFunc func(ctx context.Context, attempt int, cause error, delay time.Duration) error

// Execute runs fn, retrying on retryable errors per the configured delay
// plan. It fails fast on cancellation/timeout, invokes onRetry between
// attempts, and returns an aggregate error wrapping every failure once the
// plan is exhausted.
func (p *Policy) Execute(ctx context.Context, logger *slog.Logger, fn func(ctx context.Context) error, onRetry OnRetryFunc) error {
	if logger == nil {
		logger = slog.Default()
	}
	delays := p.delays()

	var errs *multierror.Error
	attempt := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		errs = multierror.Append(errs, err)

		if !p.retryable(err) {
			return err
		}
		if attempt >= len(delays) {
			return fmt.Errorf("retry policy exhausted after %d attempt(s): %w", attempt+1, errs)
		}

		delay := delays[attempt]
		attempt++

		if onRetry != nil {
			if cbErr := onRetry(ctx, attempt, err, delay); cbErr != nil {
				logger.Error("retry callback failed", "error", cbErr, "attempt", attempt)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
