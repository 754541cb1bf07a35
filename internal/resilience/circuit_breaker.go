package resilience

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// CircuitBreaker is an adaptive circuit breaker that opens based on failure rate over a rolling window
// and supports half-open probes. The bolt storage backend wraps its writes
// in one so a misbehaving disk doesn't get hammered with retries from every
// in-flight execution at once; the in-memory backend uses none.
//
// Tripping is driven by a caller-supplied classify function rather than raw
// err == nil, because not every error a storage op returns reflects the
// backend malfunctioning: storage.ErrNotFound on a status update, for
// instance, just means the task's row was already deleted by a concurrent
// terminal transition (or evicted after completion) — a normal race in this
// domain, not evidence the store itself is unhealthy. Counting it as a
// failure would trip the breaker under ordinary load and block writes for
// unrelated, perfectly healthy tasks.
type CircuitBreaker struct {
	mu sync.Mutex

	// config
	minSamples        int                // minimum requests before evaluating
	failureRateOpen   float64            // baseline failure rate threshold to open (0-1)
	halfOpenAfter     time.Duration      // cool-down period
	maxHalfOpenProbes int                // number of allowed test requests in half-open
	adaptive          bool               // enable adaptive thresholding based on recent error volatility
	minAdaptiveOpen   float64            // lower bound for adaptive threshold
	maxAdaptiveOpen   float64            // upper bound for adaptive threshold
	lastEval          time.Time          // last adaptive evaluation
	evalInterval      time.Duration      // how often to recompute adaptive threshold
	dynamicThreshold  float64            // current computed threshold
	classify          func(error) bool   // reports whether err should count as a backend failure

	// state
	openedAt       time.Time
	state          breakerState
	window         *slidingWindow
	halfOpenProbes int
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreakerAdaptive constructs a breaker using a rolling window of
// size with bucket resolution. classify reports whether a given op error
// should count toward the failure rate that trips the breaker; nil means
// every non-nil error counts (the teacher's original behavior).
func NewCircuitBreakerAdaptive(windowSize time.Duration, buckets int, minSamples int, failureRateOpen float64, halfOpenAfter time.Duration, maxHalfOpenProbes int, classify func(error) bool) *CircuitBreaker {
	if buckets <= 0 {
		buckets = 1
	}
	if classify == nil {
		classify = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		minSamples:        minSamples,
		failureRateOpen:   math.Min(math.Max(failureRateOpen, 0), 1),
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
		window:            newSlidingWindow(windowSize, buckets),
		adaptive:          true,
		minAdaptiveOpen:   math.Min(math.Max(failureRateOpen*0.5, 0.05), failureRateOpen),
		maxAdaptiveOpen:   math.Min(0.95, math.Max(failureRateOpen*1.5, failureRateOpen)),
		evalInterval:      5 * time.Second,
		dynamicThreshold:  failureRateOpen,
		classify:          classify,
	}
}

// Allow returns whether a request is permitted.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 0
		} else {
			return false
		}
	case stateHalfOpen:
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordError records the outcome of one guarded operation. A nil err counts
// as a success and an err that classify reports as a failure counts as a
// failure; a non-nil err that classify exempts is not recorded at all, so it
// neither trips the breaker nor dilutes the failure rate — see the
// CircuitBreaker doc comment.
func (c *CircuitBreaker) RecordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil && !c.classify(err) {
		return
	}
	success := err == nil
	c.window.add(success)

	// Recompute adaptive threshold periodically if enabled
	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		total, failures := c.window.stats()
		if total > 0 {
			fr := float64(failures) / float64(total)
			// Adjust threshold leaning away from transient spikes: EMA-like smoothing
			// If current failure rate high, threshold clamps to minAdaptiveOpen to trip faster.
			// If low failure rate sustained, gradually raise threshold (up to maxAdaptiveOpen) to avoid flapping.
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if float64(failures)/float64(total) >= threshold {
				c.transitionToOpen()
			}
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			// all probes succeeded
			c.reset()
		}
	case stateOpen:
		// nothing, Allow handles timing
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	meter := otel.GetMeterProvider().Meter("evertask")
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := meter.Int64Counter("evertask_storage_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	meter := otel.GetMeterProvider().Meter("evertask")
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	counter, _ := meter.Int64Counter("evertask_storage_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

// slidingWindow implements fixed-size time buckets storing success/failure counts.
type slidingWindow struct {
	size     time.Duration
	buckets  int
	interval time.Duration
	data     []bucket
	nowFn    func() time.Time
}

type bucket struct {
	slot          int64 // interval number this bucket's counts belong to
	success, fail int
}

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		size:     size,
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		nowFn:    time.Now,
	}
}

func (w *slidingWindow) currentIndex(now time.Time) int {
	return int(now.UnixNano()/w.interval.Nanoseconds()) % w.buckets
}

func (w *slidingWindow) add(success bool) {
	now := w.nowFn()
	idx := w.currentIndex(now)
	slot := now.UnixNano() / w.interval.Nanoseconds()
	// reset bucket when interval changed
	if w.data[idx].slot != slot {
		w.data[idx] = bucket{slot: slot}
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	oldest := w.nowFn().UnixNano()/w.interval.Nanoseconds() - int64(w.buckets) + 1
	for _, b := range w.data {
		if b.slot < oldest {
			continue // left over from an interval outside the window
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
