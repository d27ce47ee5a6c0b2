// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retry implements the Retry Controller (spec.md §4.7): bounded
// exponential backoff with multiplicative jitter, wrapping a single stage
// attempt. Only outcomes the Executor classifies as transient are retried;
// everything else — including exhausting MaxAttempts — is terminal.
package retry

import (
	"math/rand"
	"time"

	"github.com/kraklabs/pipeline-runner/pkg/pipeline/execproc"
)

// Policy mirrors the per-stage retry configuration spec.md §3 allows
// (maxAttempts, baseDelay, jitter), with the defaults from spec.md §4.7.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      float64 // multiplicative jitter factor, e.g. 0.1 = up to +10%
}

// DefaultPolicy returns the spec.md §4.7 defaults.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Jitter: 0.1}
}

// Attempt is a single stage execution attempt. attemptNumber is 1-based.
type Attempt func(attemptNumber int) execproc.Result

// Outcome is the final result of running a policy to completion.
type Outcome struct {
	Result   execproc.Result
	Attempts int
}

// sleeper is overridden in tests to avoid real time.Sleep delays.
type sleeper func(time.Duration)

// Run executes fn under policy, sleeping between transient-failure attempts
// per spec.md §4.7: for attempt n, the pre-attempt delay is
// baseDelay*2^(n-1) plus jitter drawn uniformly from
// [0, baseDelay*2^(n-1)*jitter]. Attempt 1 has zero delay. Run stops at the
// first Success or Terminal outcome, or after policy.MaxAttempts transient
// failures.
func Run(policy Policy, fn Attempt) Outcome {
	return run(policy, fn, time.Sleep)
}

func run(policy Policy, fn Attempt, sleep sleeper) Outcome {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy().BaseDelay
	}

	var last execproc.Result
	for n := 1; n <= policy.MaxAttempts; n++ {
		if n > 1 {
			sleep(delayForAttempt(policy, n))
		}

		last = fn(n)
		if last.Outcome != execproc.Transient {
			return Outcome{Result: last, Attempts: n}
		}
	}
	return Outcome{Result: last, Attempts: policy.MaxAttempts}
}

// delayForAttempt computes the pre-attempt delay for attempt n (n >= 2;
// attempt 1 always has zero delay per spec.md §4.7).
func delayForAttempt(policy Policy, n int) time.Duration {
	base := float64(policy.BaseDelay) * pow2(n-1)
	jitter := rand.Float64() * base * policy.Jitter //nolint:gosec // timing jitter, not security-sensitive
	return time.Duration(base + jitter)
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}
