/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package retry decides what happens after a failed execution attempt.
package retry

import "time"

// Kind classifies a failure for retry purposes.
type Kind string

const (
	// Transient covers timeouts and unreachable-upstream conditions worth retrying.
	Transient Kind = "transient"
	// Fatal covers configuration and authentication failures where retrying
	// would only burn the time budget before the next scheduled slot.
	Fatal Kind = "fatal"
)

// Decision enumerates policy outcomes.
type Decision string

const (
	DecisionRetryAfter Decision = "retry_after"
	DecisionGiveUp     Decision = "give_up"
	DecisionEscalate   Decision = "escalate"
)

// Action is the policy's verdict for one failed attempt.
type Action struct {
	Decision Decision
	Delay    time.Duration // set only for DecisionRetryAfter
}

// Policy is a pure attempt→action mapping. Safe for concurrent use.
type Policy struct {
	Ceiling     int           // max attempts for transient failures
	BackoffBase time.Duration // delay doubles per attempt from this base
}

// NewPolicy builds a policy, applying defaults for non-positive inputs.
func NewPolicy(ceiling int, backoffBase time.Duration) Policy {
	if ceiling < 1 {
		ceiling = 3
	}
	if backoffBase <= 0 {
		backoffBase = 30 * time.Second
	}
	return Policy{Ceiling: ceiling, BackoffBase: backoffBase}
}

// Decide maps (attempt, failure kind) to the next action. Attempt is the
// 1-based attempt that just failed. Fatal failures escalate immediately;
// transient failures back off exponentially until the ceiling, then escalate.
func (p Policy) Decide(attempt int, kind Kind) Action {
	if kind == Fatal {
		return Action{Decision: DecisionEscalate}
	}
	if attempt >= p.Ceiling {
		return Action{Decision: DecisionEscalate}
	}
	return Action{
		Decision: DecisionRetryAfter,
		Delay:    p.BackoffBase << (attempt - 1),
	}
}
