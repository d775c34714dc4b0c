/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/friendsincode/munin_collect/internal/retry"
)

// classifiedError carries the retry classification across the collaborator
// boundary. Collector and aggregator implementations wrap their failures with
// Transient or Fatal; anything unwrapped is treated as transient.
type classifiedError struct {
	kind retry.Kind
	err  error
}

func (e *classifiedError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks err as retryable (timeouts, unreachable upstream).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: retry.Transient, err: err}
}

// Fatal marks err as not retryable (bad credentials, malformed config).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: retry.Fatal, err: err}
}

// Classify returns the retry kind for a collaborator failure. Deadline and
// cancellation errors are transient; unclassified errors default to transient
// so an unknown upstream hiccup still gets its retry budget.
func Classify(err error) retry.Kind {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return retry.Transient
	}
	return retry.Transient
}
