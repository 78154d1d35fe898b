// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a rejected scoring command.
type ErrorKind string

const (
	// KindInvalidState means the command arrived in the wrong
	// match/innings lifecycle phase. Structural: resubmitting the same
	// command will not help.
	KindInvalidState ErrorKind = "INVALID_STATE"

	// KindRuleViolation means the command breaks a cricket sequencing
	// rule (consecutive-over bowler, dismissed player selected, over
	// budget exceeded, ...). The scorer can fix the input and resubmit.
	KindRuleViolation ErrorKind = "RULE_VIOLATION"

	// KindNotFound means an unknown match, innings or player reference.
	KindNotFound ErrorKind = "NOT_FOUND"

	// KindEmptyLedger means undo was requested with nothing to undo.
	KindEmptyLedger ErrorKind = "EMPTY_LEDGER"

	// KindConcurrentModification means the match's command queue was
	// unavailable. Commands normally queue rather than fail.
	KindConcurrentModification ErrorKind = "CONCURRENT_MODIFICATION"
)

// ScoreError is the rejection returned for an illegal scoring command.
// The command was rejected before any mutation: the ledger and all
// aggregates are untouched.
type ScoreError struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason"`
}

func (e *ScoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Retryable reports whether the scorer can fix the input and resubmit,
// as opposed to a structural rejection (wrong lifecycle phase, unknown
// resource).
func (e *ScoreError) Retryable() bool {
	switch e.Kind {
	case KindRuleViolation, KindEmptyLedger, KindConcurrentModification:
		return true
	}
	return false
}

func invalidState(format string, args ...any) *ScoreError {
	return &ScoreError{Kind: KindInvalidState, Reason: fmt.Sprintf(format, args...)}
}

func ruleViolation(format string, args ...any) *ScoreError {
	return &ScoreError{Kind: KindRuleViolation, Reason: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *ScoreError {
	return &ScoreError{Kind: KindNotFound, Reason: fmt.Sprintf(format, args...)}
}

func emptyLedger(format string, args ...any) *ScoreError {
	return &ScoreError{Kind: KindEmptyLedger, Reason: fmt.Sprintf(format, args...)}
}

// AsScoreError extracts a *ScoreError from err, if present.
func AsScoreError(err error) (*ScoreError, bool) {
	var se *ScoreError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
