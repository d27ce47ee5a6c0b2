// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package errors defines the tagged-variant error kinds surfaced by the
// orchestrator (spec.md §7) and the CLI exit helper that renders them.
package errors

import (
	"encoding/json"
	"fmt"
	"os"
)

// Kind tags a UserError with the error kind table from spec.md §7.
type Kind string

const (
	KindSpecInvalid Kind = "SpecInvalid"
	KindOffline     Kind = "OfflineViolation"
	KindLockTimeout Kind = "LockTimeout"
	KindProcessor   Kind = "ProcessorMissing"
	KindTransient   Kind = "TransientExecution"
	KindTerminal    Kind = "TerminalExecution"
	KindIOFault     Kind = "IOFault"
	KindInternal    Kind = "Internal"
)

// UserError is the single error type surfaced to the CLI boundary. It carries
// enough context for a human (Title/Detail/Hint) and for machine consumers
// (Kind), without the caller ever needing to touch a bare error string.
type UserError struct {
	Kind   Kind
	Title  string
	Detail string
	Hint   string
	Cause  error
}

func (e *UserError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Title, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Title, e.Detail)
}

func (e *UserError) Unwrap() error { return e.Cause }

func newErr(kind Kind, title, detail, hint string, cause error) *UserError {
	return &UserError{Kind: kind, Title: title, Detail: detail, Hint: hint, Cause: cause}
}

// NewSpecError reports a SpecInvalid failure from the Spec Loader & Validator.
func NewSpecError(title, detail, hint string, cause error) *UserError {
	return newErr(KindSpecInvalid, title, detail, hint, cause)
}

// NewOfflineError reports an OfflineViolation from the Offline Guard.
func NewOfflineError(title, detail, hint string, cause error) *UserError {
	return newErr(KindOffline, title, detail, hint, cause)
}

// NewLockError reports a LockTimeout from the Lock Manager.
func NewLockError(title, detail, hint string, cause error) *UserError {
	return newErr(KindLockTimeout, title, detail, hint, cause)
}

// NewProcessorError reports a ProcessorMissing failure from the Executor.
func NewProcessorError(title, detail, hint string, cause error) *UserError {
	return newErr(KindProcessor, title, detail, hint, cause)
}

// NewExecutionError reports a TerminalExecution failure from the Executor:
// a non-zero, non-retryable exit code.
func NewExecutionError(title, detail, hint string, cause error) *UserError {
	return newErr(KindTerminal, title, detail, hint, cause)
}

// NewTransientExhaustedError reports a TransientExecution failure: the Retry
// Controller exhausted its attempts on an exit-10/timeout outcome that was
// retryable on each individual attempt (spec.md §7).
func NewTransientExhaustedError(title, detail, hint string, cause error) *UserError {
	return newErr(KindTransient, title, detail, hint, cause)
}

// NewIOError reports an IOFault from the Persistence Layer.
func NewIOError(title, detail, hint string, cause error) *UserError {
	return newErr(KindIOFault, title, detail, hint, cause)
}

// NewInternalError reports an error with no dedicated kind — a bug or an
// unexpected environment condition rather than a modeled failure mode.
func NewInternalError(title, detail, hint string, cause error) *UserError {
	return newErr(KindInternal, title, detail, hint, cause)
}

// jsonError is the wire shape emitted by FatalError in --json mode.
type jsonError struct {
	Kind   Kind   `json:"kind"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Hint   string `json:"hint,omitempty"`
}

// FatalError prints err to stderr (as text or, in jsonMode, as a single JSON
// object) and exits the process with a non-zero status. Non-UserError causes
// are wrapped as internal errors so the exit path is uniform.
func FatalError(err error, jsonMode bool) {
	ue, ok := err.(*UserError)
	if !ok {
		ue = NewInternalError("Unexpected error", err.Error(), "", err)
	}

	if jsonMode {
		payload := jsonError{Kind: ue.Kind, Title: ue.Title, Detail: ue.Detail, Hint: ue.Hint}
		enc := json.NewEncoder(os.Stderr)
		_ = enc.Encode(payload)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", ue.Title)
		if ue.Detail != "" {
			fmt.Fprintf(os.Stderr, "  %s\n", ue.Detail)
		}
		if ue.Hint != "" {
			fmt.Fprintf(os.Stderr, "  Hint: %s\n", ue.Hint)
		}
		if ue.Cause != nil {
			fmt.Fprintf(os.Stderr, "  Cause: %v\n", ue.Cause)
		}
	}
	os.Exit(1)
}
