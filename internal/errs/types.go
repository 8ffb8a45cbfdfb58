// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errs

import "fmt"

// ClientCode enumerates the client-facing error codes the core surfaces.
type ClientCode string

const (
	CodeQuotaExceeded    ClientCode = "QUOTA_EXCEEDED"
	CodeBotNotCompiled   ClientCode = "BOT_NOT_COMPILED"
	CodeDepthExceeded    ClientCode = "DEPTH_EXCEEDED"
	CodeNotFound         ClientCode = "NOT_FOUND"
	CodeIllegalState     ClientCode = "ILLEGAL_STATE"
	CodeNotRetriable     ClientCode = "NOT_RETRIABLE"
	CodeAlreadyResolved  ClientCode = "ALREADY_RESOLVED"
	CodeActionNotAllowed ClientCode = "ACTION_NOT_ALLOWED"
	CodeForbidden        ClientCode = "FORBIDDEN"
	CodeValidation       ClientCode = "VALIDATION"
)

// ClientError is returned for caller mistakes: quota, validation, illegal
// state transitions, not-found. Surfaced verbatim to API callers, never
// logged as an incident.
type ClientError struct {
	Code    ClientCode
	Message string
	// Observed is the current state at the time of an illegal-transition
	// rejection, when applicable.
	Observed string
}

func (e *ClientError) Error() string {
	if e.Observed != "" {
		return fmt.Sprintf("%s: %s (observed=%s)", e.Code, e.Message, e.Observed)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewIllegalState builds a ClientError for a rejected transition, carrying
// the run's actually-observed status per the engine's propagation rule.
func NewIllegalState(observed, message string) *ClientError {
	return &ClientError{Code: CodeIllegalState, Message: message, Observed: observed}
}

// NotFound builds a CodeNotFound ClientError for the named resource.
func NotFound(resource, id string) *ClientError {
	return &ClientError{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// ProtocolError represents a malformed runner message, auth failure, or a
// progress/result for a job the session does not own. The session is closed
// after this is raised.
type ProtocolError struct {
	RunnerID string
	Message  string
	Cause    error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error (runner=%s): %s: %v", e.RunnerID, e.Message, e.Cause)
	}
	return fmt.Sprintf("protocol error (runner=%s): %s", e.RunnerID, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// TransientInfraError wraps a store/broker failure that the call site
// should retry with bounded backoff before surfacing TRANSIENT to its own
// caller.
type TransientInfraError struct {
	Op    string
	Cause error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("transient infra error during %s: %v", e.Op, e.Cause)
}

func (e *TransientInfraError) Unwrap() error { return e.Cause }

// RunnerDisconnectedError marks a session drop with in-flight jobs; the
// engine translates it into a failed-retriable completion for each job the
// runner held.
type RunnerDisconnectedError struct {
	RunnerID string
	JobID    string
}

func (e *RunnerDisconnectedError) Error() string {
	return fmt.Sprintf("runner %s disconnected with job %s in flight", e.RunnerID, e.JobID)
}
