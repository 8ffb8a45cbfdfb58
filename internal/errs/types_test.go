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

package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/rundispatch/internal/errs"
)

func TestNewIllegalStateCarriesTheObservedStatus(t *testing.T) {
	err := errs.NewIllegalState("RUNNING", "run is not paused")

	assert.Equal(t, errs.CodeIllegalState, err.Code)
	assert.Equal(t, "RUNNING", err.Observed)
	assert.Contains(t, err.Error(), "observed=RUNNING")
}

func TestNotFoundFormatsTheResourceAndID(t *testing.T) {
	err := errs.NotFound("run", "run-123")

	assert.Equal(t, errs.CodeNotFound, err.Code)
	assert.Contains(t, err.Error(), `run "run-123" not found`)
}

func TestClientErrorOmitsObservedWhenEmpty(t *testing.T) {
	err := &errs.ClientError{Code: errs.CodeValidation, Message: "botId is required"}

	assert.Equal(t, "VALIDATION: botId is required", err.Error())
}

func TestProtocolErrorUnwrapsItsCause(t *testing.T) {
	cause := errors.New("bad json")
	err := &errs.ProtocolError{RunnerID: "runner-1", Message: "malformed frame", Cause: cause}

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "runner=runner-1")
}

func TestTransientInfraErrorUnwrapsItsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := &errs.TransientInfraError{Op: "ListDueForRetry", Cause: cause}

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ListDueForRetry")
}

func TestRunnerDisconnectedErrorNamesTheRunnerAndJob(t *testing.T) {
	err := &errs.RunnerDisconnectedError{RunnerID: "runner-1", JobID: "run-1"}

	assert.Contains(t, err.Error(), "runner-1")
	assert.Contains(t, err.Error(), "run-1")
}
