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

// Package gateway is the Runner Gateway: the WebSocket session manager
// external runner agents connect to. It owns the handshake, the
// heartbeat/liveness check, and translating wire frames into
// internal/engine calls.
package gateway

import (
	"encoding/json"
)

// FrameType identifies a Runner Protocol message.
type FrameType string

const (
	FrameAuth          FrameType = "runner:auth"
	FrameAuthAck       FrameType = "runner:auth_ack"
	FrameHeartbeat     FrameType = "runner:heartbeat"
	FrameJobAssign     FrameType = "job:assign"
	FrameJobProgress   FrameType = "job:progress"
	FrameJobResult     FrameType = "job:result"
	FrameJobCancel     FrameType = "job:cancel"
	FrameJobPause      FrameType = "job:pause"
	FrameJobResume     FrameType = "job:resume"
	FrameHitlRequested FrameType = "hitl:requested"
	FrameError         FrameType = "error"
)

// Frame is the envelope for every Runner Protocol message, mirroring the
// wire shape of a typed JSON-RPC notification: a type tag plus an opaque
// payload the handler unmarshals according to Type.
type Frame struct {
	Type    FrameType       `json:"type"`
	JobID   string          `json:"jobId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is the body of a runner:auth frame.
type AuthPayload struct {
	RunnerID      string            `json:"runnerId"`
	APIKey        string            `json:"apiKey"`
	Labels        map[string]string `json:"labels,omitempty"`
	Capabilities  []string          `json:"capabilities,omitempty"`
	MaxConcurrent int               `json:"maxConcurrentJobs,omitempty"`
}

// AuthAckPayload is the body of the server's runner:auth_ack reply.
type AuthAckPayload struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Session string `json:"sessionId,omitempty"`
}

// JobAssignPayload is the body of a job:assign frame (server to runner).
type JobAssignPayload struct {
	RunID    string         `json:"runId"`
	BotID    string         `json:"botId"`
	PlanHash string         `json:"planHash"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Attempt  int            `json:"attempt"`
}

// JobProgressPayload is the body of a job:progress frame (runner to server).
type JobProgressPayload struct {
	StepID         string `json:"stepId,omitempty"`
	NodeID         string `json:"nodeId,omitempty"`
	CompletedSteps int    `json:"completedSteps"`
	FailedSteps    int    `json:"failedSteps"`
	TotalSteps     int    `json:"totalSteps"`
	MemoryPeakMB   int    `json:"memoryPeakMb"`
}

// JobResultPayload is the body of a job:result frame (runner to server).
type JobResultPayload struct {
	Success      bool           `json:"success"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Retriable    bool           `json:"retriable,omitempty"`
}

// JobCancelPayload is the body of a job:cancel frame (server to runner).
type JobCancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

// HitlRequestedPayload is the body of a hitl:requested frame (runner to
// server).
type HitlRequestedPayload struct {
	StepID string `json:"stepId,omitempty"`
	NodeID string `json:"nodeId,omitempty"`
}

// Marshal encodes f as JSON.
func (f *Frame) Marshal() ([]byte, error) { return json.Marshal(f) }

// ParseFrame decodes a raw Runner Protocol message.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func newFrame(t FrameType, jobID string, payload any) (*Frame, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Frame{Type: t, JobID: jobID, Payload: raw}, nil
}
