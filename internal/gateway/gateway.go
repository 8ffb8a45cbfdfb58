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

package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tombee/rundispatch/internal/engine"
	internallog "github.com/tombee/rundispatch/internal/log"
	"github.com/tombee/rundispatch/internal/queue"
	"github.com/tombee/rundispatch/internal/registry"
	"github.com/tombee/rundispatch/internal/store"
)

// HeartbeatInterval is how often the server expects a runner:heartbeat.
const HeartbeatInterval = 30 * time.Second

// LivenessCutoff is how long a runner can go silent before the stale-runner
// sweep considers it disconnected.
const LivenessCutoff = 90 * time.Second

// Config configures a Gateway.
type Config struct {
	Backend  store.Backend
	Registry *registry.Registry
	Queue    *queue.Queue
	Engine   *engine.Engine
	Logger   *slog.Logger
}

// Gateway upgrades inbound connections to WebSocket sessions, authenticates
// runners, and runs the assignment loop that matches queued runs to
// connected runners.
type Gateway struct {
	backend  store.Backend
	registry *registry.Registry
	queue    *queue.Queue
	engine   *engine.Engine
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn // runnerID -> live connection

	authMu      sync.Mutex
	authLimiter map[string]*rate.Limiter // remote IP -> runner:auth attempt limiter

	closeCh   chan struct{}
	closeOnce sync.Once
}

// authRateLimit and authBurst bound runner:auth attempts per remote IP,
// guarding the handshake against credential-stuffing.
const (
	authRateLimit = 1 // attempts per second, sustained
	authBurst     = 5
)

func (g *Gateway) limiterFor(ip string) *rate.Limiter {
	g.authMu.Lock()
	defer g.authMu.Unlock()
	l, ok := g.authLimiter[ip]
	if !ok {
		l = rate.NewLimiter(rate.Limit(authRateLimit), authBurst)
		g.authLimiter[ip] = l
	}
	return l
}

// New constructs a Gateway.
func New(cfg Config) *Gateway {
	return &Gateway{
		backend:  cfg.Backend,
		registry: cfg.Registry,
		queue:    cfg.Queue,
		engine:   cfg.Engine,
		log:      cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:       make(map[string]*conn),
		authLimiter: make(map[string]*rate.Limiter),
		closeCh:     make(chan struct{}),
	}
}

// conn wraps one runner's live WebSocket. writeMu serializes writes, since
// gorilla/websocket forbids concurrent writers on the same connection.
type conn struct {
	runnerID string
	ws       *websocket.Conn
	writeMu  sync.Mutex
	closed   chan struct{}
}

func (c *conn) send(f *Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ServeHTTP upgrades the connection, performs the runner:auth handshake,
// and runs the session's read loop until it disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.limiterFor(remoteIP(r)).Allow() {
		http.Error(w, "too many runner:auth attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", internallog.Error(err))
		return
	}

	c := &conn{ws: ws, closed: make(chan struct{})}
	session, ok := g.handshake(r.Context(), c)
	if !ok {
		ws.Close()
		return
	}
	c.runnerID = session.RunnerID

	g.mu.Lock()
	if old, exists := g.conns[session.RunnerID]; exists {
		old.ws.Close() // kick the previous session for this runner id
	}
	g.conns[session.RunnerID] = c
	g.mu.Unlock()
	g.registry.Register(session)

	g.readLoop(r.Context(), c)

	g.mu.Lock()
	current := g.conns[session.RunnerID] == c
	if current {
		delete(g.conns, session.RunnerID)
	}
	g.mu.Unlock()
	if current {
		g.registry.Unregister(session.RunnerID)
	}
	close(c.closed)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gateway) handshake(ctx context.Context, c *conn) (*registry.Session, bool) {
	c.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		g.log.Warn("handshake read failed", internallog.Error(err))
		return nil, false
	}
	c.ws.SetReadDeadline(time.Time{})

	frame, err := ParseFrame(data)
	if err != nil || frame.Type != FrameAuth {
		g.log.Warn("handshake expected runner:auth frame")
		return nil, false
	}

	var auth AuthPayload
	if err := json.Unmarshal(frame.Payload, &auth); err != nil {
		return nil, false
	}

	sum := sha256.Sum256([]byte(auth.APIKey))
	hash := hex.EncodeToString(sum[:])
	runner, err := g.backend.GetRunnerByAPIKeyHash(ctx, hash)
	if err != nil || runner.ID != auth.RunnerID {
		ack, _ := newFrame(FrameAuthAck, "", AuthAckPayload{OK: false, Reason: "authentication failed"})
		c.send(ack)
		return nil, false
	}

	now := time.Now()
	runner.Status = store.RunnerOnline
	runner.Labels = auth.Labels
	runner.Capabilities = auth.Capabilities
	if auth.MaxConcurrent > 0 {
		runner.MaxConcurrentJobs = auth.MaxConcurrent
	}
	runner.LastHeartbeatAt = now
	runner.ConnectedAt = &now
	if err := g.backend.UpsertRunner(ctx, runner); err != nil {
		g.log.Warn("failed to persist runner connection", internallog.Error(err))
	}

	ack, _ := newFrame(FrameAuthAck, "", AuthAckPayload{OK: true, Session: runner.ID})
	if err := c.send(ack); err != nil {
		return nil, false
	}

	return &registry.Session{
		RunnerID:      runner.ID,
		TenantID:      runner.TenantID,
		Labels:        auth.Labels,
		Capabilities:  auth.Capabilities,
		MaxConcurrent: runner.MaxConcurrentJobs,
		ConnectedAt:   now,
		LastSeen:      now,
	}, true
}

func (g *Gateway) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.log.Debug("runner connection closed", internallog.Error(err), slog.String(internallog.RunnerIDKey, c.runnerID))
			}
			g.onDisconnect(ctx, c.runnerID)
			return
		}
		frame, err := ParseFrame(data)
		if err != nil {
			g.log.Warn("dropping malformed frame", internallog.Error(err), slog.String(internallog.RunnerIDKey, c.runnerID))
			continue
		}
		g.registry.Touch(c.runnerID, time.Now())
		g.handleFrame(ctx, c, frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, c *conn, frame *Frame) {
	session := g.registry.Get(c.runnerID)
	if session == nil {
		return
	}

	switch frame.Type {
	case FrameHeartbeat:
		g.backend.UpdateRunnerStatus(ctx, session.TenantID, session.RunnerID, store.RunnerOnline, time.Now())

	case FrameJobProgress:
		var p JobProgressPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		g.engine.MarkStarted(ctx, session.TenantID, frame.JobID)
		g.engine.UpdateProgress(ctx, session.TenantID, frame.JobID, engine.ProgressDelta{
			StepID: p.StepID, NodeID: p.NodeID,
			CompletedSteps: p.CompletedSteps, FailedSteps: p.FailedSteps,
			TotalSteps: p.TotalSteps, MemoryPeakMB: p.MemoryPeakMB,
		})

	case FrameJobResult:
		var p JobResultPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		g.registry.RemoveJob(session.RunnerID, frame.JobID)
		g.engine.Complete(ctx, session.TenantID, frame.JobID, engine.JobResult{
			Success: p.Success, Outputs: p.Outputs,
			ErrorCode: p.ErrorCode, ErrorMessage: p.ErrorMessage, Retriable: p.Retriable,
		})

	case FrameHitlRequested:
		var p HitlRequestedPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		g.engine.RequestHitl(ctx, session.TenantID, frame.JobID, engine.HitlRequestSpec{StepID: p.StepID, NodeID: p.NodeID})

	default:
		g.log.Debug("ignoring unexpected frame type", slog.String("type", string(frame.Type)))
	}
}

// onDisconnect translates a dropped session into failed-retriable
// completions for every job it held in flight, per the Runner Disconnect
// policy: the run is not left LEASED/RUNNING forever.
func (g *Gateway) onDisconnect(ctx context.Context, runnerID string) {
	session := g.registry.Get(runnerID)
	if session == nil {
		return
	}
	for runID := range session.Jobs {
		g.engine.Complete(ctx, session.TenantID, runID, engine.JobResult{
			Success: false, ErrorCode: "RUNNER_DISCONNECTED", ErrorMessage: "runner disconnected with job in flight", Retriable: true,
		})
	}
}

// Cancel implements engine.CancelSink: it best-effort delivers a job:cancel
// frame to runnerID's live connection, if any.
func (g *Gateway) Cancel(ctx context.Context, runnerID, runID string) {
	g.mu.Lock()
	c, ok := g.conns[runnerID]
	g.mu.Unlock()
	if !ok {
		return
	}
	frame, err := newFrame(FrameJobCancel, runID, JobCancelPayload{Reason: "cancelled"})
	if err != nil {
		return
	}
	if err := c.send(frame); err != nil {
		g.log.Debug("failed to deliver cancel frame", internallog.Error(err), slog.String(internallog.RunnerIDKey, runnerID))
	}
}

// Pause implements engine.CancelSink: it best-effort delivers a job:pause
// frame to runnerID's live connection, if any.
func (g *Gateway) Pause(ctx context.Context, runnerID, runID string) {
	g.mu.Lock()
	c, ok := g.conns[runnerID]
	g.mu.Unlock()
	if !ok {
		return
	}
	frame, err := newFrame(FrameJobPause, runID, nil)
	if err != nil {
		return
	}
	if err := c.send(frame); err != nil {
		g.log.Debug("failed to deliver pause frame", internallog.Error(err), slog.String(internallog.RunnerIDKey, runnerID))
	}
}

// Resume implements engine.CancelSink: it best-effort delivers a
// job:resume frame to runnerID's live connection, if any.
func (g *Gateway) Resume(ctx context.Context, runnerID, runID string) {
	g.mu.Lock()
	c, ok := g.conns[runnerID]
	g.mu.Unlock()
	if !ok {
		return
	}
	frame, err := newFrame(FrameJobResume, runID, nil)
	if err != nil {
		return
	}
	if err := c.send(frame); err != nil {
		g.log.Debug("failed to deliver resume frame", internallog.Error(err), slog.String(internallog.RunnerIDKey, runnerID))
	}
}

// Assign delivers a job:assign frame to runnerID for run, updating the
// registry's job bookkeeping on success.
func (g *Gateway) Assign(ctx context.Context, runnerID string, run *store.Run) error {
	g.mu.Lock()
	c, ok := g.conns[runnerID]
	g.mu.Unlock()
	if !ok {
		return errors.New("gateway: runner not connected")
	}
	frame, err := newFrame(FrameJobAssign, run.ID, JobAssignPayload{
		RunID: run.ID, BotID: run.BotID, PlanHash: run.PlanHash, Inputs: run.Inputs, Attempt: run.RetryCount,
	})
	if err != nil {
		return err
	}
	if err := c.send(frame); err != nil {
		return err
	}
	g.registry.AddJob(runnerID, run.ID)
	return nil
}

// Shutdown closes every live connection.
func (g *Gateway) Shutdown() {
	g.closeOnce.Do(func() {
		close(g.closeCh)
		g.mu.Lock()
		defer g.mu.Unlock()
		for _, c := range g.conns {
			c.ws.Close()
		}
	})
}
