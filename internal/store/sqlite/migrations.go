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

package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	bot_id TEXT NOT NULL,
	bot_version_id TEXT NOT NULL,
	plan_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL,
	trigger_type TEXT NOT NULL,
	triggered_by TEXT NOT NULL,
	parent_run_id TEXT,
	root_run_id TEXT NOT NULL,
	depth INTEGER NOT NULL DEFAULT 0,
	inputs TEXT,
	outputs TEXT,
	runner_id TEXT,
	timeout_seconds INTEGER NOT NULL,
	timeout_at TEXT NOT NULL,
	retry_policy TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	next_retry_at TEXT,
	retry_history TEXT,
	requires_approval INTEGER NOT NULL DEFAULT 0,
	hitl_config TEXT,
	hitl_state TEXT,
	selector TEXT,
	tags TEXT,
	labels TEXT,
	total_steps INTEGER NOT NULL DEFAULT 0,
	completed_steps INTEGER NOT NULL DEFAULT 0,
	failed_steps INTEGER NOT NULL DEFAULT 0,
	current_node_id TEXT,
	memory_peak_mb INTEGER NOT NULL DEFAULT 0,
	error_code TEXT,
	error_message TEXT,
	created_at TEXT NOT NULL,
	queued_at TEXT,
	leased_at TEXT,
	started_at TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_tenant_status ON runs(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_runs_tenant_created ON runs(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_tenant_bot ON runs(tenant_id, bot_id);
CREATE INDEX IF NOT EXISTS idx_runs_tenant_priority ON runs(tenant_id, priority, status, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id);
CREATE INDEX IF NOT EXISTS idx_runs_runner_status ON runs(runner_id, status);

CREATE TABLE IF NOT EXISTS run_events (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	step_id TEXT,
	node_id TEXT,
	payload TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run_created ON run_events(run_id, created_at);

CREATE TABLE IF NOT EXISTS run_logs (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	level TEXT NOT NULL,
	source TEXT,
	step_id TEXT,
	message TEXT NOT NULL,
	data TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_run_created ON run_logs(run_id, created_at);

CREATE TABLE IF NOT EXISTS hitl_requests (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	step_id TEXT,
	node_id TEXT,
	status TEXT NOT NULL,
	allowed_actions TEXT,
	data_modification_allowed INTEGER NOT NULL DEFAULT 0,
	assigned_to TEXT,
	approver_ids TEXT,
	deadline TEXT,
	action TEXT,
	resolved_by TEXT,
	resolved_at TEXT,
	modified_data TEXT,
	audit_trail TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hitl_run ON hitl_requests(run_id);
CREATE INDEX IF NOT EXISTS idx_hitl_pending_deadline ON hitl_requests(status, deadline);

CREATE TABLE IF NOT EXISTS runners (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	api_key_hash TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL,
	capabilities TEXT,
	labels TEXT,
	max_concurrent_jobs INTEGER NOT NULL DEFAULT 1,
	current_jobs TEXT,
	last_heartbeat_at TEXT,
	connected_at TEXT,
	vm_config TEXT
);
CREATE INDEX IF NOT EXISTS idx_runners_tenant_status ON runners(tenant_id, status);

CREATE TABLE IF NOT EXISTS queue_entries (
	run_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	priority INTEGER NOT NULL,
	enqueued_at TEXT NOT NULL,
	available_at TEXT NOT NULL,
	selector TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries(priority, available_at, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_queue_tenant ON queue_entries(tenant_id);
`

const pragmas = `
PRAGMA journal_mode = WAL;
PRAGMA foreign_keys = ON;
PRAGMA busy_timeout = 5000;
PRAGMA synchronous = NORMAL;
`
