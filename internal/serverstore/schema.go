package serverstore

// schema creates the authoritative, multi-tenant tables: tasks, comments,
// tombstones plus the server-only bookkeeping tables (devices, conflicts,
// sync_log). Column choices mirror internal/store/schema.go where the
// shape is shared; vector clocks and custom fields stay JSON
// text, matching the wire format, so no per-field migration is needed when
// a new device key appears.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id VARCHAR(64) PRIMARY KEY,
	organization_id VARCHAR(64) NOT NULL,
	project_id VARCHAR(64),
	title VARCHAR(500) NOT NULL,
	description TEXT,
	status VARCHAR(32) NOT NULL,
	priority VARCHAR(32) NOT NULL,
	due_date DATETIME(6),
	completed_at DATETIME(6),
	position VARCHAR(64),
	assigned_to VARCHAR(64),
	tags JSON NOT NULL,
	custom_fields JSON,
	version BIGINT NOT NULL DEFAULT 0,
	vector_clock JSON NOT NULL,
	checksum VARCHAR(64),
	last_modified_by VARCHAR(64),
	last_modified_device VARCHAR(64) NOT NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	deleted_at DATETIME(6),
	INDEX idx_tasks_org_status (organization_id, status),
	INDEX idx_tasks_org_assignee (organization_id, assigned_to),
	INDEX idx_tasks_updated_at (updated_at)
);

CREATE TABLE IF NOT EXISTS comments (
	id VARCHAR(64) PRIMARY KEY,
	task_id VARCHAR(64) NOT NULL,
	organization_id VARCHAR(64) NOT NULL,
	author_id VARCHAR(64),
	content TEXT NOT NULL,
	parent_comment_id VARCHAR(64),
	is_edited BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL DEFAULT 0,
	vector_clock JSON NOT NULL,
	checksum VARCHAR(64),
	last_modified_by VARCHAR(64),
	last_modified_device VARCHAR(64) NOT NULL,
	created_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL,
	deleted_at DATETIME(6),
	INDEX idx_comments_task (task_id),
	INDEX idx_comments_updated_at (updated_at)
);

CREATE TABLE IF NOT EXISTS tombstones (
	id VARCHAR(64) PRIMARY KEY,
	entity_type VARCHAR(16) NOT NULL,
	entity_id VARCHAR(64) NOT NULL,
	organization_id VARCHAR(64) NOT NULL,
	deleted_by VARCHAR(64),
	deleted_from_device VARCHAR(64) NOT NULL,
	vector_clock JSON NOT NULL,
	created_at DATETIME(6) NOT NULL,
	expires_at DATETIME(6) NOT NULL,
	INDEX idx_tombstones_entity (entity_type, entity_id),
	INDEX idx_tombstones_created_at (created_at)
);

CREATE TABLE IF NOT EXISTS devices (
	id VARCHAR(64) PRIMARY KEY,
	owning_user_id VARCHAR(64) NOT NULL,
	fingerprint VARCHAR(128) NOT NULL,
	friendly_name VARCHAR(128),
	last_seen_clock JSON NOT NULL,
	last_sync_at DATETIME(6),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE KEY uq_devices_user_fingerprint (owning_user_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS conflicts (
	id VARCHAR(64) PRIMARY KEY,
	entity_type VARCHAR(16) NOT NULL,
	entity_id VARCHAR(64) NOT NULL,
	local_version JSON NOT NULL,
	server_version JSON NOT NULL,
	local_clock JSON NOT NULL,
	server_clock JSON NOT NULL,
	conflict_reason TEXT,
	resolution_strategy VARCHAR(32),
	resolved_version JSON,
	resolved_by VARCHAR(64),
	resolved_at DATETIME(6),
	created_at DATETIME(6) NOT NULL,
	INDEX idx_conflicts_entity (entity_type, entity_id),
	INDEX idx_conflicts_unresolved (resolution_strategy, created_at)
);

CREATE TABLE IF NOT EXISTS sync_log (
	id VARCHAR(64) PRIMARY KEY,
	device_id VARCHAR(64) NOT NULL,
	user_id VARCHAR(64) NOT NULL,
	type VARCHAR(8) NOT NULL,
	count_pushed INT NOT NULL DEFAULT 0,
	count_pulled INT NOT NULL DEFAULT 0,
	conflicts_detected INT NOT NULL DEFAULT 0,
	conflicts_resolved INT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	status VARCHAR(16) NOT NULL,
	error TEXT,
	created_at DATETIME(6) NOT NULL,
	INDEX idx_sync_log_device (device_id, created_at)
);
`
