package store

// schema creates the device-local namespaces: one table per entity type
// (tasks, comments, tombstones), one outbox table, and a single-row
// device_state singleton.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	project_id TEXT,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL,
	priority TEXT NOT NULL,
	due_date TEXT,
	completed_at TEXT,
	position TEXT,
	assigned_to TEXT,
	tags TEXT NOT NULL DEFAULT '[]',
	custom_fields TEXT,
	version INTEGER NOT NULL DEFAULT 0,
	vector_clock TEXT NOT NULL DEFAULT '{}',
	checksum TEXT,
	last_modified_by TEXT,
	last_modified_device TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT,
	sync_status TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_tasks_org_status ON tasks(organization_id, status);
CREATE INDEX IF NOT EXISTS idx_tasks_org_assignee ON tasks(organization_id, assigned_to);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
CREATE INDEX IF NOT EXISTS idx_tasks_sync_status ON tasks(sync_status);

CREATE TABLE IF NOT EXISTS comments (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	author_id TEXT,
	content TEXT NOT NULL,
	parent_comment_id TEXT,
	is_edited INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0,
	vector_clock TEXT NOT NULL DEFAULT '{}',
	checksum TEXT,
	last_modified_by TEXT,
	last_modified_device TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT,
	sync_status TEXT NOT NULL DEFAULT 'pending'
);

CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id);
CREATE INDEX IF NOT EXISTS idx_comments_updated_at ON comments(updated_at);
CREATE INDEX IF NOT EXISTS idx_comments_sync_status ON comments(sync_status);

CREATE TABLE IF NOT EXISTS tombstones (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	deleted_by TEXT,
	deleted_from_device TEXT NOT NULL,
	vector_clock TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tombstones_entity ON tombstones(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_tombstones_created_at ON tombstones(created_at);

CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	payload BLOB NOT NULL,
	priority INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT,
	last_error TEXT,
	permission_denied INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_outbox_priority_created ON outbox(priority, created_at);
CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS device_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	device_id TEXT NOT NULL,
	local_clock TEXT NOT NULL DEFAULT '{}',
	server_clock TEXT NOT NULL DEFAULT '{}',
	last_sync_at TEXT
);
`
