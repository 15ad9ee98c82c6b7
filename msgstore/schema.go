package msgstore

// DeadLetterDestination is the synthetic destination recorded for messages
// that could not be routed or delivered and were parked for operator review.
const DeadLetterDestination = "__dlq__"

// Schema for the message_visits table. One row per host visit: a service
// receiving a message, a process routing it, an operation delivering it.
// Timestamps are milliseconds since the Unix epoch; completed_at is NULL
// while the visit is still in flight. Call Store.Init() or apply manually.
const Schema = `
CREATE TABLE IF NOT EXISTS message_visits (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	item_name TEXT NOT NULL,
	item_type TEXT NOT NULL,
	direction TEXT NOT NULL,
	message_type TEXT,
	correlation_id TEXT,
	session_id TEXT,
	body_class_name TEXT,
	schema_name TEXT,
	schema_namespace TEXT,
	status TEXT NOT NULL,
	raw_content BLOB,
	raw_content_ref TEXT,
	content_size INTEGER NOT NULL DEFAULT 0,
	source_item TEXT,
	destination_item TEXT,
	remote_host TEXT,
	remote_port INTEGER,
	ack_content TEXT,
	ack_type TEXT,
	error_message TEXT,
	latency_ms INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	received_at INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_visits_project_received ON message_visits(project_id, received_at DESC);
CREATE INDEX IF NOT EXISTS idx_visits_session ON message_visits(session_id) WHERE session_id != '';
CREATE INDEX IF NOT EXISTS idx_visits_correlation ON message_visits(correlation_id) WHERE correlation_id != '';
CREATE INDEX IF NOT EXISTS idx_visits_message ON message_visits(message_id);
CREATE INDEX IF NOT EXISTS idx_visits_dlq ON message_visits(project_id, destination_item) WHERE destination_item = '__dlq__';
`
