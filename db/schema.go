package db

const schemaVersion = 1

const brokerSchema = `
CREATE TABLE version (
	version INTEGER NOT NULL
);

-- Device sessions, one active row per device. Supersession of an
-- older session for the same device is enforced by the relay core,
-- not by a constraint here.

CREATE TABLE sessions (
	session_id   TEXT PRIMARY KEY,
	device_id    TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	public_key   TEXT NOT NULL,
	notify_token TEXT,
	device_type  TEXT NOT NULL DEFAULT '',
	app_version  TEXT NOT NULL DEFAULT '',
	device_os    TEXT NOT NULL DEFAULT '',
	created      INTEGER NOT NULL
);
CREATE INDEX idx_sessions_device ON sessions (device_id);
CREATE INDEX idx_sessions_account ON sessions (account_id);

-- Queued mailbox messages. rowid provides insertion order for the
-- per-recipient drain; server_rx records arrival time for operators.

CREATE TABLE messages (
	message_id     TEXT PRIMARY KEY,
	from_device_id TEXT NOT NULL,
	to_device_id   TEXT NOT NULL,
	payload        TEXT NOT NULL,
	blob_hashes    TEXT NOT NULL DEFAULT '[]',
	expire         INTEGER NOT NULL,
	server_rx      INTEGER NOT NULL
);
CREATE INDEX idx_messages_recipient ON messages (to_device_id);
CREATE INDEX idx_messages_expire ON messages (expire);
`
