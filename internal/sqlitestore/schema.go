// Package sqlitestore is the indexed mailbox backend: per-user SQLite
// databases hold the mailbox hierarchy, message metadata and UID state,
// while raw message bodies live in content-addressed blob storage. Search
// evaluates flag and date criteria from the metadata snapshot; a body is
// fetched from blob storage only when a content criterion needs it.
package sqlitestore

import "database/sql"

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mailboxes (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		uid_validity INTEGER NOT NULL,
		uid_next INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(name)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		mailbox_id INTEGER NOT NULL,
		uid INTEGER NOT NULL,
		blob_key TEXT NOT NULL,
		size INTEGER NOT NULL,
		flags TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '',
		recent BOOLEAN NOT NULL DEFAULT TRUE,
		internal_date TIMESTAMP NOT NULL,
		FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id),
		UNIQUE(mailbox_id, uid)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_mailbox_uid ON messages(mailbox_id, uid);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY,
		mailbox_name TEXT NOT NULL,
		subscribed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(mailbox_name)
	);
	`
	_, err := db.Exec(schema)
	return err
}
