package db

import (
	"context"
	"database/sql"
	"encoding/json"
)

//MailboxMessage is a queued encrypted payload awaiting delivery.
//Payload text the broker split out-of-line is represented by an
//empty Payload and a non-empty ordered BlobHashes list.
type MailboxMessage struct {
	MessageID    string
	FromDeviceID string
	ToDeviceID   string
	Payload      string
	BlobHashes   []string
	Expire       int64
	ServerRX     int64
}

//MessageStore persists mailbox messages. Failure semantics match
//SessionStore: backend I/O failures surface as
//errs.ErrStorageUnavailable and are never retried internally.
type MessageStore struct {
	db *DB
}

const messageColumns = `message_id, from_device_id, to_device_id, payload, blob_hashes, expire, server_rx`

//Put inserts the message into the mailbox
func (s *MessageStore) Put(ctx context.Context, item *MailboxMessage) error {
	if s.db.conn == nil {
		return ErrNotOpen
	}

	hashes, err := json.Marshal(item.BlobHashes)
	if err != nil {
		return storageErr("encode blob hashes", err)
	}

	if _, err := s.db.conn.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		item.MessageID, item.FromDeviceID, item.ToDeviceID, item.Payload,
		string(hashes), item.Expire, item.ServerRX); err != nil {
		return storageErr("put message", err)
	}
	return nil
}

//Find returns the message with the given ID, or nil when no such
//message exists
func (s *MessageStore) Find(ctx context.Context, messageID string) (*MailboxMessage, error) {
	if s.db.conn == nil {
		return nil, ErrNotOpen
	}

	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id=$1`, messageID)

	item := MailboxMessage{}
	var hashes string
	err := row.Scan(&item.MessageID, &item.FromDeviceID, &item.ToDeviceID,
		&item.Payload, &hashes, &item.Expire, &item.ServerRX)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find message", err)
	}

	if err := json.Unmarshal([]byte(hashes), &item.BlobHashes); err != nil {
		return nil, storageErr("decode blob hashes", err)
	}
	return &item, nil
}

//FindByRecipient returns all messages for the device that are still
//unexpired at the supplied time, in insertion order. Insertion order
//preserves FIFO per sender; no total order across senders is
//promised beyond arrival at the broker.
func (s *MessageStore) FindByRecipient(ctx context.Context, deviceID string, now int64) ([]MailboxMessage, error) {
	if s.db.conn == nil {
		return nil, ErrNotOpen
	}

	rows, err := s.db.conn.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE to_device_id=$1 AND expire > $2
		ORDER BY rowid ASC`, deviceID, now)
	if err != nil {
		return nil, storageErr("query mailbox", err)
	}
	defer rows.Close()

	var msgs []MailboxMessage
	for rows.Next() {
		item := MailboxMessage{}
		var hashes string
		if err := rows.Scan(&item.MessageID, &item.FromDeviceID, &item.ToDeviceID,
			&item.Payload, &hashes, &item.Expire, &item.ServerRX); err != nil {
			return nil, storageErr("scan mailbox row", err)
		}
		if err := json.Unmarshal([]byte(hashes), &item.BlobHashes); err != nil {
			return nil, storageErr("decode blob hashes", err)
		}
		msgs = append(msgs, item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate mailbox", err)
	}

	return msgs, nil
}

//Remove deletes the message row. A missing row is a no-op: delivery
//and the expiry sweep may race on the same message and both treat
//not-found-on-delete as success.
func (s *MessageStore) Remove(ctx context.Context, messageID string) error {
	if s.db.conn == nil {
		return ErrNotOpen
	}

	if _, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM messages WHERE message_id=$1`, messageID); err != nil {
		return storageErr("remove message", err)
	}
	return nil
}

//RemoveForRecipient deletes the message row only if it is addressed
//to the given device, so one device's acknowledgment cannot drop
//another device's queued mail. Missing rows are a no-op, as with
//Remove.
func (s *MessageStore) RemoveForRecipient(ctx context.Context, messageID, deviceID string) error {
	if s.db.conn == nil {
		return ErrNotOpen
	}

	if _, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM messages WHERE message_id=$1 AND to_device_id=$2`,
		messageID, deviceID); err != nil {
		return storageErr("remove message for recipient", err)
	}
	return nil
}

//RemoveExpired deletes every message whose expiry is at or before
//the supplied time, returning how many rows were removed
func (s *MessageStore) RemoveExpired(ctx context.Context, now int64) (int64, error) {
	if s.db.conn == nil {
		return 0, ErrNotOpen
	}

	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM messages WHERE expire <= $1`, now)
	if err != nil {
		return 0, storageErr("remove expired messages", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("rows affected", err)
	}
	return n, nil
}
