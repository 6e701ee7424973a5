package db

import (
	"context"
	"database/sql"
)

//DeviceSession is the durable record binding a device installation
//to an account. SessionID is immutable for the life of the session;
//DeviceID maps to at most one active row at a time.
type DeviceSession struct {
	SessionID   string
	DeviceID    string
	AccountID   string
	PublicKey   string
	NotifyToken string
	DeviceType  string
	AppVersion  string
	DeviceOS    string
	Created     int64
}

//SessionStore persists device sessions. All operations report
//backend I/O failures as errs.ErrStorageUnavailable; they are never
//retried internally.
type SessionStore struct {
	db *DB
}

const sessionColumns = `session_id, device_id, account_id, public_key, notify_token, device_type, app_version, device_os, created`

//Put writes the session, overwriting any existing row with the same
//session ID
func (s *SessionStore) Put(ctx context.Context, item *DeviceSession) error {
	if s.db.conn == nil {
		return ErrNotOpen
	}

	_, err := s.db.conn.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			device_id = excluded.device_id,
			account_id = excluded.account_id,
			public_key = excluded.public_key,
			notify_token = excluded.notify_token,
			device_type = excluded.device_type,
			app_version = excluded.app_version,
			device_os = excluded.device_os`,
		item.SessionID, item.DeviceID, item.AccountID, item.PublicKey,
		item.NotifyToken, item.DeviceType, item.AppVersion, item.DeviceOS,
		item.Created)
	if err != nil {
		return storageErr("put session", err)
	}
	return nil
}

//Find returns the session with the given ID, or nil when no such
//session exists
func (s *SessionStore) Find(ctx context.Context, sessionID string) (*DeviceSession, error) {
	if s.db.conn == nil {
		return nil, ErrNotOpen
	}

	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id=$1`, sessionID)
	return scanSession(row)
}

//FindByDeviceID returns the active session for a device, or nil when
//the device has none
func (s *SessionStore) FindByDeviceID(ctx context.Context, deviceID string) (*DeviceSession, error) {
	if s.db.conn == nil {
		return nil, ErrNotOpen
	}

	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE device_id=$1`, deviceID)
	return scanSession(row)
}

//Remove deletes the session row. A missing row is a no-op, not an
//error, so logout and supersession stay idempotent.
func (s *SessionStore) Remove(ctx context.Context, sessionID string) error {
	if s.db.conn == nil {
		return ErrNotOpen
	}

	if _, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id=$1`, sessionID); err != nil {
		return storageErr("remove session", err)
	}
	return nil
}

func scanSession(row *sql.Row) (*DeviceSession, error) {
	item := DeviceSession{}
	var notifyToken sql.NullString

	err := row.Scan(&item.SessionID, &item.DeviceID, &item.AccountID,
		&item.PublicKey, &notifyToken, &item.DeviceType, &item.AppVersion,
		&item.DeviceOS, &item.Created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find session", err)
	}

	item.NotifyToken = notifyToken.String
	return &item, nil
}
