//Package db owns the durable side of the broker: the SQLite
//connection plus the session and message stores built on it. The
//stores are passive persistence layers; session supersession and
//mailbox semantics live in the relay core.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	//sqlite3 driver
	_ "github.com/mattn/go-sqlite3"

	"tunnelbroker/errs"
	"tunnelbroker/log"
)

//ErrNotOpen indicates the database connection has been closed or
//was never opened
var ErrNotOpen = errors.New("database connection is not open")

//DB wraps the SQLite connection handle. Constructed once at startup
//and handed to the stores; closed by the broker on shutdown.
type DB struct {
	conn *sql.DB
}

//Open opens (creating if needed) the SQLite database at filename
//and ensures the schema is present and at the expected version.
//An empty filename opens an in-memory database, used by tests.
func Open(filename string) (*DB, error) {
	createSchema := false

	if filename == "" {
		filename = ":memory:"
		createSchema = true
	} else if _, err := os.Stat(filename); err != nil {
		log.Infof("creating database file %s", filename)
		createSchema = true
	}

	conn, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, err
	}

	d := &DB{conn: conn}

	if createSchema {
		if err := d.createSchema(); err != nil {
			conn.Close()
			return nil, err
		}
		return d, nil
	}

	if err := d.checkMigration(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

//Close terminates the database connection
func (d *DB) Close() error {
	log.Info("closing database connection")
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

//Sessions returns the session store bound to this database
func (d *DB) Sessions() *SessionStore {
	return &SessionStore{db: d}
}

//Messages returns the message store bound to this database
func (d *DB) Messages() *MessageStore {
	return &MessageStore{db: d}
}

//createSchema sets up a new database schema for use
func (d *DB) createSchema() error {
	if d.conn == nil {
		return ErrNotOpen
	}

	log.Info("setting up database schema")

	if _, err := d.conn.Exec(brokerSchema); err != nil {
		return err
	}

	if _, err := d.conn.Exec(`INSERT INTO version (version) VALUES ($1)`, schemaVersion); err != nil {
		return err
	}

	log.Infof("set schema version to %d", schemaVersion)
	return nil
}

//checkMigration reads the stored schema version and compares it to
//the version this binary targets
func (d *DB) checkMigration() error {
	if d.conn == nil {
		return ErrNotOpen
	}

	var cur int
	row := d.conn.QueryRow(`SELECT version FROM version`)
	if err := row.Scan(&cur); err != nil {
		if err == sql.ErrNoRows {
			return errors.New("could not find the schema version of the database, it may be corrupt")
		}
		return err
	}

	if cur > schemaVersion {
		return errors.New("database schema version is higher than the binary's target")
	} else if cur < schemaVersion {
		return fmt.Errorf("database schema version %d is older than target %d and has no migration path", cur, schemaVersion)
	}

	return nil
}

//storageErr wraps a backend failure so callers can classify it as
//transient via errs.Retryable while keeping the cause in the text
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", errs.ErrStorageUnavailable, op, err)
}
