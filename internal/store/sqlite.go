package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend persists stored messages in a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) the database at dbPath.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// single writer; the SAF actor serializes access anyway
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	b := &SQLiteBackend{db: db}
	if err := b.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS stored_messages (
		id TEXT PRIMARY KEY,
		destination TEXT NOT NULL,
		origin TEXT NOT NULL,
		origin_pub BLOB NOT NULL,
		origin_sig BLOB,
		body BLOB NOT NULL,
		priority INTEGER NOT NULL,
		stored_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stored_messages_destination ON stored_messages(destination);
	CREATE INDEX IF NOT EXISTS idx_stored_messages_expires_at ON stored_messages(expires_at);
	`
	_, err := b.db.ExecContext(ctx, schema)
	return err
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Load(ctx context.Context) ([]StoredMessage, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, destination, origin, origin_pub, origin_sig, body, priority, stored_at, expires_at
		FROM stored_messages
		ORDER BY stored_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var (
			id, dest, origin  string
			pub, sig, body    []byte
			priority          int
			storedAt, expires int64
		)
		if err := rows.Scan(&id, &dest, &origin, &pub, &sig, &body, &priority, &storedAt, &expires); err != nil {
			return nil, err
		}
		m, err := scanStored(id, dest, origin, pub, sig, body, priority, storedAt, expires)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanStored(id, dest, origin string, pub, sig, body []byte, priority int, storedAt, expires int64) (StoredMessage, error) {
	idB, err := decodeID(id)
	if err != nil {
		return StoredMessage{}, err
	}
	destB, err := decodeID(dest)
	if err != nil {
		return StoredMessage{}, err
	}
	originB, err := decodeID(origin)
	if err != nil {
		return StoredMessage{}, err
	}
	return StoredMessage{
		ID:          idB,
		Destination: destB,
		Origin:      originB,
		OriginPub:   pub,
		OriginSig:   sig,
		Body:        body,
		Priority:    Priority(priority),
		StoredAt:    time.UnixMilli(storedAt).UTC(),
		ExpiresAt:   time.UnixMilli(expires).UTC(),
	}, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, m StoredMessage) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO stored_messages
			(id, destination, origin, origin_pub, origin_sig, body, priority, stored_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, idKey(m.ID), idKey(m.Destination), idKey(m.Origin), m.OriginPub, m.OriginSig, m.Body,
		int(m.Priority), m.StoredAt.UnixMilli(), m.ExpiresAt.UnixMilli())
	return err
}

func (b *SQLiteBackend) Delete(ctx context.Context, ids [][32]byte) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM stored_messages WHERE id = ?`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, idKey(id)); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
