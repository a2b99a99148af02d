package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	soul      TEXT    NOT NULL,
	field     TEXT    NOT NULL,
	value     TEXT    NOT NULL,
	state     INTEGER NOT NULL,
	writer    BLOB,
	signature BLOB,
	PRIMARY KEY (soul, field)
) WITHOUT ROWID;
`

const sqliteSchemaVersion = 1

// SQLiteBackend stores the replica in a single SQLite file.
type SQLiteBackend struct {
	db   *sql.DB
	save *sql.Stmt
}

// OpenSQLite creates or opens the database at path. ":memory:" gives a
// throwaway database.
//
// The database runs in WAL mode with one connection; the store serializes
// writes already.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}

	save, err := db.Prepare(`
		INSERT INTO entries (soul, field, value, state, writer, signature)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (soul, field) DO UPDATE SET
			value = excluded.value,
			state = excluded.state,
			writer = excluded.writer,
			signature = excluded.signature
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}

	return &SQLiteBackend{db: db, save: save}, nil
}

func (b *SQLiteBackend) Load(fn func(Record) error) error {
	rows, err := b.db.Query(`SELECT soul, field, value, state, writer, signature FROM entries`)
	if err != nil {
		return fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			soul, field, valueJSON string
			state                  int64
			r                      Record
		)
		if err := rows.Scan(&soul, &field, &valueJSON, &state, &r.Entry.Writer, &r.Entry.Signature); err != nil {
			return fmt.Errorf("scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &r.Entry.Value); err != nil {
			return fmt.Errorf("decode value %s.%s: %w", soul, field, err)
		}
		r.Soul = Soul(soul)
		r.Field = field
		r.Entry.State = State(state)
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *SQLiteBackend) Save(r Record) error {
	_, err := b.save.Exec(
		string(r.Soul),
		r.Field,
		string(r.Entry.Value.Canonical()),
		int64(r.Entry.State),
		r.Entry.Writer,
		r.Entry.Signature,
	)
	if err != nil {
		return fmt.Errorf("save %s.%s: %w", r.Soul, r.Field, err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	b.save.Close()
	return b.db.Close()
}
