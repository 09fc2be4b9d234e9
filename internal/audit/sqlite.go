package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteArchive is a local long-term archive for audit entries, outliving
// the bounded in-memory ring and the persisted tail.
type SQLiteArchive struct {
	db *sql.DB
}

var _ Sink = (*SQLiteArchive)(nil)

// OpenSQLiteArchive opens (creating if needed) the archive database at path.
func OpenSQLiteArchive(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open archive: %w", err)
	}
	// Single writer; the archive is only ever appended to from one process.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		create table if not exists audit_archive (
			id        text primary key,
			action    text not null,
			resource  text not null,
			actor_id  text not null default '',
			timestamp text not null,
			origin    text not null default '',
			details   text not null default '{}'
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ensure archive schema: %w", err)
	}
	return &SQLiteArchive{db: db}, nil
}

func (a *SQLiteArchive) Archive(ctx context.Context, entry Entry) error {
	details := "{}"
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("audit: encode details: %w", err)
		}
		details = string(data)
	}
	_, err := a.db.ExecContext(ctx, `
		insert or ignore into audit_archive
			(id, action, resource, actor_id, timestamp, origin, details)
		values (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.Resource, entry.ActorID,
		entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		entry.Origin, details)
	if err != nil {
		return fmt.Errorf("audit: archive entry: %w", err)
	}
	return nil
}

// Count reports the number of archived entries.
func (a *SQLiteArchive) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `select count(*) from audit_archive`).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count archive: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (a *SQLiteArchive) Close() error { return a.db.Close() }
