package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"stafflow.org/internal/obs"
)

const defaultPollInterval = 500 * time.Millisecond

// Postgres is a Store backed by a single table, for deployments where the
// "device" is a shared backend rather than one machine. Change notification
// is revision polling: every mutation bumps a global sequence and watchers
// poll for rows past their cursor. Watchers observe their own writes; bus
// consumers deduplicate.
type Postgres struct {
	db       *sql.DB
	interval time.Duration

	mu       sync.Mutex
	watchers map[int]watcher
	wnext    int

	done chan struct{}
	once sync.Once
}

var _ Store = (*Postgres)(nil)

// PostgresOption configures the store.
type PostgresOption func(*Postgres)

// WithPollInterval overrides the notification polling cadence.
func WithPollInterval(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		if d > 0 {
			p.interval = d
		}
	}
}

// OpenPostgres connects to the shared store and ensures its schema.
func OpenPostgres(dsn string, opts ...PostgresOption) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	p := newPostgres(db, opts...)
	if err := p.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	go p.poll()
	return p, nil
}

// NewPostgresWithDB wraps an existing handle without schema management or
// polling. Intended for tests.
func NewPostgresWithDB(db *sql.DB, opts ...PostgresOption) *Postgres {
	return newPostgres(db, opts...)
}

func newPostgres(db *sql.DB, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		db:       db,
		interval: defaultPollInterval,
		watchers: make(map[int]watcher),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`create sequence if not exists guard_kv_rev`,
		`create table if not exists guard_kv (
			k text primary key,
			v text not null,
			rev bigint not null,
			deleted boolean not null default false
		)`,
		`create index if not exists guard_kv_rev_idx on guard_kv (rev)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("kvstore: ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	var deleted bool
	err := p.db.QueryRowContext(ctx,
		`select v, deleted from guard_kv where k = $1`, key).Scan(&v, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	if deleted {
		return "", false, nil
	}
	return v, true, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		insert into guard_kv (k, v, rev, deleted)
		values ($1, $2, nextval('guard_kv_rev'), false)
		on conflict (k) do update
		set v = excluded.v, rev = excluded.rev, deleted = false`,
		key, value)
	if err != nil {
		return fmt.Errorf("kvstore: set %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) Remove(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `
		update guard_kv
		set deleted = true, v = '', rev = nextval('guard_kv_rev')
		where k = $1 and not deleted`,
		key)
	if err != nil {
		return fmt.Errorf("kvstore: remove %q: %w", key, err)
	}
	return nil
}

func (p *Postgres) Watch(prefix string, fn WatchFunc) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.wnext
	p.wnext++
	p.watchers[id] = watcher{prefix: prefix, fn: fn}
	return func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}, nil
}

func (p *Postgres) Close() error {
	p.once.Do(func() { close(p.done) })
	return p.db.Close()
}

func (p *Postgres) poll() {
	cursor, err := p.currentRev()
	if err != nil {
		obs.LogEvent(map[string]any{
			"level": "warn",
			"msg":   "kvstore postgres poller failed to read revision",
			"error": err.Error(),
		})
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			cursor = p.drain(cursor)
		}
	}
}

func (p *Postgres) currentRev() (int64, error) {
	var rev sql.NullInt64
	err := p.db.QueryRow(`select max(rev) from guard_kv`).Scan(&rev)
	if err != nil {
		return 0, err
	}
	return rev.Int64, nil
}

// drain fans out every mutation past the cursor and returns the new cursor.
// Poll failures leave the cursor unchanged; the next tick retries.
func (p *Postgres) drain(cursor int64) int64 {
	rows, err := p.db.Query(`
		select k, v, deleted, rev from guard_kv
		where rev > $1 order by rev`, cursor)
	if err != nil {
		return cursor
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var rev int64
		if err := rows.Scan(&ev.Key, &ev.Value, &ev.Removed, &rev); err != nil {
			return cursor
		}
		events = append(events, ev)
		if rev > cursor {
			cursor = rev
		}
	}
	if err := rows.Err(); err != nil {
		return cursor
	}

	for _, ev := range events {
		p.mu.Lock()
		var fns []WatchFunc
		for _, w := range p.watchers {
			if strings.HasPrefix(ev.Key, w.prefix) {
				fns = append(fns, w.fn)
			}
		}
		p.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	}
	return cursor
}
