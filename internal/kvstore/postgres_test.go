package kvstore

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestPostgresGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	p := NewPostgresWithDB(db)

	mock.ExpectQuery(regexp.QuoteMeta(`select v, deleted from guard_kv where k = $1`)).
		WithArgs("session:current").
		WillReturnRows(sqlmock.NewRows([]string{"v", "deleted"}).AddRow("token", false))

	v, ok, err := p.Get(context.Background(), "session:current")
	if err != nil || !ok || v != "token" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresGetAbsentAndDeleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	p := NewPostgresWithDB(db)

	mock.ExpectQuery(regexp.QuoteMeta(`select v, deleted from guard_kv`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if _, ok, err := p.Get(context.Background(), "missing"); ok || err != nil {
		t.Fatalf("absent row should report !ok, nil error; got ok=%v err=%v", ok, err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`select v, deleted from guard_kv`)).
		WithArgs("tombstone").
		WillReturnRows(sqlmock.NewRows([]string{"v", "deleted"}).AddRow("", true))
	if _, ok, err := p.Get(context.Background(), "tombstone"); ok || err != nil {
		t.Fatalf("tombstone should report !ok, nil error; got ok=%v err=%v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresSetAndRemove(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	p := NewPostgresWithDB(db)
	ctx := context.Background()

	mock.ExpectExec("insert into guard_kv").
		WithArgs("guard:a@x.com", `{"attempts":3}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := p.Set(ctx, "guard:a@x.com", `{"attempts":3}`); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mock.ExpectExec("update guard_kv").
		WithArgs("guard:a@x.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := p.Remove(ctx, "guard:a@x.com"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresDrainAdvancesCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	p := NewPostgresWithDB(db)

	var got []Event
	cancel, _ := p.Watch("bus:", func(ev Event) { got = append(got, ev) })
	defer cancel()

	mock.ExpectQuery("select k, v, deleted, rev from guard_kv").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"k", "v", "deleted", "rev"}).
			AddRow("bus:leave_update", `{"id":"L1"}`, false, int64(8)).
			AddRow("audit:tail", "[]", false, int64(9)))

	cursor := p.drain(7)
	if cursor != 9 {
		t.Fatalf("cursor = %d, want 9", cursor)
	}
	if len(got) != 1 || got[0].Key != "bus:leave_update" {
		t.Fatalf("watched events = %+v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
