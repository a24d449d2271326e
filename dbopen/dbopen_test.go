package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/Sendient/ai-detector-sub001/dbopen"
)

func TestOpenMemoryPragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
	var bt int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&bt); err != nil {
		t.Fatal(err)
	}
	if bt != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", bt)
	}
}

func TestOpenFileWithSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(),
		dbopen.WithSchema(`CREATE TABLE IF NOT EXISTS things (id TEXT PRIMARY KEY)`))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
	if _, err := db.Exec(`INSERT INTO things (id) VALUES ('a')`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestPragmasOnEveryConnection(t *testing.T) {
	db, err := dbopen.Open(filepath.Join(t.TempDir(), "pool.db"), dbopen.WithBusyTimeout(7_000))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	var conns []*sql.Conn
	for range 3 {
		c, err := db.Conn(ctx)
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		conns = append(conns, c)
	}
	for i, c := range conns {
		var bt, fk int
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&bt); err != nil {
			t.Fatal(err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatal(err)
		}
		if bt != 7_000 || fk != 1 {
			t.Fatalf("conn %d: busy_timeout=%d foreign_keys=%d, want 7000 and 1", i, bt, fk)
		}
	}
}

func TestForeignKeysEnforcedAcrossPool(t *testing.T) {
	db, err := dbopen.Open(filepath.Join(t.TempDir(), "fk.db"), dbopen.WithSchema(`
		CREATE TABLE parents (id TEXT PRIMARY KEY);
		CREATE TABLE children (id TEXT PRIMARY KEY, parent_id TEXT REFERENCES parents(id));`))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	held, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()
	other, err := db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()
	if _, err := other.ExecContext(ctx, `INSERT INTO children (id, parent_id) VALUES ('c', 'missing')`); err == nil {
		t.Fatal("dangling reference accepted on a second connection")
	}
}

func TestOpenBadSchema(t *testing.T) {
	_, err := dbopen.Open(":memory:", dbopen.WithSchema("CREATE NONSENSE"))
	if err == nil {
		t.Fatal("expected schema error")
	}
}

func TestRunTxRollsBack(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER)`))
	ctx := context.Background()
	boom := errors.New("boom")

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO kv VALUES ('a', 1)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n)
	if n != 0 {
		t.Fatalf("rows = %d after rollback, want 0", n)
	}

	if err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO kv VALUES ('a', 1)`)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n)
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestIsBusy(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database table is locked"), true},
		{errors.New("no such table: x"), false},
	}
	for _, c := range cases {
		if got := dbopen.IsBusy(c.err); got != c.want {
			t.Errorf("IsBusy(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
