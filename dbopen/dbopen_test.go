package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/uxlens/ctafocus/dbopen"
)

// WHAT: verifies the default pragmas land on a freshly opened database.
// WHY: foreign keys and the busy timeout are load-bearing for every store
// in the service; a silent PRAGMA failure would only surface under load.
func TestOpen_DefaultPragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}

	var bt int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&bt); err != nil {
		t.Fatal(err)
	}
	if bt != 10_000 {
		t.Errorf("busy_timeout = %d, want 10000", bt)
	}

	// synchronous NORMAL reads back as 1
	var sync int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatal(err)
	}
	if sync != 1 {
		t.Errorf("synchronous = %d, want 1", sync)
	}

	// :memory: reports "memory" where a file database would say "wal";
	// either way the PRAGMA executed.
	var journal string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journal); err != nil {
		t.Fatal(err)
	}
	if journal != "wal" && journal != "memory" {
		t.Errorf("journal_mode = %q", journal)
	}
}

// WHAT: checks each tuning option reaches its PRAGMA.
func TestOpen_Options(t *testing.T) {
	db := dbopen.OpenMemory(t,
		dbopen.WithBusyTimeout(5000),
		dbopen.WithCacheSize(-64000),
		dbopen.WithSynchronous("FULL"),
	)

	var bt, cs, sync int
	db.QueryRow("PRAGMA busy_timeout").Scan(&bt)
	db.QueryRow("PRAGMA cache_size").Scan(&cs)
	db.QueryRow("PRAGMA synchronous").Scan(&sync)

	if bt != 5000 {
		t.Errorf("busy_timeout = %d, want 5000", bt)
	}
	if cs != -64000 {
		t.Errorf("cache_size = %d, want -64000", cs)
	}
	if sync != 2 {
		t.Errorf("synchronous = %d, want 2 (FULL)", sync)
	}
}

// WHAT: verifies queued schemas run during Open, in option order.
// WHY: main wires store schemas through WithSchema; a table must be usable
// the moment Open returns.
func TestOpen_WithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(`CREATE TABLE analysis_notes (analysis_id TEXT PRIMARY KEY, note TEXT)`),
		dbopen.WithSchema(`INSERT INTO analysis_notes VALUES ('ana_1', 'strong primary CTA')`),
	)

	var note string
	if err := db.QueryRow(`SELECT note FROM analysis_notes WHERE analysis_id = 'ana_1'`).Scan(&note); err != nil {
		t.Fatal(err)
	}
	if note != "strong primary CTA" {
		t.Errorf("note = %q", note)
	}
}

// WHAT: verifies WithMkdirAll creates missing parent directories.
// WHY: first boot on a fresh host points at a data directory that does not
// exist yet.
func TestOpen_WithMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "sqlite", "ctafocus.db")

	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("parent directory missing: %v", err)
	}
}

// WHAT: an unregistered driver name fails at Open, not at first query.
func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := dbopen.Open(":memory:", dbopen.WithDriver("no-such-driver")); err == nil {
		t.Error("Open with unknown driver succeeded")
	}
}

// WHAT: table-drives the BUSY classifier over the error strings the driver
// actually produces.
func TestIsBusy(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("UNIQUE constraint failed"), false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("insert feedback: SQLITE_BUSY (5)"), true},
	}
	for _, c := range cases {
		if got := dbopen.IsBusy(c.err); got != c.want {
			t.Errorf("IsBusy(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

// WHAT: verifies RunTx commits on success and rolls the whole transaction
// back when fn fails, returning fn's error unwrapped.
func TestRunTx(t *testing.T) {
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(`CREATE TABLE votes (analysis_id TEXT PRIMARY KEY, vote INTEGER)`))
	ctx := context.Background()

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO votes VALUES ('ana_1', 1)`)
		return err
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	sentinel := errors.New("validation failed")
	err = dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		tx.Exec(`INSERT INTO votes VALUES ('ana_2', -1)`)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("RunTx error = %v, want sentinel", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM votes`).Scan(&n)
	if n != 1 {
		t.Errorf("rows = %d, want only the committed insert", n)
	}
}

// WHAT: Exec runs a statement and surfaces its result.
func TestExec(t *testing.T) {
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(`CREATE TABLE votes (analysis_id TEXT PRIMARY KEY)`))

	res, err := dbopen.Exec(context.Background(), db, `INSERT INTO votes VALUES (?)`, "ana_1")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("rows affected = %d, want 1", n)
	}
}

// WHAT: a cancelled context fails RunTx instead of hanging in BeginTx.
func TestRunTx_CancelledContext(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error { return nil })
	if err == nil {
		t.Error("RunTx succeeded on cancelled context")
	}
}
