package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-applications-backend/internal/domain"
)

func TestOpenSQLite_ErrorOnBadPath(t *testing.T) {
	base := t.TempDir()
	bad := filepath.Join(base, "does-not-exist", "app.db")

	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}

	// Be tolerant across platforms/drivers:
	// - Windows: *os.PathError ("CreateFile â€¦ cannot find the file specified")
	// - SQLite:  "unable to open database file" / "out of memory (14)"
	// - Unix:    "no such file or directory"
	lower := strings.ToLower(err.Error())
	if !(os.IsNotExist(err) ||
		strings.Contains(lower, "unable to open database file") ||
		strings.Contains(lower, "no such file or directory") ||
		strings.Contains(lower, "out of memory")) {
		t.Fatalf("unexpected error opening %q: %v", bad, err)
	}
}

func TestOpenSQLite_SetsPragmas_Pool_AndAutoMigrate(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "app.db")

	db, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	// --- Verify PRAGMAs set by OpenSQLite ---
	var (
		journalMode string
		syncVal     int
		busyMS      int
	)

	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journalMode)
	}

	if err := db.Raw("PRAGMA synchronous;").Row().Scan(&syncVal); err != nil {
		t.Fatalf("PRAGMA synchronous: %v", err)
	}
	// NORMAL == 1
	if syncVal != 1 {
		t.Fatalf("expected synchronous=1 (NORMAL), got %d", syncVal)
	}

	if err := db.Raw("PRAGMA busy_timeout;").Row().Scan(&busyMS); err != nil {
		t.Fatalf("PRAGMA busy_timeout: %v", err)
	}
	if busyMS != 5000 {
		t.Fatalf("expected busy_timeout=5000, got %d", busyMS)
	}

	// --- Verify pool tuning applied ---
	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 10 {
		t.Fatalf("expected MaxOpenConnections=10, got %d", stats.MaxOpenConnections)
	}

	// --- AutoMigrate should create all tables ---
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&domain.Application{}, &domain.Idempotency{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}

	// Quick insert round-trip to prove schema is usable.
	app, err := CreateApplication(context.Background(), db, domain.ApplicationCreate{UserName: "u1", Description: "d"})
	if err != nil {
		t.Fatalf("create application: %v", err)
	}
	if !app.Persisted() {
		t.Fatalf("expected store-assigned id and created_at, got %+v", app)
	}
}

func TestApplyPool_Bounds(t *testing.T) {
	db := newAppDB(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}

	if err := applyPool(db, PoolOptions{MinIdle: 2, MaxOpen: 7}); err != nil {
		t.Fatalf("applyPool: %v", err)
	}
	if got := sqlDB.Stats().MaxOpenConnections; got != 7 {
		t.Fatalf("MaxOpenConnections = %d; want 7", got)
	}

	bad := []PoolOptions{
		{MinIdle: 1, MaxOpen: 0},
		{MinIdle: -1, MaxOpen: 5},
		{MinIdle: 6, MaxOpen: 5},
	}
	for _, p := range bad {
		if err := applyPool(db, p); err == nil {
			t.Fatalf("expected error for %+v", p)
		}
	}
}

func TestOpenWithRetry(t *testing.T) {
	fast := ConnectRetry{Attempts: 4, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	want := newAppDB(t)

	calls := 0
	db, err := OpenWithRetry(context.Background(), fast, func() (*gorm.DB, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection refused")
		}
		return want, nil
	})
	if err != nil || db != want || calls != 3 {
		t.Fatalf("db=%v err=%v calls=%d", db, err, calls)
	}

	calls = 0
	_, err = OpenWithRetry(context.Background(), fast, func() (*gorm.DB, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	if err == nil || !strings.Contains(err.Error(), "connection refused") || calls != 4 {
		t.Fatalf("exhausted: err=%v calls=%d", err, calls)
	}

	// Zero attempts still tries once.
	calls = 0
	_, _ = OpenWithRetry(context.Background(), ConnectRetry{}, func() (*gorm.DB, error) {
		calls++
		return nil, errors.New("down")
	})
	if calls != 1 {
		t.Fatalf("zero attempts made %d calls", calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := ConnectRetry{Attempts: 5, InitialInterval: time.Hour, MaxInterval: time.Hour}
	if _, err := OpenWithRetry(ctx, slow, func() (*gorm.DB, error) { return nil, errors.New("down") }); err == nil {
		t.Fatalf("cancelled context should stop retries")
	}
}

// Compile-time guard to ensure signature stability.
var _ func(string) (*gorm.DB, error) = OpenSQLite
