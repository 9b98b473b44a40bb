package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenInMemory(t *testing.T) {
	database, err := Open("", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()

	var one int
	if err := database.QueryRow("SELECT 1").Scan(&one); err != nil || one != 1 {
		t.Errorf("SELECT 1: %v %d", err, one)
	}
}

func TestOpenCreatesFolder(t *testing.T) {
	folder := filepath.Join(t.TempDir(), "nested", "data")
	database, err := Open(folder, "views.db")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	database.Close()

	// Reopening the same file works.
	database, err = Open(folder, "views.db")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	database.Close()
}

func TestPoolAcquireNeverBlocks(t *testing.T) {
	database, err := Open("", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()

	pool, err := NewPool(context.Background(), database, 2)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	c1, err := pool.Acquire()
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	c2, err := pool.Acquire()
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	// Pool exhausted: acquisition fails immediately instead of blocking.
	if _, err := pool.Acquire(); !errors.Is(err, ErrNoConnection) {
		t.Errorf("expected ErrNoConnection, got %v", err)
	}

	pool.Release(c1)
	c3, err := pool.Acquire()
	if err != nil {
		t.Errorf("acquire after release: %v", err)
	}
	pool.Release(c2)
	pool.Release(c3)
}

func TestPoolWithReleasesOnError(t *testing.T) {
	database, err := Open("", "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()

	pool, err := NewPool(context.Background(), database, 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	wantErr := errors.New("boom")
	if err := pool.With(func(conn *sql.Conn) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("With must surface the callback error, got %v", err)
	}

	// The connection went back to the pool despite the error.
	conn, err := pool.Acquire()
	if err != nil {
		t.Errorf("connection was not released: %v", err)
	}
	pool.Release(conn)
}
