// Package db opens the embedded DuckDB database and provides the fixed-size
// connection pool the pipeline draws from.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
)

// Open creates (if needed) the database folder and opens the DuckDB file
// inside it. An empty fileName opens an in-memory database.
func Open(folder, fileName string) (*sql.DB, error) {
	dsn := ""
	if fileName != "" {
		if folder != "" {
			if err := os.MkdirAll(folder, 0o755); err != nil {
				return nil, fmt.Errorf("create database folder %s: %w", folder, err)
			}
		}
		dsn = filepath.Join(folder, fileName)
	}

	database, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %s: %w", dsn, err)
	}
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("ping duckdb %s: %w", dsn, err)
	}
	return database, nil
}

// ErrNoConnection is returned by Pool.Acquire when every connection is in
// use. Acquisition never blocks; callers are expected to size the
// concurrency limit at or below the pool size.
var ErrNoConnection = fmt.Errorf("db: no connection available")

// Pool is a fixed-size pool of dedicated connections. Acquire fails
// immediately when the pool is empty; a connection must be released on every
// exit path.
type Pool struct {
	conns chan *sql.Conn
	size  int
}

// NewPool pins size connections from database at startup.
func NewPool(ctx context.Context, database *sql.DB, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("db: pool size must be at least 1, got %d", size)
	}
	database.SetMaxOpenConns(size)

	p := &Pool{conns: make(chan *sql.Conn, size), size: size}
	for i := 0; i < size; i++ {
		conn, err := database.Conn(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("db: pin connection %d: %w", i, err)
		}
		p.conns <- conn
	}
	return p, nil
}

// Size returns the fixed pool capacity.
func (p *Pool) Size() int { return p.size }

// Acquire pops a connection or fails immediately with ErrNoConnection.
func (p *Pool) Acquire() (*sql.Conn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
		return nil, ErrNoConnection
	}
}

// Release returns a connection to the pool.
func (p *Pool) Release(conn *sql.Conn) {
	if conn == nil {
		return
	}
	p.conns <- conn
}

// With runs fn with an acquired connection, releasing it on every exit path
// including panics.
func (p *Pool) With(fn func(conn *sql.Conn) error) error {
	conn, err := p.Acquire()
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Close drains and closes every pooled connection.
func (p *Pool) Close() error {
	var firstErr error
	for {
		select {
		case conn := <-p.conns:
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		default:
			return firstErr
		}
	}
}
