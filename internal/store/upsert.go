package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/view-runner/internal/platform/db"
	"github.com/ehr/view-runner/internal/view"
)

// Result tallies one upsert call.
type Result struct {
	Inserted int `json:"inserted"`
	Deleted  int `json:"deleted"`
	Updated  int `json:"updated"`
	Errors   int `json:"errors"`
}

// Add accumulates another call's tallies, letting the driver aggregate a
// whole run.
func (r *Result) Add(o Result) {
	r.Inserted += o.Inserted
	r.Deleted += o.Deleted
	r.Updated += o.Updated
	r.Errors += o.Errors
}

// Upserter replaces rows by resource key inside the embedded database. All
// work for one call runs on a single pooled connection inside one
// transaction: delete every stored row whose resource key appears in the
// batch, then insert the batch. A failure that poisons the transaction rolls
// the whole call back.
type Upserter struct {
	pool      *db.Pool
	logger    zerolog.Logger
	batchSize int
}

// NewUpserter creates an upsert engine drawing connections from pool.
func NewUpserter(pool *db.Pool, logger zerolog.Logger, batchSize int) *Upserter {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Upserter{pool: pool, logger: logger, batchSize: batchSize}
}

// Upsert persists rows into table, keyed by keyColumn. Rows may span many
// source resources. Rows missing the resource key are skipped and counted as
// errors; a transaction-scope failure rolls back and reports the whole batch
// as errored.
func (u *Upserter) Upsert(ctx context.Context, table string, rows []view.Row, keyColumn string) (Result, error) {
	if len(rows) == 0 {
		return Result{}, nil
	}

	var result Result
	conn, err := u.pool.Acquire()
	if err != nil {
		return Result{Errors: len(rows)}, err
	}
	defer u.pool.Release(conn)

	columns, err := tableColumns(ctx, conn, table)
	if err != nil {
		return Result{Errors: len(rows)}, err
	}

	// Partition the batch by resource key, preserving first-seen key order
	// and per-key row order. Rows without a key never reach the database.
	keyOrder, byKey, missing := partitionByKey(rows, keyColumn)
	for _, row := range missing {
		result.Errors++
		u.logger.Error().
			Str("event", "failed-record").
			Str("table", table).
			Str("key_column", keyColumn).
			Interface("row", row).
			Msg("row is missing its resource key")
	}
	if len(keyOrder) == 0 {
		return result, nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return Result{Errors: len(rows)}, fmt.Errorf("begin upsert transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	countStmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, keyColumn)
	deleteStmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, keyColumn)

	for _, key := range keyOrder {
		var before, after int
		if err := tx.QueryRowContext(ctx, countStmt, key).Scan(&before); err != nil {
			return Result{Errors: len(rows)}, fmt.Errorf("count rows for key %v: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx, deleteStmt, key); err != nil {
			return Result{Errors: len(rows)}, fmt.Errorf("delete rows for key %v: %w", key, err)
		}
		if err := tx.QueryRowContext(ctx, countStmt, key).Scan(&after); err != nil {
			return Result{Errors: len(rows)}, fmt.Errorf("recount rows for key %v: %w", key, err)
		}
		removed := before - after
		result.Deleted += removed
		if before > 0 && len(byKey[keyString(key)]) > 0 {
			result.Updated += removed
		}
	}

	insertStmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table,
		strings.Join(columns, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))
	stmt, err := tx.PrepareContext(ctx, insertStmt)
	if err != nil {
		return Result{Errors: len(rows)}, fmt.Errorf("prepare insert into %s: %w", table, err)
	}
	defer stmt.Close()

	for _, key := range keyOrder {
		keyRows := byKey[keyString(key)]
		for start := 0; start < len(keyRows); start += u.batchSize {
			end := start + u.batchSize
			if end > len(keyRows) {
				end = len(keyRows)
			}
			chunk := keyRows[start:end]
			for _, row := range chunk {
				args := bindRow(row, columns)
				if _, err := stmt.ExecContext(ctx, args...); err != nil {
					result.Errors++
					u.logger.Error().
						Str("event", "failed-record").
						Str("table", table).
						Interface("row", row).
						Err(err).
						Msg("row insert failed")
					continue
				}
				result.Inserted++
			}
			u.logger.Debug().
				Str("event", "batch-completed").
				Str("table", table).
				Int("rows", len(chunk)).
				Msg("insert chunk done")
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{Errors: len(rows)}, fmt.Errorf("commit upsert into %s: %w", table, err)
	}
	committed = true
	return result, nil
}

// partitionByKey splits rows into per-key groups. Rows whose key value is
// absent or nil are returned separately.
func partitionByKey(rows []view.Row, keyColumn string) ([]interface{}, map[string][]view.Row, []view.Row) {
	var keyOrder []interface{}
	byKey := make(map[string][]view.Row)
	var missing []view.Row

	for _, row := range rows {
		key, ok := row[keyColumn]
		if !ok || key == nil {
			missing = append(missing, row)
			continue
		}
		ks := keyString(key)
		if _, seen := byKey[ks]; !seen {
			keyOrder = append(keyOrder, key)
		}
		byKey[ks] = append(byKey[ks], row)
	}
	return keyOrder, byKey, missing
}

func keyString(key interface{}) string {
	return fmt.Sprintf("%v", key)
}

// bindRow orders a row's values to the table's bindable column tuple;
// missing keys bind to null.
func bindRow(row view.Row, columns []string) []interface{} {
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		args[i] = row[col]
	}
	return args
}
