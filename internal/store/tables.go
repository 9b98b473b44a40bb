// Package store creates destination tables and persists materialized rows
// into the embedded database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ehr/view-runner/internal/view"
)

// ansiTypeTag is the column tag overriding the storage type mapping.
const ansiTypeTag = "ansi/type"

// systemColumns are table columns managed by the engine itself and excluded
// from row binding.
var systemColumns = map[string]bool{
	"id":           true,
	"last_updated": true,
}

// StorageType maps a column's semantic FHIR type to the database storage
// type, honoring the ansi/type tag override and wrapping collections as
// arrays.
func StorageType(col view.Column) string {
	storage := ""
	if v, ok := col.Tags[ansiTypeTag]; ok && v != "" {
		storage = v
	} else {
		switch col.Type {
		case "boolean":
			storage = "BOOLEAN"
		case "integer", "positiveInt", "unsignedInt":
			storage = "INTEGER"
		case "integer64":
			storage = "BIGINT"
		case "decimal":
			storage = "DOUBLE"
		case "date":
			storage = "DATE"
		case "dateTime", "instant":
			storage = "TIMESTAMP"
		case "time":
			storage = "TIME"
		case "base64Binary":
			storage = "BLOB"
		default:
			// string, uri, code, markdown, id, url, uuid and anything unknown
			storage = "VARCHAR"
		}
	}
	if col.Collection {
		storage += "[]"
	}
	return storage
}

// EnsureTable idempotently creates the sequence and destination table for a
// plan. An existing table is left untouched; its schema is not validated.
func EnsureTable(ctx context.Context, conn *sql.Conn, plan *view.Plan) error {
	table := plan.TableName()
	seq := table + "_id_seq"

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s", seq)); err != nil {
		return fmt.Errorf("create sequence %s: %w", seq, err)
	}

	var cols strings.Builder
	fmt.Fprintf(&cols, "id BIGINT PRIMARY KEY DEFAULT nextval('%s')", seq)
	for _, col := range plan.Columns {
		fmt.Fprintf(&cols, ", %s %s", col.Name, StorageType(col))
	}

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, cols.String())
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// tableColumns introspects the current column list of a table, in ordinal
// order, excluding the surrogate id and system columns. Row values bind to
// this tuple.
func tableColumns(ctx context.Context, q queryer, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position",
		table)
	if err != nil {
		return nil, fmt.Errorf("introspect table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("introspect table %s: %w", table, err)
		}
		if systemColumns[strings.ToLower(name)] {
			continue
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect table %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("introspect table %s: no bindable columns", table)
	}
	return cols, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}
