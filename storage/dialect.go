package storage

import (
	"fmt"
	"strings"
)

// Dialect abstracts database-specific SQL syntax differences so the same
// query code works across SQLite and PostgreSQL.
type Dialect interface {
	// Name returns the dialect name ("sqlite" or "postgres")
	Name() string

	// AutoIncrement returns the column type for auto-incrementing primary keys.
	AutoIncrement() string

	// TimestampType returns the column type for timestamps.
	TimestampType() string

	// BoolType returns the column type for boolean values.
	BoolType() string

	// CurrentTimestamp returns the SQL expression for the current time.
	CurrentTimestamp() string
}

// SQLiteDialect implements Dialect for SQLite.
type SQLiteDialect struct{}

var _ Dialect = (*SQLiteDialect)(nil)

func (d *SQLiteDialect) Name() string { return "sqlite" }

func (d *SQLiteDialect) AutoIncrement() string {
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d *SQLiteDialect) TimestampType() string {
	return "DATETIME"
}

func (d *SQLiteDialect) BoolType() string {
	return "INTEGER"
}

func (d *SQLiteDialect) CurrentTimestamp() string {
	return "CURRENT_TIMESTAMP"
}

// PostgresDialect implements Dialect for PostgreSQL.
type PostgresDialect struct{}

var _ Dialect = (*PostgresDialect)(nil)

func (d *PostgresDialect) Name() string { return "postgres" }

func (d *PostgresDialect) AutoIncrement() string {
	return "BIGSERIAL PRIMARY KEY"
}

func (d *PostgresDialect) TimestampType() string {
	return "TIMESTAMPTZ"
}

func (d *PostgresDialect) BoolType() string {
	return "BOOLEAN"
}

func (d *PostgresDialect) CurrentTimestamp() string {
	return "NOW()"
}

// ConvertPlaceholders converts SQLite-style ? placeholders to
// PostgreSQL-style $n placeholders. Queries are written once with ? and
// rewritten at runtime when running on Postgres.
func ConvertPlaceholders(query string) string {
	var result strings.Builder
	result.Grow(len(query) + 10)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			result.WriteByte(query[i])
		}
	}
	return result.String()
}
