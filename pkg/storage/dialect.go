package storage

import (
	"fmt"
	"strings"
)

// Dialect abstracts the SQL differences between the supported backends.
type Dialect interface {
	Name() string
	QuoteIdentifier(name string) string
	Placeholder(n int) string
	// CreateTable returns an idempotent DDL statement.
	CreateTable(table, columns string) string
	// Types returns the column types for keys, integers and blobs.
	Types() ColumnTypes
}

type ColumnTypes struct {
	Key  string
	Int  string
	Blob string
}

// MySQLDialect implementation
type MySQLDialect struct{}

func (d MySQLDialect) Name() string { return "mysql" }

func (d MySQLDialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d MySQLDialect) Placeholder(n int) string { return "?" }

func (d MySQLDialect) CreateTable(table, columns string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.QuoteIdentifier(table), columns)
}

func (d MySQLDialect) Types() ColumnTypes {
	return ColumnTypes{Key: "VARCHAR(255)", Int: "BIGINT", Blob: "LONGBLOB"}
}

// SQLiteDialect serves both the pure-Go driver ("sqlite") and the cgo driver
// ("sqlite3").
type SQLiteDialect struct {
	Driver string
}

func (d SQLiteDialect) Name() string {
	if d.Driver != "" {
		return d.Driver
	}
	return "sqlite"
}

func (d SQLiteDialect) QuoteIdentifier(name string) string {
	return "\"" + strings.ReplaceAll(name, "\"", "\"\"") + "\""
}

func (d SQLiteDialect) Placeholder(n int) string { return "?" }

func (d SQLiteDialect) CreateTable(table, columns string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.QuoteIdentifier(table), columns)
}

func (d SQLiteDialect) Types() ColumnTypes {
	return ColumnTypes{Key: "TEXT", Int: "INTEGER", Blob: "BLOB"}
}

// PostgreSQLDialect implementation
type PostgreSQLDialect struct{}

func (d PostgreSQLDialect) Name() string { return "postgres" }

func (d PostgreSQLDialect) QuoteIdentifier(name string) string {
	return "\"" + strings.ReplaceAll(name, "\"", "\"\"") + "\""
}

// PostgreSQL uses $1, $2, $3
func (d PostgreSQLDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (d PostgreSQLDialect) CreateTable(table, columns string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", d.QuoteIdentifier(table), columns)
}

func (d PostgreSQLDialect) Types() ColumnTypes {
	return ColumnTypes{Key: "TEXT", Int: "BIGINT", Blob: "BYTEA"}
}

// SQLServerDialect implementation
type SQLServerDialect struct{}

func (d SQLServerDialect) Name() string { return "sqlserver" }

func (d SQLServerDialect) QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// SQL Server uses @p1, @p2, @p3
func (d SQLServerDialect) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (d SQLServerDialect) CreateTable(table, columns string) string {
	// No IF NOT EXISTS before SQL Server 2016.
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)",
		strings.ReplaceAll(table, "'", "''"), d.QuoteIdentifier(table), columns)
}

func (d SQLServerDialect) Types() ColumnTypes {
	return ColumnTypes{Key: "NVARCHAR(255)", Int: "BIGINT", Blob: "VARBINARY(MAX)"}
}

// GetDialect returns the appropriate dialect for the driver name
func GetDialect(driverName string) Dialect {
	switch strings.ToLower(driverName) {
	case "mysql":
		return MySQLDialect{}
	case "sqlite":
		return SQLiteDialect{Driver: "sqlite"}
	case "sqlite3":
		return SQLiteDialect{Driver: "sqlite3"}
	case "postgres", "postgresql", "pgx":
		return PostgreSQLDialect{}
	case "sqlserver", "mssql":
		return SQLServerDialect{}
	default:
		return SQLiteDialect{Driver: driverName}
	}
}

// rebind rewrites '?' placeholders into the dialect's style.
func rebind(d Dialect, query string) string {
	if d.Placeholder(1) == "?" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
