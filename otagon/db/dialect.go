package db

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectLibSQL   Dialect = "libsql"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps a database.type setting to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "libsql", "sqlite", "sqlite3", "turso":
		return DialectLibSQL, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported database type %q", s)
}

func (d Dialect) goose() goose.Dialect {
	if d == DialectPostgres {
		return goose.DialectPostgres
	}
	return database.DialectTurso
}

// Rebind rewrites ? placeholders to $1, $2... for Postgres. Queries must not
// contain a literal question mark.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Rebind rewrites query for db's dialect.
func (db *DB) Rebind(query string) string {
	return db.Dialect.Rebind(query)
}
