package querycontext

import (
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/NikhilSetiya/cohort-sentinel/pkg/errors"
)

// Dialect selects the quoting rules for downstream SQL
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectANSI     Dialect = "ansi"
)

// ParseDialect maps a driver name onto a Dialect
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "ansi", "sqlite", "sqlite3", "":
		return DialectANSI, nil
	}
	return "", errors.NewValidationError("unsupported dialect").WithDetail("dialect", driver)
}

// FormatEntity renders the entity as a quoted SQL literal for tools that
// cannot take bind parameters. Prefer EntityPredicate where possible.
func (q *QueryContext) FormatEntity(dialect Dialect) (string, error) {
	if strings.ContainsRune(q.entityID, 0) {
		return "", errors.NewValidationError("entity id contains a NUL byte")
	}

	switch dialect {
	case DialectPostgres:
		return pq.QuoteLiteral(q.entityID), nil
	case DialectMySQL:
		return "'" + escapeMySQL(q.entityID) + "'", nil
	case DialectANSI:
		return "'" + strings.ReplaceAll(q.entityID, "'", "''") + "'", nil
	}
	return "", errors.NewValidationError("unsupported dialect").WithDetail("dialect", string(dialect))
}

// EntityPredicate returns "<column> = ?" rebound for the dialect's
// placeholder style, with the entity as its single argument
func (q *QueryContext) EntityPredicate(dialect Dialect, column string) (string, []interface{}, error) {
	return entityPredicate(q.entityID, dialect, column)
}

// EntityPredicate is the per-call form handed to tools that query SQL
// stores directly
func (tc ToolContext) EntityPredicate(dialect Dialect, column string) (string, []interface{}, error) {
	return entityPredicate(tc.EntityID, dialect, column)
}

func entityPredicate(entityID string, dialect Dialect, column string) (string, []interface{}, error) {
	if column == "" {
		return "", nil, errors.NewValidationError("column is required")
	}

	var quoted string
	var bind int
	switch dialect {
	case DialectPostgres:
		quoted = pq.QuoteIdentifier(column)
		bind = sqlx.BindType("postgres")
	case DialectMySQL:
		quoted = "`" + strings.ReplaceAll(column, "`", "``") + "`"
		bind = sqlx.BindType("mysql")
	case DialectANSI:
		quoted = `"` + strings.ReplaceAll(column, `"`, `""`) + `"`
		bind = sqlx.QUESTION
	default:
		return "", nil, errors.NewValidationError("unsupported dialect").WithDetail("dialect", string(dialect))
	}

	return sqlx.Rebind(bind, quoted+" = ?"), []interface{}{entityID}, nil
}

// escapeMySQL mirrors the escaping of mysql_real_escape_string for the
// default (non NO_BACKSLASH_ESCAPES) sql_mode
func escapeMySQL(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\x1a':
			b.WriteString(`\Z`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
