package conninfo

import (
	"database/sql"
	"strings"
)

// driverClasses maps JDBC driver classes onto database/sql driver names.
var driverClasses = map[string]string{
	"org.sqlite.JDBC":                              "sqlite",
	"org.postgresql.Driver":                        "postgres",
	"org.postgresql.xa.PGXADataSource":             "postgres",
	"com.mysql.cj.jdbc.Driver":                     "mysql",
	"com.mysql.jdbc.Driver":                        "mysql",
	"com.microsoft.sqlserver.jdbc.SQLServerDriver": "sqlserver",
}

// urlSchemes maps jdbc:<scheme>: prefixes onto database/sql driver names.
var urlSchemes = map[string]string{
	"sqlite":     "sqlite",
	"sqlite3":    "sqlite3",
	"postgresql": "postgres",
	"mysql":      "mysql",
	"sqlserver":  "sqlserver",
}

// ResolveDriver derives the database/sql driver name and DSN.
//
// An explicit driver class wins: known JDBC classes are translated, anything
// else is taken as a Go driver name. Without a class the driver comes from the
// jdbc:<scheme>: URL prefix. For SQLite the jdbc prefix is stripped so the
// remainder is a file path or file: URI; other drivers keep the URL minus the
// "jdbc:" prefix.
func ResolveDriver(driverClass, url string) (driver, dsn string) {
	driver = strings.TrimSpace(driverClass)
	if mapped, ok := driverClasses[driver]; ok {
		driver = mapped
	}

	scheme, rest, isJDBC := splitJDBC(url)
	if driver == "" && isJDBC {
		if mapped, ok := urlSchemes[scheme]; ok {
			driver = mapped
		} else {
			driver = scheme
		}
	}

	switch {
	case !isJDBC:
		dsn = url
	case scheme == "sqlite" || scheme == "sqlite3":
		dsn = rest
	default:
		dsn = strings.TrimPrefix(url, "jdbc:")
	}
	return driver, dsn
}

// splitJDBC splits "jdbc:scheme:rest".
func splitJDBC(url string) (scheme, rest string, ok bool) {
	after, found := strings.CutPrefix(strings.TrimSpace(url), "jdbc:")
	if !found {
		return "", "", false
	}
	scheme, rest, found = strings.Cut(after, ":")
	if !found {
		return "", "", false
	}
	return strings.ToLower(scheme), rest, true
}

// NormalizeIsolation maps JDBC and SQL spellings onto the canonical names
// used by Info.TransactionIsolation. Unknown input is returned upper-cased
// so validation reports it.
func NormalizeIsolation(level string) string {
	s := strings.ToUpper(strings.TrimSpace(level))
	s = strings.TrimPrefix(s, "TRANSACTION_")
	s = strings.ReplaceAll(s, " ", "_")
	switch s {
	case "1":
		return "READ_UNCOMMITTED"
	case "2":
		return "READ_COMMITTED"
	case "4":
		return "REPEATABLE_READ"
	case "8":
		return "SERIALIZABLE"
	}
	return s
}

// IsolationLevel returns the database/sql isolation level for the info.
func (i *Info) IsolationLevel() sql.IsolationLevel {
	switch i.TransactionIsolation {
	case "READ_UNCOMMITTED":
		return sql.LevelReadUncommitted
	case "READ_COMMITTED":
		return sql.LevelReadCommitted
	case "WRITE_COMMITTED":
		return sql.LevelWriteCommitted
	case "REPEATABLE_READ":
		return sql.LevelRepeatableRead
	case "SNAPSHOT":
		return sql.LevelSnapshot
	case "SERIALIZABLE":
		return sql.LevelSerializable
	case "LINEARIZABLE":
		return sql.LevelLinearizable
	default:
		return sql.LevelDefault
	}
}
