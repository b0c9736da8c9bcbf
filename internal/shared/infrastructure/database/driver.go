package database

import "strings"

// Driver represents a database backend type.
type Driver string

const (
	// DriverPostgres represents PostgreSQL database.
	DriverPostgres Driver = "postgres"
	// DriverSQLite represents SQLite database.
	DriverSQLite Driver = "sqlite"
)

// String returns the string representation of the driver.
func (d Driver) String() string {
	return string(d)
}

// IsValid returns true if the driver is a known type.
func (d Driver) IsValid() bool {
	return d == DriverPostgres || d == DriverSQLite
}

// DetectDriver infers the driver from a connection string. An empty URL
// selects the embedded store. Unrecognised schemes return an invalid driver
// so a mistyped DATABASE_URL fails at startup.
func DetectDriver(url string) Driver {
	switch {
	case url == "":
		return DriverSQLite
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DriverPostgres
	case isKeyValueDSN(url):
		return DriverPostgres
	case strings.HasPrefix(url, "sqlite://"), strings.HasPrefix(url, "file:"), url == MemoryPath:
		return DriverSQLite
	}
	for _, ext := range []string{".db", ".sqlite", ".sqlite3"} {
		if strings.HasSuffix(url, ext) {
			return DriverSQLite
		}
	}
	return ""
}

// isKeyValueDSN reports a libpq keyword/value string such as
// "host=localhost dbname=automata".
func isKeyValueDSN(url string) bool {
	for _, key := range []string{"host=", "dbname=", "user="} {
		if strings.HasPrefix(url, key) || strings.Contains(url, " "+key) {
			return true
		}
	}
	return false
}

// SQLitePathFromURL strips the sqlite:// or file: scheme and any query
// string from a SQLite URL, leaving the file path.
func SQLitePathFromURL(url string) string {
	path := url
	if rest, ok := strings.CutPrefix(path, "sqlite://"); ok {
		path = rest
	} else if rest, ok := strings.CutPrefix(path, "file:"); ok {
		path = rest
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}
