// Package sqlitedb opens the SQLite databases shared by the billing,
// conversation and embedding-cache stores.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// BusyTimeout is how long a connection waits for another writer on the same
// file before failing with SQLITE_BUSY.
const BusyTimeout = 5 * time.Second

// DSN adds the connection pragmas to dbPath. Transactions take the write lock
// at BEGIN so the busy timeout applies to them instead of failing on upgrade.
func DSN(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		dbPath, sep, BusyTimeout.Milliseconds())
}

// Open opens dbPath with one connection per pool. Several pools may share the
// file; writers from different pools wait on each other up to BusyTimeout.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
