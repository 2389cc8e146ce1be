//go:build cgo
// +build cgo

package store

import (
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteDriver = "sqlite3"

// sqliteDSN applies the per-connection pragmas through go-sqlite3's DSN
// parameters so every pooled connection gets them.
func sqliteDSN(path string) string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL&_txlock=immediate&_foreign_keys=off",
		path, busyTimeout.Milliseconds())
}
