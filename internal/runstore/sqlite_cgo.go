//go:build cgo

package runstore

import (
	_ "github.com/mattn/go-sqlite3"
)
