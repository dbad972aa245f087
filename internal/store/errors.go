package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a requested resource does not exist, is
// soft-deleted, or belongs to another workspace than the one queried.
var ErrNotFound = errors.New("not found")

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
