package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// PgError unwraps a pgconn.PgError from err, or returns nil.
func PgError(err error) *pgconn.PgError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr
	}
	return nil
}
