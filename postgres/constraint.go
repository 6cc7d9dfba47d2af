package postgres

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// uniqueViolation returns the name of the violated constraint,
// if err is a unique violation reported by PostgreSQL.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError

	if err == nil || !errors.As(err, &pgErr) {
		return "", false
	}

	if pgErr.Code != pgerrcode.UniqueViolation {
		return "", false
	}

	return pgErr.ConstraintName, true
}
