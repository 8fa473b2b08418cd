package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reconwave/reconwave/internal/domain/scanning"
)

// ClassifyError distinguishes data-shape failures from transient ones.
// Postgres error classes 22 (data exception) and 23 (integrity constraint
// violation) mean the rows themselves are bad; retrying the same batch can
// never succeed, so callers drop it instead. Everything else passes through
// for the caller's backoff policy.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := pgErr.Code
		if len(class) >= 2 {
			class = class[:2]
		}
		if class == "22" || class == "23" {
			return fmt.Errorf("%w: %s (%s)", scanning.ErrDataIntegrity, pgErr.Message, pgErr.Code)
		}
	}
	// Encoding failures surface from the driver before a code is assigned.
	if strings.Contains(err.Error(), "invalid byte sequence") {
		return fmt.Errorf("%w: %v", scanning.ErrDataIntegrity, err)
	}
	return err
}

// IsRetryableConnError reports whether the failure is connection-level: the
// statement never reached the server, or the link dropped around it. The pool
// re-establishes connections on the next acquire, so re-running the same call
// once is safe.
func IsRetryableConnError(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return strings.Contains(err.Error(), "conn closed")
}
