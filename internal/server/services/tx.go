// Package services contains server-side business logic: accounts and
// tokens, versioned entity writes with idempotency, the change feed and
// attachment URLs.
package services

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/roomies/internal/dbx"
)

// withTx is a seam for tests.
var withTx = func(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return dbx.WithTx(ctx, db, nil, fn)
}
