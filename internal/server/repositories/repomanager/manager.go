// Package repomanager vends repositories bound to a database handle or a
// transaction, and runs the schema migrations.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/entities"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/memberships"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/mutationkeys"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Users(db dbx.DBTX) users.Repository
	RefreshTokens(db dbx.DBTX) refreshtokens.Repository
	Entities(db dbx.DBTX) entities.Repository
	Memberships(db dbx.DBTX) memberships.Repository
	MutationKeys(db dbx.DBTX) mutationkeys.Repository
}
