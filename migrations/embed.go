// Package migrations embeds the goose SQL migrations so binaries and tests
// can apply them without a checkout of the repository.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed *.sql
var FS embed.FS

// NewProvider returns a goose provider for the embedded migrations on a
// PostgreSQL database.
func NewProvider(db *sql.DB) (*goose.Provider, error) {
	return goose.NewProvider(database.DialectPostgres, db, FS)
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) ([]*goose.MigrationResult, error) {
	p, err := NewProvider(db)
	if err != nil {
		return nil, err
	}
	return p.Up(ctx)
}
