// Package migrations embeds the goose SQL migrations so binaries and tests
// can apply them without a checkout of the repository.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Dir is the directory inside FS that goose reads from.
const Dir = "."

// Setup points goose at the embedded migrations.
func Setup() error {
	goose.SetBaseFS(FS)
	return goose.SetDialect("postgres")
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Setup(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, Dir)
}
