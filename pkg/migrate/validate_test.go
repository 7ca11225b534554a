package migrate_test

import (
	"testing"

	"github.com/greenbasket/greenbasket-backend/pkg/migrate"
)

func TestValidateDirAcceptsRepoMigrations(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("repo migrations failed validation: %v", err)
	}
}
