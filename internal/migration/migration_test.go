package migration_test

import (
	"testing"

	"github.com/smallbiznis/meterly/internal/migration"
	"github.com/smallbiznis/meterly/internal/migration/migrationtest"
)

func TestMigrateCreatesTables(t *testing.T) {
	db := migrationtest.OpenDB(t)

	for _, table := range []string{"users", "subscriptions", "operations", "billing_records"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}
	if !db.Migrator().HasIndex("billing_records", "idx_billing_records_external_event_id") {
		t.Fatalf("expected unique index on billing_records.external_event_id")
	}
	if !db.Migrator().HasIndex("subscriptions", "idx_subscriptions_external_subscription_id") {
		t.Fatalf("expected unique index on subscriptions.external_subscription_id")
	}

	// Idempotent on an existing schema.
	if err := migration.Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestMigrateRejectsNilHandle(t *testing.T) {
	if err := migration.Migrate(nil); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
