package owners

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
)

func newTestService(t *testing.T, clock func() time.Time) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "owners.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate owner schema: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestEnsureActiveRegistersOnFirstContact(t *testing.T) {
	service := newTestService(t, func() time.Time { return time.Unix(1700000000, 0) })
	ctx := context.Background()

	if err := service.EnsureActive(ctx, " owner-1 "); err != nil {
		t.Fatalf("expected new owner to be active: %v", err)
	}
	stored, err := service.Get(ctx, "owner-1")
	if err != nil {
		t.Fatalf("expected owner to be registered: %v", err)
	}
	if !stored.Active() {
		t.Fatalf("expected active owner, got status %q", stored.Status)
	}
	// second call hits the cache and keeps a single row.
	if err := service.EnsureActive(ctx, "owner-1"); err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
}

func TestDeactivateBlocksOwnerAndNotifies(t *testing.T) {
	service := newTestService(t, func() time.Time { return time.Unix(1700000000, 0) })
	ctx := context.Background()
	if err := service.EnsureActive(ctx, "owner-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	var notified []ledger.OwnerID
	service.SetNotifier(func(owner ledger.OwnerID, reason string) {
		notified = append(notified, owner)
		if reason != "chargeback" {
			t.Fatalf("unexpected reason %q", reason)
		}
	})
	if err := service.Deactivate(ctx, "owner-1", "chargeback"); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if len(notified) != 1 || notified[0] != "owner-1" {
		t.Fatalf("expected one notification, got %v", notified)
	}
	if err := service.EnsureActive(ctx, "owner-1"); !errors.Is(err, ledger.ErrOwnerDeactivated) {
		t.Fatalf("expected owner deactivated error, got %v", err)
	}
}

func TestDeactivationWrittenElsewhereIsSeenAfterCacheExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	service := newTestService(t, func() time.Time { return now })
	ctx := context.Background()
	if err := service.EnsureActive(ctx, "owner-1"); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if err := service.db.Model(&Owner{}).Where("owner_id = ?", "owner-1").Update("status", string(StatusDeactivated)).Error; err != nil {
		t.Fatalf("direct update failed: %v", err)
	}
	if err := service.EnsureActive(ctx, "owner-1"); err != nil {
		t.Fatalf("expected cached active status, got %v", err)
	}

	now = now.Add(defaultCacheTTL + time.Second)
	if err := service.EnsureActive(ctx, "owner-1"); !errors.Is(err, ledger.ErrOwnerDeactivated) {
		t.Fatalf("expected deactivation after cache expiry, got %v", err)
	}
}

func TestEnsureActiveRejectsBlankOwner(t *testing.T) {
	service := newTestService(t, nil)
	if err := service.EnsureActive(context.Background(), "  "); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
