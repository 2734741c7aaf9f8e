package purchase

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestIngestArchiveStocksNewUnit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	unit, err := h.service.IngestArchive(context.Background(), IngestArchiveInput{
		CategoryID: testCategoryID,
		Phone:      "+2000001",
		SourceDir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if unit.ID == 0 || unit.UUID == "" {
		t.Fatalf("expected assigned identifiers, got %+v", unit)
	}
	if unit.Status != StatusForSale || unit.Algorithm != "aes-gcm-256" || unit.KeyVersion != 1 {
		t.Fatalf("unexpected unit: %+v", unit)
	}
	if unit.Checksum == "" || unit.WrappedKeyB64 == "" || unit.KeyNonceB64 == "" {
		t.Fatalf("expected key material and checksum, got %+v", unit)
	}
	if !h.vault.files[h.vault.Abs(unit.FilePath)] {
		t.Fatalf("expected archive written to %s", unit.FilePath)
	}
	if free, _ := h.store.CountFreeUnits(context.Background(), testCategoryID); free != 1 {
		t.Fatalf("expected unit on the shelf, got %d free", free)
	}
}

func TestIngestArchiveRejectsCredentialCategory(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.categories[2] = Category{ID: 2, ServiceType: ServiceOther, IsStorage: true, Price: 50}

	_, err := h.service.IngestArchive(context.Background(), IngestArchiveInput{CategoryID: 2, SourceDir: t.TempDir()})
	if !errors.Is(err, ErrInvalidServiceConfig) {
		t.Fatalf("expected invalid service config, got %v", err)
	}
}

func TestIngestCredentialStocksNewUnit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.categories[2] = Category{ID: 2, ServiceType: ServiceOther, IsStorage: true, Price: 50}

	unit, err := h.service.IngestCredential(context.Background(), 2, "+2000002", "enc-login", "enc-password")
	if err != nil {
		t.Fatalf("ingest credential: %v", err)
	}
	if unit.FilePath != "" || unit.LoginCiphertext != "enc-login" {
		t.Fatalf("unexpected unit: %+v", unit)
	}
	if free, _ := h.store.CountFreeUnits(context.Background(), 2); free != 1 {
		t.Fatalf("expected unit on the shelf, got %d free", free)
	}
}

func TestExportDecryptsForOwnerOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addArchiveUnit(1, "+1000001")

	outcome := h.service.Purchase(context.Background(), PurchaseInput{
		UserID:     testUserID,
		CategoryID: testCategoryID,
		Quantity:   1,
	})
	if outcome.Code != OutcomeCompleted {
		t.Fatalf("purchase: %s (%v)", outcome.Code, outcome.Reason)
	}
	unitID := outcome.UnitIDs[0]

	if _, err := h.service.Export(context.Background(), 999, unitID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}

	scratchDir, err := h.service.Export(context.Background(), testUserID, unitID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer func() { _ = os.RemoveAll(scratchDir) }()
	if scratchDir == "" {
		t.Fatalf("expected scratch directory")
	}
}

func TestDeleteBoughtWithdrawsUnit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addArchiveUnit(1, "+1000001")

	outcome := h.service.Purchase(context.Background(), PurchaseInput{
		UserID:     testUserID,
		CategoryID: testCategoryID,
		Quantity:   1,
	})
	if outcome.Code != OutcomeCompleted {
		t.Fatalf("purchase: %s (%v)", outcome.Code, outcome.Reason)
	}
	unitID := outcome.UnitIDs[0]

	if err := h.service.DeleteBought(context.Background(), 999, unitID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}

	if err := h.service.DeleteBought(context.Background(), testUserID, unitID); err != nil {
		t.Fatalf("delete bought: %v", err)
	}

	unit := h.mustUnit(t, unitID)
	if unit.Status != StatusDeleted {
		t.Fatalf("expected deleted unit, got %s", unit.Status)
	}
	deletedAbs := h.vault.Abs(h.vault.RelPath(StatusDeleted, unit.ServiceType, unit.UUID))
	if !h.vault.files[deletedAbs] {
		t.Fatalf("expected archive in deleted zone")
	}
	if len(h.store.deleted) != 1 || h.store.deleted[0].Reason != "owner_delete" {
		t.Fatalf("unexpected deleted rows: %+v", h.store.deleted)
	}
	if h.store.deleted[0].UserID == nil || *h.store.deleted[0].UserID != testUserID {
		t.Fatalf("expected owner recorded on deleted row")
	}

	// The sold row is deactivated, so a second delete no longer finds an
	// owner.
	if err := h.service.DeleteBought(context.Background(), testUserID, unitID); err == nil {
		t.Fatalf("expected second delete to fail")
	}
}
