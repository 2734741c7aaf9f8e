package purchase

import (
	"context"
	"errors"
	"testing"
)

func TestPurchaseReplacesInvalidUnit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addArchiveUnit(1, "+spare")
	h.addArchiveUnit(2, "+good")
	h.addArchiveUnit(3, "+bad")
	h.checker.bad["+bad"] = true

	outcome := h.service.Purchase(context.Background(), PurchaseInput{
		UserID:     testUserID,
		CategoryID: testCategoryID,
		Quantity:   2,
	})

	if outcome.Code != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", outcome.Code, outcome.Reason)
	}
	// Units 3 and 2 were reserved first; the invalid unit 3 is swapped for
	// the spare unit 1.
	if len(outcome.UnitIDs) != 2 || outcome.UnitIDs[0] != 2 || outcome.UnitIDs[1] != 1 {
		t.Fatalf("expected units [2 1], got %v", outcome.UnitIDs)
	}
	if got := h.balance(t, testUserID); got != 800 {
		t.Fatalf("expected balance 800, got %d", got)
	}

	invalid := h.mustUnit(t, 3)
	if invalid.Status != StatusDeleted {
		t.Fatalf("expected invalid unit deleted, got %s", invalid.Status)
	}
	deletedAbs := h.vault.Abs(h.vault.RelPath(StatusDeleted, invalid.ServiceType, invalid.UUID))
	if !h.vault.files[deletedAbs] {
		t.Fatalf("expected invalid archive in deleted zone")
	}
	if len(h.store.deleted) != 1 {
		t.Fatalf("expected 1 deleted row, got %d", len(h.store.deleted))
	}
	row := h.store.deleted[0]
	if row.UnitID != 3 || row.Reason != "failed_validation" || len(row.Translations) == 0 {
		t.Fatalf("unexpected deleted row: %+v", row)
	}

	// The journal detail now names the replacement, not the withdrawn unit.
	detail := h.store.details[outcome.RequestID]
	seen := map[int64]bool{}
	for _, unitID := range detail {
		seen[unitID] = true
	}
	if len(detail) != 2 || !seen[1] || !seen[2] || seen[3] {
		t.Fatalf("unexpected journal detail: %v", detail)
	}

	if free, _ := h.store.CountFreeUnits(context.Background(), testCategoryID); free != 0 {
		t.Fatalf("expected empty shelf, got %d", free)
	}
	if len(h.store.sold) != 2 {
		t.Fatalf("expected 2 sold rows, got %d", len(h.store.sold))
	}
}

func TestPurchaseReturnsSurplusCandidatesToShelf(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addArchiveUnit(1, "+spare1")
	h.addArchiveUnit(2, "+spare2")
	h.addArchiveUnit(3, "+bad")
	h.checker.bad["+bad"] = true

	outcome := h.service.Purchase(context.Background(), PurchaseInput{
		UserID:     testUserID,
		CategoryID: testCategoryID,
		Quantity:   1,
	})

	if outcome.Code != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", outcome.Code, outcome.Reason)
	}
	if len(outcome.UnitIDs) != 1 {
		t.Fatalf("expected one unit, got %v", outcome.UnitIDs)
	}

	// One candidate replaced the invalid unit, the surplus one went back.
	var forSale int
	for _, unitID := range []int64{1, 2} {
		unit := h.mustUnit(t, unitID)
		switch unit.Status {
		case StatusForSale:
			forSale++
			forSaleAbs := h.vault.Abs(h.vault.RelPath(StatusForSale, unit.ServiceType, unit.UUID))
			if !h.vault.files[forSaleAbs] {
				t.Fatalf("expected surplus archive of unit %d back in for_sale zone", unitID)
			}
		case StatusBought:
		default:
			t.Fatalf("unexpected status for unit %d: %s", unitID, unit.Status)
		}
	}
	if forSale != 1 {
		t.Fatalf("expected exactly one surplus unit back on the shelf, got %d", forSale)
	}
}

func TestPurchaseCancelsWhenReplacementPoolExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addArchiveUnit(1, "+bad")
	h.checker.bad["+bad"] = true

	outcome := h.service.Purchase(context.Background(), PurchaseInput{
		UserID:     testUserID,
		CategoryID: testCategoryID,
		Quantity:   1,
	})

	if outcome.Code != OutcomeInternal {
		t.Fatalf("expected internal cancellation, got %s", outcome.Code)
	}
	if !errors.Is(outcome.Reason, ErrNotEnoughAccounts) {
		t.Fatalf("expected not enough accounts reason, got %v", outcome.Reason)
	}
	if got := h.balance(t, testUserID); got != 1000 {
		t.Fatalf("expected refunded balance 1000, got %d", got)
	}
	if unit := h.mustUnit(t, 1); unit.Status != StatusDeleted {
		t.Fatalf("expected invalid unit withdrawn, got %s", unit.Status)
	}
	if len(h.store.sold) != 0 || len(h.store.purchases) != 0 {
		t.Fatalf("expected no sale records, got %d/%d", len(h.store.sold), len(h.store.purchases))
	}

	var request PurchaseRequest
	for _, candidate := range h.store.requests {
		request = candidate
	}
	if request.State != RequestFailed {
		t.Fatalf("expected failed request, got %s", request.State)
	}
	hold := h.mustHold(t, request.ID)
	if hold.State != HoldReleased {
		t.Fatalf("expected released hold, got %s", hold.State)
	}
}

func TestPurchaseReleasesCandidatesWhenStagingFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	spare := h.addArchiveUnit(1, "+spare")
	h.addArchiveUnit(2, "+bad")
	h.checker.bad["+bad"] = true
	// The spare's archive is gone, so staging it for replacement fails
	// after it was already reserved.
	delete(h.vault.files, h.vault.Abs(spare.FilePath))

	outcome := h.service.Purchase(context.Background(), PurchaseInput{
		UserID:     testUserID,
		CategoryID: testCategoryID,
		Quantity:   1,
	})

	if outcome.Code != OutcomeInternal {
		t.Fatalf("expected internal cancellation, got %s (%v)", outcome.Code, outcome.Reason)
	}
	if got := h.balance(t, testUserID); got != 1000 {
		t.Fatalf("expected refunded balance 1000, got %d", got)
	}

	// The candidate is not a journal detail row, so rollback never sees it:
	// the release must happen inside the replacement round.
	if unit := h.mustUnit(t, 1); unit.Status != StatusForSale {
		t.Fatalf("expected candidate back on the shelf, got %s", unit.Status)
	}
	if free, _ := h.store.CountFreeUnits(context.Background(), testCategoryID); free != 1 {
		t.Fatalf("expected 1 free unit, got %d", free)
	}

	var request PurchaseRequest
	for _, candidate := range h.store.requests {
		request = candidate
	}
	if request.State != RequestFailed {
		t.Fatalf("expected failed request, got %s", request.State)
	}
	if hold := h.mustHold(t, request.ID); hold.State != HoldReleased {
		t.Fatalf("expected released hold, got %s", hold.State)
	}
}

func TestPurchaseReplacementKeepsFreshCandidatesOnlyOnBadBatches(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	// Every unit on the shelf fails validation: the attempt budget runs out
	// and the whole pool ends up withdrawn.
	for id := int64(1); id <= 4; id++ {
		h.addArchiveUnit(id, "+bad")
	}
	h.checker.bad["+bad"] = true

	outcome := h.service.Purchase(context.Background(), PurchaseInput{
		UserID:     testUserID,
		CategoryID: testCategoryID,
		Quantity:   1,
	})

	if outcome.Code != OutcomeInternal {
		t.Fatalf("expected internal cancellation, got %s", outcome.Code)
	}
	if got := h.balance(t, testUserID); got != 1000 {
		t.Fatalf("expected refunded balance, got %d", got)
	}
	for _, row := range h.store.deleted {
		if row.Reason != "failed_validation" {
			t.Fatalf("unexpected withdraw reason: %+v", row)
		}
	}
	if free, _ := h.store.CountFreeUnits(context.Background(), testCategoryID); free != 0 {
		t.Fatalf("expected no withdrawn unit back on the shelf, got %d", free)
	}
}
