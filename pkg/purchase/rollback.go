package purchase

import (
	"context"
	"errors"
	"path/filepath"
)

// cancel makes a best-effort return to the pre-Open state from whatever
// partial progress the attempt accumulated. It may run twice on the same
// request: every step checks status before acting, so a repeat invocation
// is a no-op. Failures are logged, never raised.
func (service *Service) cancel(ctx context.Context, state *attempt) {
	// Undo staged finalize moves first so the archives sit back on their
	// reserved paths before the rows are rewritten.
	for _, record := range state.moves {
		if service.vault.Move(record.temp, record.original) {
			continue
		}
		if service.vault.Move(record.final, record.original) {
			service.vault.PurgeEmptyParent(filepath.Dir(record.final))
		}
	}

	var restored []Unit
	err := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		restored = restored[:0]

		hold, holdErr := tx.GetHold(ctx, state.request.ID)
		if holdErr != nil && !errors.Is(holdErr, ErrHoldNotFound) {
			return holdErr
		}
		if holdErr == nil && hold.State != HoldReleased {
			// The status-guarded update is the idempotency latch: refund
			// exactly once even if cancel races with itself.
			if err := tx.UpdateHoldState(ctx, state.request.ID, hold.State, HoldReleased); err != nil {
				if !errors.Is(err, ErrStateConflict) {
					return err
				}
			} else if hold.Amount != 0 {
				if _, err := tx.AddToBalance(ctx, hold.UserID, hold.Amount); err != nil {
					return err
				}
			}
		}

		if len(state.soldIDs) > 0 {
			if err := tx.DeleteSoldRows(ctx, state.soldIDs); err != nil {
				return err
			}
		}
		if len(state.purchaseIDs) > 0 {
			if err := tx.DeletePurchaseRows(ctx, state.purchaseIDs); err != nil {
				return err
			}
		}

		details, detailsErr := tx.RequestAccounts(ctx, state.request.ID)
		if detailsErr != nil {
			return detailsErr
		}
		for _, detail := range details {
			unit, unitErr := tx.GetUnit(ctx, detail.UnitID)
			if unitErr != nil {
				return unitErr
			}
			if unit.Status != StatusReserved && unit.Status != StatusBought {
				// Already restored, or withdrawn to deleted by replacement.
				continue
			}
			if err := tx.UpdateUnitStatus(ctx, unit.ID, unit.Status, StatusForSale, service.forSalePath(unit)); err != nil {
				return err
			}
			if err := tx.InsertInventoryRow(ctx, unit.ID, unit.CategoryID, unit.ServiceType); err != nil {
				return err
			}
			restored = append(restored, unit)
		}

		if err := tx.UpdateRequestState(ctx, state.request.ID, RequestProcessing, RequestFailed); err != nil {
			if !errors.Is(err, ErrStateConflict) {
				return err
			}
			if err := tx.UpdateRequestState(ctx, state.request.ID, RequestCompleted, RequestFailed); err != nil && !errors.Is(err, ErrStateConflict) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationCancel, RequestID: state.request.ID, UserID: state.input.UserID, Error: err})
		return
	}

	// Move restored archives back into the for_sale zone. The unit row
	// already points there; a missing source means the file never left.
	categories := map[int64]struct{}{}
	unitIDs := make([]int64, 0, len(restored))
	for _, unit := range restored {
		categories[unit.CategoryID] = struct{}{}
		unitIDs = append(unitIDs, unit.ID)
		if !unit.ServiceType.HasArchive() {
			continue
		}
		source := service.vault.Abs(service.vault.RelPath(StatusReserved, unit.ServiceType, unit.UUID))
		if service.vault.Move(source, service.vault.Abs(service.forSalePath(unit))) {
			service.vault.PurgeEmptyParent(filepath.Dir(source))
		}
	}

	service.refresh(ctx, state.request.ID, func(ctx context.Context) error {
		return service.cache.RefreshUser(ctx, state.input.UserID)
	})
	for categoryID := range categories {
		id := categoryID
		service.refresh(ctx, state.request.ID, func(ctx context.Context) error {
			return service.cache.RefreshCategoryInventory(ctx, id)
		})
	}
	if len(unitIDs) > 0 {
		service.refresh(ctx, state.request.ID, func(ctx context.Context) error {
			return service.cache.RefreshUnits(ctx, unitIDs...)
		})
	}
	service.refresh(ctx, state.request.ID, func(ctx context.Context) error {
		return service.cache.RefreshUserSold(ctx, state.input.UserID)
	})

	service.logOperation(ctx, OperationLog{Operation: operationCancel, RequestID: state.request.ID, UserID: state.input.UserID})
}
