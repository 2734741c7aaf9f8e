package purchase

import (
	"context"
	"path/filepath"
)

const partSuffix = ".part"

// finalize commits the sale atomically across filesystem and database:
// stage archive moves to .part sidecars, commit all rows in one
// transaction, atomically rename the sidecars, then refresh projections and
// publish events.
func (service *Service) finalize(ctx context.Context, state *attempt) error {
	for _, unit := range state.units {
		if !unit.ServiceType.HasArchive() {
			continue
		}
		finalAbs := service.vault.Abs(service.vault.RelPath(StatusBought, unit.ServiceType, unit.UUID))
		record := moveRecord{
			unitID:   unit.ID,
			original: service.vault.Abs(unit.FilePath),
			temp:     finalAbs + partSuffix,
			final:    finalAbs,
		}
		if !service.vault.Move(record.original, record.temp) {
			service.logOperation(ctx, OperationLog{Operation: operationFileMoveFailure, RequestID: state.request.ID, UnitID: unit.ID, Error: ErrInternal})
			return WrapError(operationFinalize, "artifact", "stage_move", ErrInternal)
		}
		state.moves = append(state.moves, record)
	}

	perUnit := perUnitPrice(state.finalTotal, state.request.Quantity)
	err := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		translations, err := tx.CategoryTranslations(ctx, state.category.ID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		for _, unit := range state.units {
			if err := tx.DeleteInventoryRow(ctx, unit.ID); err != nil {
				return err
			}
			soldID, err := tx.InsertSoldRow(ctx, SoldRow{
				UserID:        state.input.UserID,
				UnitID:        unit.ID,
				ServiceType:   unit.ServiceType,
				SoldAtUnixUTC: now,
				Translations:  translations,
			})
			if err != nil {
				return err
			}
			purchaseID, err := tx.InsertPurchaseRow(ctx, PurchaseRow{
				UserID:        state.input.UserID,
				UnitID:        unit.ID,
				OriginalPrice: state.category.Price,
				PurchasePrice: perUnit,
				CostPrice:     state.category.Cost,
				NetProfit:     perUnit - state.category.Cost,
				DateUnixUTC:   now,
			})
			if err != nil {
				return err
			}
			boughtPath := ""
			if unit.ServiceType.HasArchive() {
				boughtPath = service.vault.RelPath(StatusBought, unit.ServiceType, unit.UUID)
			}
			if err := tx.UpdateUnitStatus(ctx, unit.ID, StatusReserved, StatusBought, boughtPath); err != nil {
				return err
			}
			state.soldIDs = append(state.soldIDs, soldID)
			state.purchaseIDs = append(state.purchaseIDs, purchaseID)
			state.records = append(state.records, UnitPurchaseRecord{
				StorageID:     unit.ID,
				SoldID:        soldID,
				PurchaseID:    purchaseID,
				CostPrice:     state.category.Cost,
				PurchasePrice: perUnit,
				NetProfit:     perUnit - state.category.Cost,
			})
		}
		if err := tx.UpdateRequestState(ctx, state.request.ID, RequestProcessing, RequestCompleted); err != nil {
			return err
		}
		return tx.UpdateHoldState(ctx, state.request.ID, HoldHeld, HoldUsed)
	})
	if err != nil {
		return WrapError(operationFinalize, "journal", "commit", err)
	}

	for _, record := range state.moves {
		if !service.vault.Rename(record.temp, record.final) {
			service.logOperation(ctx, OperationLog{Operation: operationFileMoveFailure, RequestID: state.request.ID, UnitID: record.unitID, Error: ErrInternal})
			return WrapError(operationFinalize, "artifact", "final_rename", ErrInternal)
		}
		service.vault.PurgeEmptyParent(filepath.Dir(record.original))
	}

	service.refreshAfterSale(ctx, state)
	service.publishPurchaseEvents(ctx, state)
	return nil
}

// perUnitPrice floors the total across the quantity; a zero total stays
// zero per unit.
func perUnitPrice(finalTotal int64, quantity int) int64 {
	if finalTotal <= 0 || quantity <= 0 {
		return finalTotal
	}
	return finalTotal / int64(quantity)
}

func (service *Service) refreshAfterSale(ctx context.Context, state *attempt) {
	unitIDs := make([]int64, 0, len(state.units))
	for _, unit := range state.units {
		unitIDs = append(unitIDs, unit.ID)
	}
	service.refresh(ctx, state.request.ID, func(ctx context.Context) error {
		return service.cache.RefreshUser(ctx, state.input.UserID)
	})
	service.refresh(ctx, state.request.ID, func(ctx context.Context) error {
		return service.cache.RefreshCategoryInventory(ctx, state.category.ID)
	})
	service.refresh(ctx, state.request.ID, func(ctx context.Context) error {
		return service.cache.RefreshUnits(ctx, unitIDs...)
	})
	service.refresh(ctx, state.request.ID, func(ctx context.Context) error {
		return service.cache.RefreshUserSold(ctx, state.input.UserID, unitIDs...)
	})
}

// refresh runs one projection rebuild; failures are logged, never raised.
func (service *Service) refresh(ctx context.Context, requestID string, fn func(ctx context.Context) error) {
	if err := fn(ctx); err != nil {
		service.logOperation(ctx, OperationLog{Operation: "cache_refresh", RequestID: requestID, Error: err})
	}
}

// publishPurchaseEvents emits promo_code.activated once when a promo was
// used, then one account.purchase event per sold unit. The sale is already
// committed, so publish failures are logged and delivery stays
// at-least-once from the consumer's perspective.
func (service *Service) publishPurchaseEvents(ctx context.Context, state *attempt) {
	if state.request.PromoID != nil {
		event := PromoActivatedEvent{PromoCodeID: *state.request.PromoID, UserID: state.input.UserID}
		if err := service.events.PublishPromoActivated(ctx, event); err != nil {
			service.logOperation(ctx, OperationLog{Operation: EventPromoActivated, RequestID: state.request.ID, Error: err})
		}
	}
	accountsLeft, err := service.store.CountFreeUnits(ctx, state.category.ID)
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: EventAccountPurchase, RequestID: state.request.ID, Error: err})
		// AccountsUnknown keeps a failed count distinguishable from an
		// empty shelf.
		accountsLeft = AccountsUnknown
	}
	for _, record := range state.records {
		event := AccountPurchaseEvent{
			UserID:            state.input.UserID,
			CategoryID:        state.category.ID,
			AmountPurchase:    state.finalTotal,
			Record:            record,
			UserBalanceBefore: state.balanceBefore,
			UserBalanceAfter:  state.balanceAfter,
			AccountsLeft:      accountsLeft,
		}
		if err := service.events.PublishAccountPurchase(ctx, event); err != nil {
			service.logOperation(ctx, OperationLog{Operation: EventAccountPurchase, RequestID: state.request.ID, UnitID: record.StorageID, Error: err})
		}
	}
}
