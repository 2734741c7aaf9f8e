package purchase

import (
	"context"
	"errors"
	"path/filepath"
)

const discardReasonInvalid = "failed_validation"

// replaceInvalid swaps unusable units for fresh candidates from the same
// category, rewriting the journal detail rows, until the request quantity is
// covered or the pool or the attempt budget is exhausted. It returns the
// full list of good units or ErrNotEnoughAccounts.
func (service *Service) replaceInvalid(ctx context.Context, state *attempt, valid []Unit, invalid []Unit) ([]Unit, error) {
	good := valid
	if err := service.discardUnits(ctx, state.category, invalid); err != nil {
		return nil, err
	}
	pending := invalid

	for attemptIndex := 0; attemptIndex < service.config.ReplacementAttemptsMax; attemptIndex++ {
		batchSize := service.config.ReplacementQueryLimit
		if len(pending) > batchSize {
			batchSize = len(pending)
		}
		if upper := len(pending) * 2; batchSize > upper {
			batchSize = upper
		}

		var candidates []Unit
		err := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
			locked, lockErr := tx.LockFreeUnits(ctx, state.category.ID, batchSize)
			if lockErr != nil {
				return lockErr
			}
			for index := range locked {
				reservedPath := service.reservedPath(locked[index])
				if err := tx.UpdateUnitStatus(ctx, locked[index].ID, StatusForSale, StatusReserved, reservedPath); err != nil {
					return err
				}
				locked[index].Status = StatusReserved
				locked[index].FilePath = reservedPath
			}
			candidates = locked
			return nil
		})
		if err != nil {
			return nil, WrapError(operationReplacement, "inventory", "reserve_batch", err)
		}
		if len(candidates) == 0 {
			return nil, ErrNotEnoughAccounts
		}
		for _, candidate := range candidates {
			if !candidate.ServiceType.HasArchive() {
				continue
			}
			source := service.vault.Abs(service.vault.RelPath(StatusForSale, candidate.ServiceType, candidate.UUID))
			if !service.vault.Move(source, service.vault.Abs(candidate.FilePath)) {
				service.releaseCandidates(ctx, candidates)
				return nil, WrapError(operationReplacement, "artifact", "reserve_move", ErrInternal)
			}
			service.vault.PurgeEmptyParent(filepath.Dir(source))
		}

		goodCandidates, badCandidates := service.validateUnits(ctx, candidates)

		paired := len(goodCandidates)
		if paired > len(pending) {
			paired = len(pending)
		}
		surplus := goodCandidates[paired:]
		err = service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
			if err := service.discardRowsTx(ctx, tx, state.category, badCandidates); err != nil {
				return err
			}
			for index := 0; index < paired; index++ {
				if err := tx.RewriteRequestAccount(ctx, state.request.ID, pending[index].ID, goodCandidates[index].ID); err != nil {
					return err
				}
			}
			for _, unit := range surplus {
				if err := tx.UpdateUnitStatus(ctx, unit.ID, StatusReserved, StatusForSale, service.forSalePath(unit)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			service.releaseCandidates(ctx, candidates)
			return nil, WrapError(operationReplacement, "journal", "rewrite", err)
		}
		service.discardFiles(ctx, badCandidates)
		for _, unit := range surplus {
			if !unit.ServiceType.HasArchive() {
				continue
			}
			source := service.vault.Abs(unit.FilePath)
			if service.vault.Move(source, service.vault.Abs(service.forSalePath(unit))) {
				service.vault.PurgeEmptyParent(filepath.Dir(source))
			}
		}

		good = append(good, goodCandidates[:paired]...)
		pending = pending[paired:]
		if len(pending) == 0 {
			return good, nil
		}
	}
	return nil, ErrNotEnoughAccounts
}

// releaseCandidates returns a failed round's reserved candidates to the
// shelf. Candidates are not journal detail rows yet, so cancel cannot see
// them; a candidate left reserved here would be stranded for good. Failures
// are logged, the caller's error already cancels the attempt.
func (service *Service) releaseCandidates(ctx context.Context, candidates []Unit) {
	err := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		for _, unit := range candidates {
			updateErr := tx.UpdateUnitStatus(ctx, unit.ID, StatusReserved, StatusForSale, service.forSalePath(unit))
			if updateErr != nil && !errors.Is(updateErr, ErrStateConflict) {
				return updateErr
			}
			if err := tx.InsertInventoryRow(ctx, unit.ID, unit.CategoryID, unit.ServiceType); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationReplacement, Error: WrapError(operationReplacement, "inventory", "release_batch", err)})
		return
	}
	for _, unit := range candidates {
		if !unit.ServiceType.HasArchive() {
			continue
		}
		source := service.vault.Abs(unit.FilePath)
		if service.vault.Move(source, service.vault.Abs(service.forSalePath(unit))) {
			service.vault.PurgeEmptyParent(filepath.Dir(source))
		}
	}
}

// discardUnits withdraws invalid reserved units: journal rows in one
// transaction, artifact moves and the structured log event around it.
func (service *Service) discardUnits(ctx context.Context, category Category, units []Unit) error {
	if len(units) == 0 {
		return nil
	}
	err := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		return service.discardRowsTx(ctx, tx, category, units)
	})
	if err != nil {
		return WrapError(operationReplacement, "unit", "discard", err)
	}
	service.discardFiles(ctx, units)
	return nil
}

// discardRowsTx flips units to deleted, drops their inventory rows and
// appends deleted rows with the category snapshot. Runs inside the caller's
// transaction.
func (service *Service) discardRowsTx(ctx context.Context, tx Store, category Category, units []Unit) error {
	if len(units) == 0 {
		return nil
	}
	translations, err := tx.CategoryTranslations(ctx, category.ID)
	if err != nil {
		return err
	}
	now := service.nowFn()
	for _, unit := range units {
		deletedPath := ""
		if unit.ServiceType.HasArchive() {
			deletedPath = service.vault.RelPath(StatusDeleted, unit.ServiceType, unit.UUID)
		}
		if err := tx.UpdateUnitStatus(ctx, unit.ID, StatusReserved, StatusDeleted, deletedPath); err != nil {
			return err
		}
		if err := tx.DeleteInventoryRow(ctx, unit.ID); err != nil {
			return err
		}
		row := DeletedRow{
			UnitID:         unit.ID,
			Reason:         discardReasonInvalid,
			DeletedUnixUTC: now,
			Translations:   translations,
		}
		if err := tx.InsertDeletedRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// discardFiles moves discarded archives into the deleted zone and emits the
// invalid-account log event per unit. Failures are logged, never raised: the
// rows already say deleted and the deleted zone is terminal.
func (service *Service) discardFiles(ctx context.Context, units []Unit) {
	for _, unit := range units {
		if unit.ServiceType.HasArchive() {
			source := service.vault.Abs(unit.FilePath)
			destination := service.vault.Abs(service.vault.RelPath(StatusDeleted, unit.ServiceType, unit.UUID))
			if service.vault.Move(source, destination) {
				service.vault.PurgeEmptyParent(filepath.Dir(source))
			}
		}
		service.logOperation(ctx, OperationLog{Operation: operationInvalidAccount, UnitID: unit.ID})
	}
}
