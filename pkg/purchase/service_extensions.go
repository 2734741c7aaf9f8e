package purchase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	algorithmAESGCM   = "aes-gcm-256"
	currentKeyVersion = 1

	deleteReasonOwner = "owner_delete"
)

// IngestArchiveInput describes one plaintext session directory to take into
// stock.
type IngestArchiveInput struct {
	CategoryID int64
	Phone      string
	SourceDir  string
}

// IngestArchive encrypts a session directory into a new for_sale unit:
// fresh data key, zipped and sealed archive, key wrapped under the KEK,
// inventory row inserted, projections refreshed.
func (service *Service) IngestArchive(ctx context.Context, input IngestArchiveInput) (Unit, error) {
	category, err := service.store.GetCategory(ctx, input.CategoryID)
	if err != nil {
		return Unit{}, err
	}
	if !category.IsStorage || !category.ServiceType.HasArchive() {
		return Unit{}, fmt.Errorf("%w: category %d does not take archives", ErrInvalidServiceConfig, input.CategoryID)
	}

	key, err := service.envelope.NewDataKey()
	if err != nil {
		return Unit{}, WrapError(operationIngest, "envelope", "data_key", err)
	}
	blob, err := service.envelope.EncryptFromDir(input.SourceDir, key)
	if err != nil {
		return Unit{}, WrapError(operationIngest, "envelope", "encrypt", err)
	}
	wrappedB64, nonceB64, err := service.envelope.WrapKey(key)
	if err != nil {
		return Unit{}, WrapError(operationIngest, "envelope", "wrap_key", err)
	}

	unitUUID := uuid.NewString()
	relPath := service.vault.RelPath(StatusForSale, category.ServiceType, unitUUID)
	if err := service.vault.WriteFile(service.vault.Abs(relPath), blob); err != nil {
		return Unit{}, WrapError(operationIngest, "artifact", "write", err)
	}
	checksum := sha256.Sum256(blob)

	unit := Unit{
		UUID:           unitUUID,
		CategoryID:     category.ID,
		ServiceType:    category.ServiceType,
		FilePath:       relPath,
		Checksum:       hex.EncodeToString(checksum[:]),
		WrappedKeyB64:  wrappedB64,
		KeyNonceB64:    nonceB64,
		KeyVersion:     currentKeyVersion,
		Algorithm:      algorithmAESGCM,
		Phone:          input.Phone,
		Status:         StatusForSale,
		IsActive:       true,
		IsValid:        true,
		AddedAtUnixUTC: service.nowFn(),
	}
	err = service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		unitID, insertErr := tx.InsertUnit(ctx, unit)
		if insertErr != nil {
			return insertErr
		}
		unit.ID = unitID
		return tx.InsertInventoryRow(ctx, unitID, category.ID, category.ServiceType)
	})
	if err != nil {
		return Unit{}, WrapError(operationIngest, "unit", "insert", err)
	}

	service.refresh(ctx, "", func(ctx context.Context) error {
		return service.cache.RefreshCategoryInventory(ctx, category.ID)
	})
	service.refresh(ctx, "", func(ctx context.Context) error {
		return service.cache.RefreshUnits(ctx, unit.ID)
	})
	service.logOperation(ctx, OperationLog{Operation: operationIngest, UnitID: unit.ID})
	return unit, nil
}

// IngestCredential takes a login/password unit into stock. Credentials
// arrive already encrypted; there is no archive on disk for these.
func (service *Service) IngestCredential(ctx context.Context, categoryID int64, phone, loginCiphertext, passwordCiphertext string) (Unit, error) {
	category, err := service.store.GetCategory(ctx, categoryID)
	if err != nil {
		return Unit{}, err
	}
	if !category.IsStorage || category.ServiceType.HasArchive() {
		return Unit{}, fmt.Errorf("%w: category %d does not take credentials", ErrInvalidServiceConfig, categoryID)
	}

	unit := Unit{
		UUID:               uuid.NewString(),
		CategoryID:         category.ID,
		ServiceType:        category.ServiceType,
		Phone:              phone,
		LoginCiphertext:    loginCiphertext,
		PasswordCiphertext: passwordCiphertext,
		Status:             StatusForSale,
		IsActive:           true,
		IsValid:            true,
		AddedAtUnixUTC:     service.nowFn(),
	}
	err = service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		unitID, insertErr := tx.InsertUnit(ctx, unit)
		if insertErr != nil {
			return insertErr
		}
		unit.ID = unitID
		return tx.InsertInventoryRow(ctx, unitID, category.ID, category.ServiceType)
	})
	if err != nil {
		return Unit{}, WrapError(operationIngest, "unit", "insert", err)
	}

	service.refresh(ctx, "", func(ctx context.Context) error {
		return service.cache.RefreshCategoryInventory(ctx, category.ID)
	})
	service.logOperation(ctx, OperationLog{Operation: operationIngest, UnitID: unit.ID})
	return unit, nil
}

// Export decrypts a bought archive unit into a scratch directory for
// handoff to its owner. The caller owns the directory and must remove it.
func (service *Service) Export(ctx context.Context, userID, unitID int64) (string, error) {
	owner, err := service.store.GetSoldOwner(ctx, unitID)
	if err != nil {
		return "", err
	}
	if owner != userID {
		return "", ErrNotOwner
	}
	unit, err := service.store.GetUnit(ctx, unitID)
	if err != nil {
		return "", err
	}
	if unit.Status != StatusBought {
		return "", fmt.Errorf("%w: unit %d is %s", ErrStateConflict, unitID, unit.Status)
	}
	if !unit.ServiceType.HasArchive() {
		return "", fmt.Errorf("%w: unit %d has no archive", ErrUnitNotFound, unitID)
	}
	key, err := service.envelope.UnwrapKey(unit.WrappedKeyB64, unit.KeyNonceB64)
	if err != nil {
		return "", WrapError(operationExport, "envelope", "unwrap", err)
	}
	scratchDir, err := service.envelope.DecryptToScratch(ctx, service.vault.Abs(unit.FilePath), key)
	if err != nil {
		return "", WrapError(operationExport, "envelope", "decrypt", err)
	}
	service.logOperation(ctx, OperationLog{Operation: operationExport, UserID: userID, UnitID: unitID})
	return scratchDir, nil
}

// DeleteBought is the owner-initiated terminal transition of a bought unit:
// the sold row is deactivated, a deleted row is appended and the archive
// moves to the deleted zone.
func (service *Service) DeleteBought(ctx context.Context, userID, unitID int64) error {
	var unit Unit
	err := service.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		owner, ownerErr := tx.GetSoldOwner(ctx, unitID)
		if ownerErr != nil {
			return ownerErr
		}
		if owner != userID {
			return ErrNotOwner
		}
		loaded, unitErr := tx.GetUnit(ctx, unitID)
		if unitErr != nil {
			return unitErr
		}
		unit = loaded
		translations, translationsErr := tx.CategoryTranslations(ctx, unit.CategoryID)
		if translationsErr != nil {
			return translationsErr
		}
		deletedPath := ""
		if unit.ServiceType.HasArchive() {
			deletedPath = service.vault.RelPath(StatusDeleted, unit.ServiceType, unit.UUID)
		}
		if err := tx.UpdateUnitStatus(ctx, unit.ID, StatusBought, StatusDeleted, deletedPath); err != nil {
			return err
		}
		if err := tx.DeactivateSoldRow(ctx, unit.ID); err != nil {
			return err
		}
		owner64 := userID
		return tx.InsertDeletedRow(ctx, DeletedRow{
			UnitID:         unit.ID,
			UserID:         &owner64,
			Reason:         deleteReasonOwner,
			DeletedUnixUTC: service.nowFn(),
			Translations:   translations,
		})
	})
	if err != nil {
		return WrapError(operationDelete, "unit", "delete", err)
	}

	if unit.ServiceType.HasArchive() {
		source := service.vault.Abs(unit.FilePath)
		destination := service.vault.Abs(service.vault.RelPath(StatusDeleted, unit.ServiceType, unit.UUID))
		if service.vault.Move(source, destination) {
			service.vault.PurgeEmptyParent(filepath.Dir(source))
		}
	}
	service.refresh(ctx, "", func(ctx context.Context) error {
		return service.cache.RefreshUserSold(ctx, userID, unit.ID)
	})
	service.refresh(ctx, "", func(ctx context.Context) error {
		return service.cache.RefreshUnits(ctx, unit.ID)
	})
	service.logOperation(ctx, OperationLog{Operation: operationDelete, UserID: userID, UnitID: unitID})
	return nil
}
