package gormstore

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/NovaMarketLab/accountshop/pkg/purchase"
)

// Read-only helpers used by the cache projections and the HTTP façade.
// These never lock rows.

func (store *Store) GetUserBalance(ctx context.Context, userID int64) (int64, error) {
	var model User
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectUser, errorCodeGet, purchase.ErrUserNotFound)
		}
		return 0, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return model.Balance, nil
}

func (store *Store) ListUserSoldUnitIDs(ctx context.Context, userID int64) ([]int64, error) {
	var unitIDs []int64
	err := store.db.WithContext(ctx).
		Model(&SoldRow{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("sold_at DESC").
		Pluck("unit_id", &unitIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSold, errorCodeList, err)
	}
	return unitIDs, nil
}
