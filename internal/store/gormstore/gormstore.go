package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/NovaMarketLab/accountshop/pkg/purchase"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	sqliteDialectName     = "sqlite"

	errorOperationStore   = "store"
	errorSubjectCategory  = "category"
	errorSubjectUnit      = "unit"
	errorSubjectInventory = "inventory"
	errorSubjectSold      = "sold"
	errorSubjectPurchase  = "purchase"
	errorSubjectDeleted   = "deleted"
	errorSubjectRequest   = "request"
	errorSubjectHold      = "hold"
	errorSubjectUser      = "user"
	errorCodeGet          = "get"
	errorCodeList         = "list"
	errorCodeInsert       = "insert"
	errorCodeDelete       = "delete"
	errorCodeUpdate       = "update"
	errorCodeDuplicate    = "duplicate"
	errorCodeInvalid      = "invalid"
)

// Store implements purchase.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore purchase.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// forUpdate applies a row lock on dialects that support it. SQLite
// serializes writers on its own and rejects the FOR UPDATE syntax.
func (store *Store) forUpdate(db *gorm.DB) *gorm.DB {
	if store.db.Dialector.Name() == sqliteDialectName {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (store *Store) GetCategory(ctx context.Context, categoryID int64) (purchase.Category, error) {
	var model Category
	err := store.db.WithContext(ctx).Where("id = ?", categoryID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return purchase.Category{}, wrapStoreError(errorSubjectCategory, errorCodeGet, purchase.ErrCategoryNotFound)
		}
		return purchase.Category{}, wrapStoreError(errorSubjectCategory, errorCodeGet, err)
	}
	return purchase.Category{
		ID:          model.ID,
		ParentID:    model.ParentID,
		ServiceType: purchase.ServiceType(model.ServiceType),
		IsStorage:   model.IsStorage,
		Price:       model.Price,
		Cost:        model.Cost,
		Position:    model.Position,
		IsShown:     model.IsShown,
	}, nil
}

func (store *Store) CategoryTranslations(ctx context.Context, categoryID int64) ([]purchase.CategoryTranslation, error) {
	var rows []CategoryTranslation
	err := store.db.WithContext(ctx).
		Where("category_id = ?", categoryID).
		Order("lang").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCategory, errorCodeList, err)
	}
	translations := make([]purchase.CategoryTranslation, 0, len(rows))
	for _, row := range rows {
		translations = append(translations, purchase.CategoryTranslation{
			Lang:        row.Lang,
			Name:        row.Name,
			Description: row.Description,
		})
	}
	return translations, nil
}

func (store *Store) LockFreeUnits(ctx context.Context, categoryID int64, limit int) ([]purchase.Unit, error) {
	var rows []AccountStorage
	query := store.db.WithContext(ctx).
		Joins("JOIN inventory_rows ON inventory_rows.unit_id = account_storages.id").
		Where("account_storages.category_id = ? AND account_storages.status = ?", categoryID, purchase.StatusForSale.String()).
		Order("inventory_rows.created_at DESC, account_storages.id DESC").
		Limit(limit)
	if err := store.forUpdate(query).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectInventory, errorCodeList, err)
	}
	units := make([]purchase.Unit, 0, len(rows))
	for _, row := range rows {
		units = append(units, mapUnit(row))
	}
	return units, nil
}

func (store *Store) CountFreeUnits(ctx context.Context, categoryID int64) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&AccountStorage{}).
		Where("category_id = ? AND status = ?", categoryID, purchase.StatusForSale.String()).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectInventory, errorCodeList, err)
	}
	return count, nil
}

func (store *Store) GetUnit(ctx context.Context, unitID int64) (purchase.Unit, error) {
	var model AccountStorage
	err := store.db.WithContext(ctx).Where("id = ?", unitID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return purchase.Unit{}, wrapStoreError(errorSubjectUnit, errorCodeGet, purchase.ErrUnitNotFound)
		}
		return purchase.Unit{}, wrapStoreError(errorSubjectUnit, errorCodeGet, err)
	}
	return mapUnit(model), nil
}

func (store *Store) UpdateUnitStatus(ctx context.Context, unitID int64, from, to purchase.UnitStatus, filePath string) error {
	now := time.Now().UTC()
	result := store.db.WithContext(ctx).
		Model(&AccountStorage{}).
		Where("id = ? AND status = ?", unitID, from.String()).
		Updates(map[string]any{
			"status":        to.String(),
			"file_path":     filePath,
			"last_check_at": &now,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectUnit, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUnit, errorCodeUpdate, purchase.ErrStateConflict)
	}
	return nil
}

func (store *Store) InsertUnit(ctx context.Context, unit purchase.Unit) (int64, error) {
	model := AccountStorage{
		UUID:               unit.UUID,
		CategoryID:         unit.CategoryID,
		ServiceType:        unit.ServiceType.String(),
		FilePath:           unit.FilePath,
		Checksum:           unit.Checksum,
		WrappedKey:         unit.WrappedKeyB64,
		KeyNonce:           unit.KeyNonceB64,
		KeyVersion:         unit.KeyVersion,
		Algorithm:          unit.Algorithm,
		Phone:              unit.Phone,
		LoginCiphertext:    unit.LoginCiphertext,
		PasswordCiphertext: unit.PasswordCiphertext,
		Status:             unit.Status.String(),
		IsActive:           unit.IsActive,
		IsValid:            unit.IsValid,
		AddedAt:            time.Unix(unit.AddedAtUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return 0, wrapStoreError(errorSubjectUnit, errorCodeDuplicate, err)
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectUnit, errorCodeInsert, err)
	}
	return model.ID, nil
}

func (store *Store) DeleteInventoryRow(ctx context.Context, unitID int64) error {
	err := store.db.WithContext(ctx).Where("unit_id = ?", unitID).Delete(&InventoryRow{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectInventory, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) InsertInventoryRow(ctx context.Context, unitID int64, categoryID int64, serviceType purchase.ServiceType) error {
	row := InventoryRow{
		UnitID:      unitID,
		CategoryID:  categoryID,
		ServiceType: serviceType.String(),
		CreatedAt:   time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectInventory, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) InsertSoldRow(ctx context.Context, row purchase.SoldRow) (string, error) {
	translations, err := marshalTranslations(row.Translations)
	if err != nil {
		return "", wrapStoreError(errorSubjectSold, errorCodeInvalid, err)
	}
	model := SoldRow{
		ID:           row.ID,
		UserID:       row.UserID,
		UnitID:       row.UnitID,
		ServiceType:  row.ServiceType.String(),
		IsActive:     true,
		SoldAt:       time.Unix(row.SoldAtUnixUTC, 0).UTC(),
		Translations: translations,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", wrapStoreError(errorSubjectSold, errorCodeInsert, err)
	}
	return model.ID, nil
}

func (store *Store) DeleteSoldRows(ctx context.Context, soldIDs []string) error {
	if len(soldIDs) == 0 {
		return nil
	}
	err := store.db.WithContext(ctx).Where("id IN ?", soldIDs).Delete(&SoldRow{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectSold, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) DeactivateSoldRow(ctx context.Context, unitID int64) error {
	result := store.db.WithContext(ctx).
		Model(&SoldRow{}).
		Where("unit_id = ? AND is_active = ?", unitID, true).
		Update("is_active", false)
	if result.Error != nil {
		return wrapStoreError(errorSubjectSold, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSold, errorCodeUpdate, purchase.ErrStateConflict)
	}
	return nil
}

func (store *Store) GetSoldOwner(ctx context.Context, unitID int64) (int64, error) {
	var model SoldRow
	err := store.db.WithContext(ctx).
		Where("unit_id = ? AND is_active = ?", unitID, true).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectSold, errorCodeGet, purchase.ErrUnitNotFound)
		}
		return 0, wrapStoreError(errorSubjectSold, errorCodeGet, err)
	}
	return model.UserID, nil
}

func (store *Store) InsertPurchaseRow(ctx context.Context, row purchase.PurchaseRow) (string, error) {
	model := PurchaseRow{
		ID:            row.ID,
		UserID:        row.UserID,
		UnitID:        row.UnitID,
		OriginalPrice: row.OriginalPrice,
		PurchasePrice: row.PurchasePrice,
		CostPrice:     row.CostPrice,
		NetProfit:     row.NetProfit,
		Date:          time.Unix(row.DateUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return "", wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return model.ID, nil
}

func (store *Store) DeletePurchaseRows(ctx context.Context, purchaseIDs []string) error {
	if len(purchaseIDs) == 0 {
		return nil
	}
	err := store.db.WithContext(ctx).Where("id IN ?", purchaseIDs).Delete(&PurchaseRow{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeDelete, err)
	}
	return nil
}

func (store *Store) InsertDeletedRow(ctx context.Context, row purchase.DeletedRow) error {
	translations, err := marshalTranslations(row.Translations)
	if err != nil {
		return wrapStoreError(errorSubjectDeleted, errorCodeInvalid, err)
	}
	model := DeletedRow{
		UnitID:       row.UnitID,
		UserID:       row.UserID,
		Reason:       row.Reason,
		DeletedAt:    time.Unix(row.DeletedUnixUTC, 0).UTC(),
		Translations: translations,
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectDeleted, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CreateRequest(ctx context.Context, request purchase.PurchaseRequest) error {
	model := PurchaseRequest{
		ID:          request.ID,
		UserID:      request.UserID,
		PromoID:     request.PromoID,
		Quantity:    request.Quantity,
		TotalAmount: request.TotalAmount,
		State:       request.State.String(),
		CreatedAt:   time.Unix(request.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectRequest, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) UpdateRequestState(ctx context.Context, requestID string, from, to purchase.RequestState) error {
	result := store.db.WithContext(ctx).
		Model(&PurchaseRequest{}).
		Where("id = ? AND state = ?", requestID, from.String()).
		Update("state", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdate, purchase.ErrStateConflict)
	}
	return nil
}

func (store *Store) RequestAccounts(ctx context.Context, requestID string) ([]purchase.RequestAccount, error) {
	var rows []PurchaseRequestAccount
	err := store.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("unit_id").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRequest, errorCodeList, err)
	}
	details := make([]purchase.RequestAccount, 0, len(rows))
	for _, row := range rows {
		details = append(details, purchase.RequestAccount{RequestID: row.RequestID, UnitID: row.UnitID})
	}
	return details, nil
}

func (store *Store) CreateRequestAccounts(ctx context.Context, requestID string, unitIDs []int64) error {
	if len(unitIDs) == 0 {
		return nil
	}
	rows := make([]PurchaseRequestAccount, 0, len(unitIDs))
	for _, unitID := range unitIDs {
		rows = append(rows, PurchaseRequestAccount{RequestID: requestID, UnitID: unitID})
	}
	if err := store.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) RewriteRequestAccount(ctx context.Context, requestID string, fromUnitID, toUnitID int64) error {
	result := store.db.WithContext(ctx).
		Model(&PurchaseRequestAccount{}).
		Where("request_id = ? AND unit_id = ?", requestID, fromUnitID).
		Update("unit_id", toUnitID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRequest, errorCodeUpdate, purchase.ErrStateConflict)
	}
	return nil
}

func (store *Store) ListProcessingRequests(ctx context.Context) ([]purchase.PurchaseRequest, error) {
	var rows []PurchaseRequest
	err := store.db.WithContext(ctx).
		Where("state = ?", purchase.RequestProcessing.String()).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRequest, errorCodeList, err)
	}
	requests := make([]purchase.PurchaseRequest, 0, len(rows))
	for _, row := range rows {
		requests = append(requests, purchase.PurchaseRequest{
			ID:             row.ID,
			UserID:         row.UserID,
			PromoID:        row.PromoID,
			Quantity:       row.Quantity,
			TotalAmount:    row.TotalAmount,
			State:          purchase.RequestState(row.State),
			CreatedUnixUTC: row.CreatedAt.Unix(),
		})
	}
	return requests, nil
}

func (store *Store) CreateHold(ctx context.Context, hold purchase.BalanceHold) error {
	model := BalanceHold{
		ID:        hold.ID,
		RequestID: hold.RequestID,
		UserID:    hold.UserID,
		Amount:    hold.Amount,
		State:     hold.State.String(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectHold, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetHold(ctx context.Context, requestID string) (purchase.BalanceHold, error) {
	var model BalanceHold
	query := store.db.WithContext(ctx).Where("request_id = ?", requestID)
	err := store.forUpdate(query).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return purchase.BalanceHold{}, wrapStoreError(errorSubjectHold, errorCodeGet, purchase.ErrHoldNotFound)
		}
		return purchase.BalanceHold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	return purchase.BalanceHold{
		ID:        model.ID,
		RequestID: model.RequestID,
		UserID:    model.UserID,
		Amount:    model.Amount,
		State:     purchase.HoldState(model.State),
	}, nil
}

func (store *Store) UpdateHoldState(ctx context.Context, requestID string, from, to purchase.HoldState) error {
	result := store.db.WithContext(ctx).
		Model(&BalanceHold{}).
		Where("request_id = ? AND state = ?", requestID, from.String()).
		Update("state", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdate, purchase.ErrStateConflict)
	}
	return nil
}

func (store *Store) GetUserForUpdate(ctx context.Context, userID int64) (purchase.User, error) {
	var model User
	query := store.db.WithContext(ctx).Where("id = ?", userID)
	err := store.forUpdate(query).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return purchase.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, purchase.ErrUserNotFound)
		}
		return purchase.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return purchase.User{ID: model.ID, Balance: model.Balance}, nil
}

func (store *Store) AddToBalance(ctx context.Context, userID int64, delta int64) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", delta))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectUser, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectUser, errorCodeUpdate, purchase.ErrUserNotFound)
	}
	var model User
	if err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&model).Error; err != nil {
		return 0, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return model.Balance, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return purchase.WrapError(errorOperationStore, subject, code, err)
}

func mapUnit(row AccountStorage) purchase.Unit {
	var lastCheck int64
	if row.LastCheckAt != nil {
		lastCheck = row.LastCheckAt.Unix()
	}
	return purchase.Unit{
		ID:                 row.ID,
		UUID:               row.UUID,
		CategoryID:         row.CategoryID,
		ServiceType:        purchase.ServiceType(row.ServiceType),
		FilePath:           row.FilePath,
		Checksum:           row.Checksum,
		WrappedKeyB64:      row.WrappedKey,
		KeyNonceB64:        row.KeyNonce,
		KeyVersion:         row.KeyVersion,
		Algorithm:          row.Algorithm,
		Phone:              row.Phone,
		LoginCiphertext:    row.LoginCiphertext,
		PasswordCiphertext: row.PasswordCiphertext,
		Status:             purchase.UnitStatus(row.Status),
		IsActive:           row.IsActive,
		IsValid:            row.IsValid,
		AddedAtUnixUTC:     row.AddedAt.Unix(),
		LastCheckUnixUTC:   lastCheck,
	}
}

func marshalTranslations(translations []purchase.CategoryTranslation) (datatypes.JSON, error) {
	if translations == nil {
		translations = []purchase.CategoryTranslation{}
	}
	raw, err := json.Marshal(translations)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
