package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Category represents the categories table.
type Category struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	ParentID    *int64 `gorm:"index"`
	ServiceType string `gorm:"not null"`
	IsStorage   bool   `gorm:"not null"`
	Price       int64  `gorm:"not null"`
	Cost        int64  `gorm:"not null"`
	Position    int    `gorm:"not null;default:0"`
	IsShown     bool   `gorm:"not null;default:true"`
}

func (Category) TableName() string { return "categories" }

// CategoryTranslation mirrors the category_translations table.
type CategoryTranslation struct {
	CategoryID  int64  `gorm:"primaryKey"`
	Lang        string `gorm:"primaryKey;size:8"`
	Name        string `gorm:"not null"`
	Description string `gorm:"not null"`
}

func (CategoryTranslation) TableName() string { return "category_translations" }

// AccountStorage mirrors the account_storages table, one row per unit.
type AccountStorage struct {
	ID                 int64     `gorm:"primaryKey;autoIncrement"`
	UUID               string    `gorm:"type:uuid;not null;uniqueIndex"`
	CategoryID         int64     `gorm:"not null;index:idx_units_category_status,priority:1"`
	ServiceType        string    `gorm:"not null"`
	FilePath           string    `gorm:"not null;default:''"`
	Checksum           string    `gorm:"not null;default:''"`
	WrappedKey         string    `gorm:"not null;default:''"`
	KeyNonce           string    `gorm:"not null;default:''"`
	KeyVersion         int       `gorm:"not null;default:0"`
	Algorithm          string    `gorm:"not null;default:''"`
	Phone              string    `gorm:"not null;default:''"`
	LoginCiphertext    string    `gorm:"not null;default:''"`
	PasswordCiphertext string    `gorm:"not null;default:''"`
	Status             string    `gorm:"not null;index:idx_units_category_status,priority:2"`
	IsActive           bool      `gorm:"not null;default:true"`
	IsValid            bool      `gorm:"not null;default:true"`
	AddedAt            time.Time `gorm:"not null"`
	LastCheckAt        *time.Time
}

func (AccountStorage) TableName() string { return "account_storages" }

// InventoryRow mirrors the inventory_rows table; a row exists while the
// unit is offered for sale.
type InventoryRow struct {
	UnitID      int64     `gorm:"primaryKey"`
	CategoryID  int64     `gorm:"not null;index"`
	ServiceType string    `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null;index"`
}

func (InventoryRow) TableName() string { return "inventory_rows" }

// SoldRow mirrors the sold_rows table with the translation snapshot taken
// at sale time.
type SoldRow struct {
	ID           string         `gorm:"type:uuid;primaryKey"`
	UserID       int64          `gorm:"not null;index"`
	UnitID       int64          `gorm:"not null;index"`
	ServiceType  string         `gorm:"not null"`
	IsActive     bool           `gorm:"not null;default:true"`
	SoldAt       time.Time      `gorm:"not null"`
	Translations datatypes.JSON `gorm:"not null"`
}

func (SoldRow) TableName() string { return "sold_rows" }

func (row *SoldRow) BeforeCreate(tx *gorm.DB) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	return nil
}

// PurchaseRow mirrors the append-only purchase_rows table.
type PurchaseRow struct {
	ID            string    `gorm:"type:uuid;primaryKey"`
	UserID        int64     `gorm:"not null;index"`
	UnitID        int64     `gorm:"not null;index"`
	OriginalPrice int64     `gorm:"not null"`
	PurchasePrice int64     `gorm:"not null"`
	CostPrice     int64     `gorm:"not null"`
	NetProfit     int64     `gorm:"not null"`
	Date          time.Time `gorm:"not null"`
}

func (PurchaseRow) TableName() string { return "purchase_rows" }

func (row *PurchaseRow) BeforeCreate(tx *gorm.DB) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	return nil
}

// DeletedRow mirrors the deleted_rows archive table.
type DeletedRow struct {
	ID           string         `gorm:"type:uuid;primaryKey"`
	UnitID       int64          `gorm:"not null;index"`
	UserID       *int64         `gorm:"index"`
	Reason       string         `gorm:"not null"`
	DeletedAt    time.Time      `gorm:"not null"`
	Translations datatypes.JSON `gorm:"not null"`
}

func (DeletedRow) TableName() string { return "deleted_rows" }

func (row *DeletedRow) BeforeCreate(tx *gorm.DB) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	return nil
}

// PurchaseRequest mirrors the purchase_requests journal header table.
type PurchaseRequest struct {
	ID          string    `gorm:"type:uuid;primaryKey"`
	UserID      int64     `gorm:"not null;index"`
	PromoID     *int64    `gorm:""`
	Quantity    int       `gorm:"not null"`
	TotalAmount int64     `gorm:"not null"`
	State       string    `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (PurchaseRequest) TableName() string { return "purchase_requests" }

// PurchaseRequestAccount mirrors the journal detail table; the unit column
// is rewritten in place during replacement.
type PurchaseRequestAccount struct {
	RequestID string `gorm:"type:uuid;primaryKey"`
	UnitID    int64  `gorm:"primaryKey"`
}

func (PurchaseRequestAccount) TableName() string { return "purchase_request_accounts" }

// BalanceHold mirrors the balance_holds table, exactly one row per request.
type BalanceHold struct {
	ID        string    `gorm:"type:uuid;primaryKey"`
	RequestID string    `gorm:"type:uuid;not null;uniqueIndex"`
	UserID    int64     `gorm:"not null;index"`
	Amount    int64     `gorm:"not null"`
	State     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (BalanceHold) TableName() string { return "balance_holds" }

// User mirrors the users table; the core touches only the balance.
type User struct {
	ID      int64 `gorm:"primaryKey"`
	Balance int64 `gorm:"not null;default:0"`
}

func (User) TableName() string { return "users" }

// AllModels lists every table the core owns, for AutoMigrate.
func AllModels() []any {
	return []any{
		&Category{},
		&CategoryTranslation{},
		&AccountStorage{},
		&InventoryRow{},
		&SoldRow{},
		&PurchaseRow{},
		&DeletedRow{},
		&PurchaseRequest{},
		&PurchaseRequestAccount{},
		&BalanceHold{},
		&User{},
	}
}
