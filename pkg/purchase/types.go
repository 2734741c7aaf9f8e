package purchase

import (
	"fmt"
	"time"
)

// UnitStatus is the lifecycle zone of a sellable unit. The status and the
// first segment of the unit's relative file path agree at rest.
type UnitStatus string

const (
	StatusForSale  UnitStatus = "for_sale"
	StatusReserved UnitStatus = "reserved"
	StatusBought   UnitStatus = "bought"
	StatusDeleted  UnitStatus = "deleted"
)

// String returns the status value.
func (status UnitStatus) String() string {
	return string(status)
}

// ParseUnitStatus validates a raw status value.
func ParseUnitStatus(raw string) (UnitStatus, error) {
	switch UnitStatus(raw) {
	case StatusForSale, StatusReserved, StatusBought, StatusDeleted:
		return UnitStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidUnitStatus, raw)
}

// ServiceType tags the external service a unit belongs to. The telegram tag
// implies an encrypted archive on disk; any other tag implies credential
// fields on the unit row and no archive.
type ServiceType string

const (
	ServiceTelegram ServiceType = "telegram"
	ServiceOther    ServiceType = "other"
)

// String returns the service tag.
func (serviceType ServiceType) String() string {
	return string(serviceType)
}

// HasArchive reports whether units of this service type carry an encrypted
// archive on disk.
func (serviceType ServiceType) HasArchive() bool {
	return serviceType == ServiceTelegram
}

// RequestState is the lifecycle of a purchase request.
type RequestState string

const (
	RequestProcessing RequestState = "processing"
	RequestCompleted  RequestState = "completed"
	RequestFailed     RequestState = "failed"
)

// String returns the state value.
func (state RequestState) String() string {
	return string(state)
}

// HoldState is the lifecycle of a balance hold.
type HoldState string

const (
	HoldHeld     HoldState = "held"
	HoldUsed     HoldState = "used"
	HoldReleased HoldState = "released"
)

// String returns the state value.
func (state HoldState) String() string {
	return string(state)
}

// Category groups units that share a price and cost. Only storage categories
// carry units; the rest are navigational.
type Category struct {
	ID          int64
	ParentID    *int64
	ServiceType ServiceType
	IsStorage   bool
	Price       int64
	Cost        int64
	Position    int
	IsShown     bool
}

// CategoryTranslation is one localized name/description pair. The same shape
// is snapshotted onto sold and deleted rows at the time of the transition.
type CategoryTranslation struct {
	Lang        string `json:"lang"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Unit is one sellable account artifact together with its key material.
type Unit struct {
	ID                 int64
	UUID               string
	CategoryID         int64
	ServiceType        ServiceType
	FilePath           string
	Checksum           string
	WrappedKeyB64      string
	KeyNonceB64        string
	KeyVersion         int
	Algorithm          string
	Phone              string
	LoginCiphertext    string
	PasswordCiphertext string
	Status             UnitStatus
	IsActive           bool
	IsValid            bool
	AddedAtUnixUTC     int64
	LastCheckUnixUTC   int64
}

// ProductKind selects the product variant carried by a unit.
type ProductKind string

const (
	ProductArchive    ProductKind = "archive"
	ProductCredential ProductKind = "credential"
)

// Product is the tagged "what is being sold" variant: an on-disk encrypted
// archive for telegram units, an encrypted login/password pair otherwise.
type Product struct {
	Kind               ProductKind
	ServiceType        ServiceType
	ArchivePath        string
	WrappedKeyB64      string
	KeyNonceB64        string
	LoginCiphertext    string
	PasswordCiphertext string
}

// Product returns the variant the unit sells.
func (unit Unit) Product() Product {
	if unit.ServiceType.HasArchive() {
		return Product{
			Kind:          ProductArchive,
			ServiceType:   unit.ServiceType,
			ArchivePath:   unit.FilePath,
			WrappedKeyB64: unit.WrappedKeyB64,
			KeyNonceB64:   unit.KeyNonceB64,
		}
	}
	return Product{
		Kind:               ProductCredential,
		ServiceType:        unit.ServiceType,
		LoginCiphertext:    unit.LoginCiphertext,
		PasswordCiphertext: unit.PasswordCiphertext,
	}
}

// PurchaseRequest is the journal header for one buyer attempt.
type PurchaseRequest struct {
	ID             string
	UserID         int64
	PromoID        *int64
	Quantity       int
	TotalAmount    int64
	State          RequestState
	CreatedUnixUTC int64
}

// RequestAccount is one journal detail row. It is rewritten in place when a
// unit is swapped during replacement.
type RequestAccount struct {
	RequestID string
	UnitID    int64
}

// BalanceHold earmarks funds against a pending purchase. Exactly one exists
// per request.
type BalanceHold struct {
	ID        string
	RequestID string
	UserID    int64
	Amount    int64
	State     HoldState
}

// User is the minimal view of a buyer the core needs.
type User struct {
	ID      int64
	Balance int64
}

// SoldRow records a completed sale of one unit.
type SoldRow struct {
	ID            string
	UserID        int64
	UnitID        int64
	ServiceType   ServiceType
	SoldAtUnixUTC int64
	Translations  []CategoryTranslation
}

// PurchaseRow is the append-only financial record of one sold unit.
type PurchaseRow struct {
	ID            string
	UserID        int64
	UnitID        int64
	OriginalPrice int64
	PurchasePrice int64
	CostPrice     int64
	NetProfit     int64
	DateUnixUTC   int64
}

// DeletedRow archives a unit withdrawn after failed validation or an owner
// delete.
type DeletedRow struct {
	UnitID         int64
	UserID         *int64
	Reason         string
	DeletedUnixUTC int64
	Translations   []CategoryTranslation
}

// Config carries the tunables of the purchase core.
type Config struct {
	AccountsRoot           string
	ValidatorParallelism   int64
	ReplacementAttemptsMax int
	ReplacementQueryLimit  int
	ValidatorTimeout       time.Duration
}

const (
	defaultValidatorParallelism   = 12
	defaultReplacementAttemptsMax = 3
	defaultReplacementQueryLimit  = 5
	defaultValidatorTimeout       = 30 * time.Second
)

func (config Config) withDefaults() Config {
	if config.ValidatorParallelism <= 0 {
		config.ValidatorParallelism = defaultValidatorParallelism
	}
	if config.ReplacementAttemptsMax <= 0 {
		config.ReplacementAttemptsMax = defaultReplacementAttemptsMax
	}
	if config.ReplacementQueryLimit <= 0 {
		config.ReplacementQueryLimit = defaultReplacementQueryLimit
	}
	if config.ValidatorTimeout <= 0 {
		config.ValidatorTimeout = defaultValidatorTimeout
	}
	return config
}

// OutcomeCode is the tagged result of a purchase attempt surfaced to the
// chat layer.
type OutcomeCode string

const (
	OutcomeCompleted         OutcomeCode = "completed"
	OutcomeNoAccounts        OutcomeCode = "cancelled_no_accounts"
	OutcomeInsufficientFunds OutcomeCode = "cancelled_insufficient_funds"
	OutcomeInternal          OutcomeCode = "cancelled_internal"
)

// Outcome reports how a purchase attempt ended. Reason keeps the sentinel
// cause for callers that distinguish, say, an unknown category from an empty
// one; Shortfall is set only for insufficient funds.
type Outcome struct {
	Code      OutcomeCode
	Reason    error
	RequestID string
	Total     int64
	UnitIDs   []int64
	Shortfall int64
}

// PurchaseInput is one buyer intent.
type PurchaseInput struct {
	UserID     int64
	CategoryID int64
	Quantity   int
	PromoID    *int64
}
