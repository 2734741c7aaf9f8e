package purchase

import "context"

// Store is the persistence contract used by Service. Implementations run
// every method against the current transaction when obtained through WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// Catalog surface.
	GetCategory(ctx context.Context, categoryID int64) (Category, error)
	CategoryTranslations(ctx context.Context, categoryID int64) ([]CategoryTranslation, error)
	// LockFreeUnits selects up to limit for_sale units of the category under a
	// row lock, newest inventory first.
	LockFreeUnits(ctx context.Context, categoryID int64, limit int) ([]Unit, error)
	CountFreeUnits(ctx context.Context, categoryID int64) (int64, error)

	// Unit surface.
	GetUnit(ctx context.Context, unitID int64) (Unit, error)
	// UpdateUnitStatus flips status from→to and rewrites the relative file
	// path; it fails with ErrStateConflict when the unit is not in from.
	UpdateUnitStatus(ctx context.Context, unitID int64, from, to UnitStatus, filePath string) error
	InsertUnit(ctx context.Context, unit Unit) (int64, error)

	// Inventory rows. InsertInventoryRow is idempotent so rollback can
	// re-insert without checking first.
	DeleteInventoryRow(ctx context.Context, unitID int64) error
	InsertInventoryRow(ctx context.Context, unitID int64, categoryID int64, serviceType ServiceType) error

	// Sale records.
	InsertSoldRow(ctx context.Context, row SoldRow) (string, error)
	DeleteSoldRows(ctx context.Context, soldIDs []string) error
	DeactivateSoldRow(ctx context.Context, unitID int64) error
	GetSoldOwner(ctx context.Context, unitID int64) (int64, error)
	InsertPurchaseRow(ctx context.Context, row PurchaseRow) (string, error)
	DeletePurchaseRows(ctx context.Context, purchaseIDs []string) error
	InsertDeletedRow(ctx context.Context, row DeletedRow) error

	// Journal surface.
	CreateRequest(ctx context.Context, request PurchaseRequest) error
	UpdateRequestState(ctx context.Context, requestID string, from, to RequestState) error
	RequestAccounts(ctx context.Context, requestID string) ([]RequestAccount, error)
	CreateRequestAccounts(ctx context.Context, requestID string, unitIDs []int64) error
	RewriteRequestAccount(ctx context.Context, requestID string, fromUnitID, toUnitID int64) error
	ListProcessingRequests(ctx context.Context) ([]PurchaseRequest, error)

	// Hold surface.
	CreateHold(ctx context.Context, hold BalanceHold) error
	GetHold(ctx context.Context, requestID string) (BalanceHold, error)
	UpdateHoldState(ctx context.Context, requestID string, from, to HoldState) error

	// Balance surface. GetUserForUpdate locks the user row for the duration
	// of the surrounding transaction.
	GetUserForUpdate(ctx context.Context, userID int64) (User, error)
	AddToBalance(ctx context.Context, userID int64, delta int64) (int64, error)
}

// Vault persists and moves encrypted archives on the local filesystem.
type Vault interface {
	// RelPath is the canonical relative path of a unit archive,
	// <status>/<service>/<uuid>/account.enc.
	RelPath(status UnitStatus, serviceType ServiceType, unitUUID string) string
	// Abs resolves a relative archive path against the accounts root.
	Abs(relPath string) string
	// Move creates destination parents and moves the file atomically within
	// the same filesystem; false when the source is missing or any error
	// occurs. It never panics and never leaves the file in an unnamed place.
	Move(src, dst string) bool
	// Rename is the atomic final step of a two-phase move.
	Rename(src, dst string) bool
	// PurgeEmptyParent removes the leftover uuid directory when empty.
	PurgeEmptyParent(path string)
	// WriteFile writes a new ciphertext blob, creating parents. Ingest only.
	WriteFile(dst string, data []byte) error
}

// Envelope wraps per-unit data keys under the process-wide KEK and moves
// archives between ciphertext and scratch directories.
type Envelope interface {
	NewDataKey() ([]byte, error)
	WrapKey(key []byte) (wrappedB64 string, nonceB64 string, err error)
	UnwrapKey(wrappedB64 string, nonceB64 string) ([]byte, error)
	// DecryptToScratch decrypts an archive into a fresh scratch directory.
	// The caller owns the directory and removes it on every exit path.
	DecryptToScratch(ctx context.Context, archivePath string, key []byte) (string, error)
	// EncryptFromDir zips and encrypts a plaintext directory. Ingest only.
	EncryptFromDir(dir string, key []byte) ([]byte, error)
}

// Checker asks the external messenger service whether a decrypted session is
// still functional.
type Checker interface {
	CanLogin(ctx context.Context, scratchDir string, phone string) (bool, error)
}

// DiscountCalculator resolves a promo into a discount against the original
// total. It returns ErrInvalidPromo for unknown or unusable promos.
type DiscountCalculator interface {
	Discount(ctx context.Context, promoID int64, userID int64, originalTotal int64) (int64, error)
}

// CacheRefresher rebuilds the chat-layer projections after a mutation. The
// core never reads through the cache; refresh failures are logged upstream
// and never fail a purchase.
type CacheRefresher interface {
	RefreshUser(ctx context.Context, userID int64) error
	RefreshCategoryInventory(ctx context.Context, categoryID int64) error
	RefreshUnits(ctx context.Context, unitIDs ...int64) error
	RefreshUserSold(ctx context.Context, userID int64, unitIDs ...int64) error
}
