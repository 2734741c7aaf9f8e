package purchase

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const (
	testCategoryID = int64(1)
	testUserID     = int64(7)
	testNowUnix    = int64(1_700_000_000)
)

type harness struct {
	store     *stubStore
	vault     *stubVault
	envelope  *stubEnvelope
	checker   *stubChecker
	cache     *stubCache
	events    *stubEvents
	discounts *stubDiscounts
	service   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     newStubStore(),
		vault:     newStubVault(),
		envelope:  &stubEnvelope{},
		checker:   &stubChecker{bad: map[string]bool{}},
		cache:     &stubCache{},
		events:    &stubEvents{},
		discounts: &stubDiscounts{discounts: map[int64]int64{}},
	}
	h.store.categories[testCategoryID] = Category{
		ID:          testCategoryID,
		ServiceType: ServiceTelegram,
		IsStorage:   true,
		Price:       100,
		Cost:        40,
		IsShown:     true,
	}
	h.store.translations[testCategoryID] = []CategoryTranslation{
		{Lang: "en", Name: "Aged accounts", Description: "registered 2020"},
	}
	h.store.users[testUserID] = &User{ID: testUserID, Balance: 1000}

	service, err := NewService(
		Dependencies{
			Store:     h.store,
			Vault:     h.vault,
			Envelope:  h.envelope,
			Checker:   h.checker,
			Discounts: h.discounts,
			Cache:     h.cache,
			Events:    h.events,
		},
		Config{
			ValidatorParallelism:   4,
			ReplacementAttemptsMax: 3,
			ReplacementQueryLimit:  2,
		},
		func() int64 { return testNowUnix },
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h.service = service
	return h
}

// addArchiveUnit seeds one telegram unit in the for_sale zone together with
// its archive file.
func (h *harness) addArchiveUnit(id int64, phone string) Unit {
	unit := Unit{
		ID:            id,
		UUID:          fmt.Sprintf("uuid-%d", id),
		CategoryID:    testCategoryID,
		ServiceType:   ServiceTelegram,
		Checksum:      "deadbeef",
		WrappedKeyB64: base64.StdEncoding.EncodeToString([]byte("data-key")),
		KeyNonceB64:   base64.StdEncoding.EncodeToString([]byte("nonce")),
		Phone:         phone,
		Status:        StatusForSale,
		IsActive:      true,
		IsValid:       true,
	}
	unit.FilePath = h.vault.RelPath(StatusForSale, unit.ServiceType, unit.UUID)
	h.store.units[id] = &unit
	h.store.inventoryOrder = append(h.store.inventoryOrder, id)
	h.vault.files[h.vault.Abs(unit.FilePath)] = true
	return unit
}

func (h *harness) addCredentialUnit(id int64) Unit {
	unit := Unit{
		ID:                 id,
		UUID:               fmt.Sprintf("uuid-%d", id),
		CategoryID:         testCategoryID,
		ServiceType:        ServiceOther,
		LoginCiphertext:    "enc-login",
		PasswordCiphertext: "enc-password",
		Status:             StatusForSale,
		IsActive:           true,
		IsValid:            true,
	}
	h.store.units[id] = &unit
	h.store.inventoryOrder = append(h.store.inventoryOrder, id)
	return unit
}

func (h *harness) mustUnit(t *testing.T, id int64) Unit {
	t.Helper()
	unit, ok := h.store.units[id]
	if !ok {
		t.Fatalf("unit %d not found", id)
	}
	return *unit
}

func (h *harness) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	user, ok := h.store.users[userID]
	if !ok {
		t.Fatalf("user %d not found", userID)
	}
	return user.Balance
}

func (h *harness) mustRequest(t *testing.T, requestID string) PurchaseRequest {
	t.Helper()
	request, ok := h.store.requests[requestID]
	if !ok {
		t.Fatalf("request %s not found", requestID)
	}
	return request
}

func (h *harness) mustHold(t *testing.T, requestID string) BalanceHold {
	t.Helper()
	hold, ok := h.store.holds[requestID]
	if !ok {
		t.Fatalf("hold for request %s not found", requestID)
	}
	return hold
}

// --- store stub ---

type stubStore struct {
	categories   map[int64]Category
	translations map[int64][]CategoryTranslation
	units        map[int64]*Unit
	// inventoryOrder is the inventory table: oldest first, locked newest
	// first the way the real store does.
	inventoryOrder []int64
	sold           map[string]SoldRow
	soldActive     map[string]bool
	purchases      map[string]PurchaseRow
	deleted        []DeletedRow
	requests       map[string]PurchaseRequest
	details        map[string][]int64
	holds          map[string]BalanceHold
	users          map[int64]*User
	nextSoldID     int
	nextPurchaseID int
	nextUnitID     int64
	countFreeErr   error
}

func newStubStore() *stubStore {
	return &stubStore{
		categories:   map[int64]Category{},
		translations: map[int64][]CategoryTranslation{},
		units:        map[int64]*Unit{},
		sold:         map[string]SoldRow{},
		soldActive:   map[string]bool{},
		purchases:    map[string]PurchaseRow{},
		requests:     map[string]PurchaseRequest{},
		details:      map[string][]int64{},
		holds:        map[string]BalanceHold{},
		users:        map[int64]*User{},
		nextUnitID:   1000,
	}
}

func (s *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	// A real driver refuses to begin a transaction on a dead context.
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, s)
}

func (s *stubStore) GetCategory(ctx context.Context, categoryID int64) (Category, error) {
	category, ok := s.categories[categoryID]
	if !ok {
		return Category{}, ErrCategoryNotFound
	}
	return category, nil
}

func (s *stubStore) CategoryTranslations(ctx context.Context, categoryID int64) ([]CategoryTranslation, error) {
	return s.translations[categoryID], nil
}

func (s *stubStore) LockFreeUnits(ctx context.Context, categoryID int64, limit int) ([]Unit, error) {
	var out []Unit
	for index := len(s.inventoryOrder) - 1; index >= 0 && len(out) < limit; index-- {
		unit, ok := s.units[s.inventoryOrder[index]]
		if !ok || unit.CategoryID != categoryID || unit.Status != StatusForSale {
			continue
		}
		out = append(out, *unit)
	}
	return out, nil
}

func (s *stubStore) CountFreeUnits(ctx context.Context, categoryID int64) (int64, error) {
	if s.countFreeErr != nil {
		return 0, s.countFreeErr
	}
	var count int64
	for _, unitID := range s.inventoryOrder {
		unit, ok := s.units[unitID]
		if ok && unit.CategoryID == categoryID && unit.Status == StatusForSale {
			count++
		}
	}
	return count, nil
}

func (s *stubStore) GetUnit(ctx context.Context, unitID int64) (Unit, error) {
	unit, ok := s.units[unitID]
	if !ok {
		return Unit{}, ErrUnitNotFound
	}
	return *unit, nil
}

func (s *stubStore) UpdateUnitStatus(ctx context.Context, unitID int64, from, to UnitStatus, filePath string) error {
	unit, ok := s.units[unitID]
	if !ok {
		return ErrUnitNotFound
	}
	if unit.Status != from {
		return ErrStateConflict
	}
	unit.Status = to
	unit.FilePath = filePath
	return nil
}

func (s *stubStore) InsertUnit(ctx context.Context, unit Unit) (int64, error) {
	s.nextUnitID++
	unit.ID = s.nextUnitID
	s.units[unit.ID] = &unit
	return unit.ID, nil
}

func (s *stubStore) DeleteInventoryRow(ctx context.Context, unitID int64) error {
	for index, id := range s.inventoryOrder {
		if id == unitID {
			s.inventoryOrder = append(s.inventoryOrder[:index], s.inventoryOrder[index+1:]...)
			return nil
		}
	}
	return nil
}

func (s *stubStore) InsertInventoryRow(ctx context.Context, unitID int64, categoryID int64, serviceType ServiceType) error {
	for _, id := range s.inventoryOrder {
		if id == unitID {
			return nil
		}
	}
	s.inventoryOrder = append(s.inventoryOrder, unitID)
	return nil
}

func (s *stubStore) InsertSoldRow(ctx context.Context, row SoldRow) (string, error) {
	s.nextSoldID++
	row.ID = fmt.Sprintf("sold-%d", s.nextSoldID)
	s.sold[row.ID] = row
	s.soldActive[row.ID] = true
	return row.ID, nil
}

func (s *stubStore) DeleteSoldRows(ctx context.Context, soldIDs []string) error {
	for _, id := range soldIDs {
		delete(s.sold, id)
		delete(s.soldActive, id)
	}
	return nil
}

func (s *stubStore) DeactivateSoldRow(ctx context.Context, unitID int64) error {
	for id, row := range s.sold {
		if row.UnitID == unitID {
			s.soldActive[id] = false
		}
	}
	return nil
}

func (s *stubStore) GetSoldOwner(ctx context.Context, unitID int64) (int64, error) {
	for id, row := range s.sold {
		if row.UnitID == unitID && s.soldActive[id] {
			return row.UserID, nil
		}
	}
	return 0, ErrUnitNotFound
}

func (s *stubStore) InsertPurchaseRow(ctx context.Context, row PurchaseRow) (string, error) {
	s.nextPurchaseID++
	row.ID = fmt.Sprintf("purchase-%d", s.nextPurchaseID)
	s.purchases[row.ID] = row
	return row.ID, nil
}

func (s *stubStore) DeletePurchaseRows(ctx context.Context, purchaseIDs []string) error {
	for _, id := range purchaseIDs {
		delete(s.purchases, id)
	}
	return nil
}

func (s *stubStore) InsertDeletedRow(ctx context.Context, row DeletedRow) error {
	s.deleted = append(s.deleted, row)
	return nil
}

func (s *stubStore) CreateRequest(ctx context.Context, request PurchaseRequest) error {
	s.requests[request.ID] = request
	return nil
}

func (s *stubStore) UpdateRequestState(ctx context.Context, requestID string, from, to RequestState) error {
	request, ok := s.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}
	if request.State != from {
		return ErrStateConflict
	}
	request.State = to
	s.requests[requestID] = request
	return nil
}

func (s *stubStore) RequestAccounts(ctx context.Context, requestID string) ([]RequestAccount, error) {
	var out []RequestAccount
	for _, unitID := range s.details[requestID] {
		out = append(out, RequestAccount{RequestID: requestID, UnitID: unitID})
	}
	return out, nil
}

func (s *stubStore) CreateRequestAccounts(ctx context.Context, requestID string, unitIDs []int64) error {
	s.details[requestID] = append(s.details[requestID], unitIDs...)
	return nil
}

func (s *stubStore) RewriteRequestAccount(ctx context.Context, requestID string, fromUnitID, toUnitID int64) error {
	detail := s.details[requestID]
	for index, unitID := range detail {
		if unitID == fromUnitID {
			detail[index] = toUnitID
			return nil
		}
	}
	return ErrRequestNotFound
}

func (s *stubStore) ListProcessingRequests(ctx context.Context) ([]PurchaseRequest, error) {
	var out []PurchaseRequest
	for _, request := range s.requests {
		if request.State == RequestProcessing {
			out = append(out, request)
		}
	}
	return out, nil
}

func (s *stubStore) CreateHold(ctx context.Context, hold BalanceHold) error {
	s.holds[hold.RequestID] = hold
	return nil
}

func (s *stubStore) GetHold(ctx context.Context, requestID string) (BalanceHold, error) {
	hold, ok := s.holds[requestID]
	if !ok {
		return BalanceHold{}, ErrHoldNotFound
	}
	return hold, nil
}

func (s *stubStore) UpdateHoldState(ctx context.Context, requestID string, from, to HoldState) error {
	hold, ok := s.holds[requestID]
	if !ok {
		return ErrHoldNotFound
	}
	if hold.State != from {
		return ErrStateConflict
	}
	hold.State = to
	s.holds[requestID] = hold
	return nil
}

func (s *stubStore) GetUserForUpdate(ctx context.Context, userID int64) (User, error) {
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *user, nil
}

func (s *stubStore) AddToBalance(ctx context.Context, userID int64, delta int64) (int64, error) {
	user, ok := s.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	user.Balance += delta
	return user.Balance, nil
}

// --- vault stub ---

type stubVault struct {
	files     map[string]bool
	renameErr bool
}

func newStubVault() *stubVault {
	return &stubVault{files: map[string]bool{}}
}

func (v *stubVault) RelPath(status UnitStatus, serviceType ServiceType, unitUUID string) string {
	return filepath.Join(status.String(), serviceType.String(), unitUUID, "account.enc")
}

func (v *stubVault) Abs(relPath string) string {
	return filepath.Join("/vault", relPath)
}

func (v *stubVault) Move(src, dst string) bool {
	if !v.files[src] {
		return false
	}
	delete(v.files, src)
	v.files[dst] = true
	return true
}

func (v *stubVault) Rename(src, dst string) bool {
	if v.renameErr {
		return false
	}
	return v.Move(src, dst)
}

func (v *stubVault) PurgeEmptyParent(path string) {}

func (v *stubVault) WriteFile(dst string, data []byte) error {
	v.files[dst] = true
	return nil
}

// --- envelope stub ---

type stubEnvelope struct {
	unwrapErr  error
	decryptErr error
}

func (e *stubEnvelope) NewDataKey() ([]byte, error) {
	return []byte("data-key"), nil
}

func (e *stubEnvelope) WrapKey(key []byte) (string, string, error) {
	return base64.StdEncoding.EncodeToString(key), base64.StdEncoding.EncodeToString([]byte("nonce")), nil
}

func (e *stubEnvelope) UnwrapKey(wrappedB64, nonceB64 string) ([]byte, error) {
	if e.unwrapErr != nil {
		return nil, e.unwrapErr
	}
	return base64.StdEncoding.DecodeString(wrappedB64)
}

func (e *stubEnvelope) DecryptToScratch(ctx context.Context, archivePath string, key []byte) (string, error) {
	if e.decryptErr != nil {
		return "", e.decryptErr
	}
	return os.MkdirTemp("", "purchase-test-scratch-*")
}

func (e *stubEnvelope) EncryptFromDir(dir string, key []byte) ([]byte, error) {
	return []byte("ciphertext"), nil
}

// --- checker stub ---

type stubChecker struct {
	bad     map[string]bool
	err     error
	onCheck func()
}

func (c *stubChecker) CanLogin(ctx context.Context, scratchDir string, phone string) (bool, error) {
	if c.onCheck != nil {
		c.onCheck()
	}
	if c.err != nil {
		return false, c.err
	}
	return !c.bad[phone], nil
}

// --- cache stub ---

type stubCache struct {
	userRefreshes     int
	categoryRefreshes int
	unitRefreshes     int
	userSoldRefreshes int
	err               error
}

func (c *stubCache) RefreshUser(ctx context.Context, userID int64) error {
	c.userRefreshes++
	return c.err
}

func (c *stubCache) RefreshCategoryInventory(ctx context.Context, categoryID int64) error {
	c.categoryRefreshes++
	return c.err
}

func (c *stubCache) RefreshUnits(ctx context.Context, unitIDs ...int64) error {
	c.unitRefreshes++
	return c.err
}

func (c *stubCache) RefreshUserSold(ctx context.Context, userID int64, unitIDs ...int64) error {
	c.userSoldRefreshes++
	return c.err
}

// --- events stub ---

type stubEvents struct {
	promoEvents    []PromoActivatedEvent
	purchaseEvents []AccountPurchaseEvent
	err            error
}

func (e *stubEvents) PublishPromoActivated(ctx context.Context, event PromoActivatedEvent) error {
	if e.err != nil {
		return e.err
	}
	e.promoEvents = append(e.promoEvents, event)
	return nil
}

func (e *stubEvents) PublishAccountPurchase(ctx context.Context, event AccountPurchaseEvent) error {
	if e.err != nil {
		return e.err
	}
	e.purchaseEvents = append(e.purchaseEvents, event)
	return nil
}

// --- discounts stub ---

type stubDiscounts struct {
	discounts map[int64]int64
	err       error
}

func (d *stubDiscounts) Discount(ctx context.Context, promoID int64, userID int64, originalTotal int64) (int64, error) {
	if d.err != nil {
		return 0, d.err
	}
	discount, ok := d.discounts[promoID]
	if !ok {
		return 0, ErrInvalidPromo
	}
	return discount, nil
}
