package purchase

import "context"

// Event routing keys on the outbound bus. Delivery is at-least-once;
// consumers are expected to be idempotent.
const (
	EventPromoActivated  = "promo_code.activated"
	EventAccountPurchase = "account.purchase"
)

// PromoActivatedEvent is published once per completed purchase that used a
// promo code.
type PromoActivatedEvent struct {
	PromoCodeID int64 `json:"promo_code_id"`
	UserID      int64 `json:"user_id"`
}

// UnitPurchaseRecord describes one sold unit inside an account.purchase
// event.
type UnitPurchaseRecord struct {
	StorageID     int64  `json:"storage_id"`
	SoldID        string `json:"sold_id"`
	PurchaseID    string `json:"purchase_id"`
	CostPrice     int64  `json:"cost_price"`
	PurchasePrice int64  `json:"purchase_price"`
	NetProfit     int64  `json:"net_profit"`
}

// AccountsUnknown is the AccountsLeft value when the free-unit count could
// not be read after the sale committed.
const AccountsUnknown int64 = -1

// AccountPurchaseEvent is published once per sold unit on a completed
// purchase. AccountsLeft is the category's free-unit count after the sale,
// or AccountsUnknown when the count could not be read.
type AccountPurchaseEvent struct {
	UserID            int64              `json:"user_id"`
	CategoryID        int64              `json:"category_id"`
	AmountPurchase    int64              `json:"amount_purchase"`
	Record            UnitPurchaseRecord `json:"record"`
	UserBalanceBefore int64              `json:"user_balance_before"`
	UserBalanceAfter  int64              `json:"user_balance_after"`
	AccountsLeft      int64              `json:"accounts_left"`
}

// EventPublisher is the outbound domain-event surface.
type EventPublisher interface {
	PublishPromoActivated(ctx context.Context, event PromoActivatedEvent) error
	PublishAccountPurchase(ctx context.Context, event AccountPurchaseEvent) error
}
