// Package promo is the single hook the purchase core takes into promo-code
// bookkeeping: resolving a promo into a discount against the original
// total.
package promo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/NovaMarketLab/accountshop/pkg/purchase"
)

// Code mirrors the promo_codes table.
type Code struct {
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	Amount         int64 `gorm:"not null"`
	MinOrderAmount int64 `gorm:"not null;default:0"`
	IsActive       bool  `gorm:"not null;default:true"`
}

func (Code) TableName() string { return "promo_codes" }

// Calculator implements purchase.DiscountCalculator against the promo
// table.
type Calculator struct {
	db *gorm.DB
}

// New returns a Calculator backed by gorm.DB.
func New(db *gorm.DB) *Calculator {
	return &Calculator{db: db}
}

// Discount resolves the promo's flat discount. Unknown, deactivated and
// below-minimum promos all surface as ErrInvalidPromo.
func (calculator *Calculator) Discount(ctx context.Context, promoID int64, userID int64, originalTotal int64) (int64, error) {
	var code Code
	err := calculator.db.WithContext(ctx).Where("id = ?", promoID).Take(&code).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, purchase.ErrInvalidPromo
		}
		return 0, err
	}
	if !code.IsActive {
		return 0, purchase.ErrInvalidPromo
	}
	if originalTotal < code.MinOrderAmount {
		return 0, fmt.Errorf("%w: order below promo minimum", purchase.ErrInvalidPromo)
	}
	return code.Amount, nil
}
