// Package cache maintains the key-value projections the chat layer reads.
// The purchase core writes through these projections after every mutation;
// it never reads them back for correctness-critical lookups. Every refresh
// replaces the whole value for the affected key with a recomputation from
// the authoritative store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	radix "github.com/mediocregopher/radix/v3"

	"github.com/NovaMarketLab/accountshop/pkg/purchase"
)

const (
	keyUser              = "shop:user:%d"
	keyCategoryInventory = "shop:category:%d:inventory"
	keyUnit              = "shop:unit:%d"
	keyUserSold          = "shop:user:%d:sold"
	keySoldUnit          = "shop:sold:%d"
)

// Source is the authoritative-store surface the projections recompute from.
type Source interface {
	GetUnit(ctx context.Context, unitID int64) (purchase.Unit, error)
	CountFreeUnits(ctx context.Context, categoryID int64) (int64, error)
	GetSoldOwner(ctx context.Context, unitID int64) (int64, error)
	GetUserBalance(ctx context.Context, userID int64) (int64, error)
	ListUserSoldUnitIDs(ctx context.Context, userID int64) ([]int64, error)
}

// Projections implements purchase.CacheRefresher over a Redis pool.
type Projections struct {
	redis  radix.Client
	source Source
}

// New wires the projections.
func New(client radix.Client, source Source) *Projections {
	return &Projections{redis: client, source: source}
}

type userProjection struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}

type categoryInventoryProjection struct {
	CategoryID   int64 `json:"category_id"`
	AccountsLeft int64 `json:"accounts_left"`
}

type unitProjection struct {
	UnitID      int64  `json:"unit_id"`
	CategoryID  int64  `json:"category_id"`
	ServiceType string `json:"service_type"`
	Phone       string `json:"phone"`
}

type userSoldProjection struct {
	UserID  int64   `json:"user_id"`
	UnitIDs []int64 `json:"unit_ids"`
}

type soldUnitProjection struct {
	UnitID int64 `json:"unit_id"`
	UserID int64 `json:"user_id"`
}

func (projections *Projections) RefreshUser(ctx context.Context, userID int64) error {
	balance, err := projections.source.GetUserBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, purchase.ErrUserNotFound) {
			return projections.del(fmt.Sprintf(keyUser, userID))
		}
		return err
	}
	return projections.set(fmt.Sprintf(keyUser, userID), userProjection{UserID: userID, Balance: balance})
}

func (projections *Projections) RefreshCategoryInventory(ctx context.Context, categoryID int64) error {
	count, err := projections.source.CountFreeUnits(ctx, categoryID)
	if err != nil {
		return err
	}
	return projections.set(fmt.Sprintf(keyCategoryInventory, categoryID), categoryInventoryProjection{
		CategoryID:   categoryID,
		AccountsLeft: count,
	})
}

// RefreshUnits rebuilds the per-unit inventory records. Units no longer for
// sale drop out of the projection.
func (projections *Projections) RefreshUnits(ctx context.Context, unitIDs ...int64) error {
	for _, unitID := range unitIDs {
		unit, err := projections.source.GetUnit(ctx, unitID)
		if err != nil {
			if errors.Is(err, purchase.ErrUnitNotFound) {
				if err := projections.del(fmt.Sprintf(keyUnit, unitID)); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if unit.Status != purchase.StatusForSale {
			if err := projections.del(fmt.Sprintf(keyUnit, unitID)); err != nil {
				return err
			}
			continue
		}
		projection := unitProjection{
			UnitID:      unit.ID,
			CategoryID:  unit.CategoryID,
			ServiceType: unit.ServiceType.String(),
			Phone:       unit.Phone,
		}
		if err := projections.set(fmt.Sprintf(keyUnit, unitID), projection); err != nil {
			return err
		}
	}
	return nil
}

// RefreshUserSold rebuilds the user's sold list and, for the passed units,
// the per-unit sold records.
func (projections *Projections) RefreshUserSold(ctx context.Context, userID int64, unitIDs ...int64) error {
	soldUnitIDs, err := projections.source.ListUserSoldUnitIDs(ctx, userID)
	if err != nil {
		return err
	}
	if err := projections.set(fmt.Sprintf(keyUserSold, userID), userSoldProjection{UserID: userID, UnitIDs: soldUnitIDs}); err != nil {
		return err
	}
	for _, unitID := range unitIDs {
		owner, ownerErr := projections.source.GetSoldOwner(ctx, unitID)
		if ownerErr != nil {
			if errors.Is(ownerErr, purchase.ErrUnitNotFound) {
				if err := projections.del(fmt.Sprintf(keySoldUnit, unitID)); err != nil {
					return err
				}
				continue
			}
			return ownerErr
		}
		if err := projections.set(fmt.Sprintf(keySoldUnit, unitID), soldUnitProjection{UnitID: unitID, UserID: owner}); err != nil {
			return err
		}
	}
	return nil
}

func (projections *Projections) set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return projections.redis.Do(radix.FlatCmd(nil, "SET", key, raw))
}

func (projections *Projections) del(key string) error {
	return projections.redis.Do(radix.Cmd(nil, "DEL", key))
}
