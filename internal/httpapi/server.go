// Package httpapi is the JSON façade the chat layer calls into. It owns no
// authentication: the chat layer identifies buyers before it reaches us.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/NovaMarketLab/accountshop/pkg/purchase"
)

// Config carries the HTTP façade settings.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
}

// BalanceReader serves the read-only balance endpoint.
type BalanceReader interface {
	GetUserBalance(ctx context.Context, userID int64) (int64, error)
}

type handler struct {
	logger   *zap.Logger
	service  *purchase.Service
	balances BalanceReader
}

// Run boots the HTTP façade and blocks until ctx is cancelled or the server
// fails.
func Run(ctx context.Context, cfg Config, service *purchase.Service, balances BalanceReader, logger *zap.Logger) error {
	h := &handler{logger: logger, service: service, balances: balances}
	router := setupRouter(cfg, h)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("shop api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, h *handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/purchase", h.handlePurchase)
	api.GET("/balance/:user_id", h.handleBalance)
	api.POST("/accounts/:unit_id/delete", h.handleDelete)
	return router
}

type purchaseRequest struct {
	UserID     int64  `json:"user_id" binding:"required"`
	CategoryID int64  `json:"category_id" binding:"required"`
	Quantity   int    `json:"quantity" binding:"required"`
	PromoID    *int64 `json:"promo_id"`
}

type purchaseResponse struct {
	Outcome   string  `json:"outcome"`
	RequestID string  `json:"request_id,omitempty"`
	Total     int64   `json:"total,omitempty"`
	UnitIDs   []int64 `json:"unit_ids,omitempty"`
	Shortfall int64   `json:"shortfall,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

func (h *handler) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome := h.service.Purchase(ctx.Request.Context(), purchase.PurchaseInput{
		UserID:     request.UserID,
		CategoryID: request.CategoryID,
		Quantity:   request.Quantity,
		PromoID:    request.PromoID,
	})
	response := purchaseResponse{
		Outcome:   string(outcome.Code),
		RequestID: outcome.RequestID,
		Total:     outcome.Total,
		UnitIDs:   outcome.UnitIDs,
		Shortfall: outcome.Shortfall,
	}
	if outcome.Reason != nil {
		response.Reason = outcome.Reason.Error()
	}
	ctx.JSON(http.StatusOK, response)
}

func (h *handler) handleBalance(ctx *gin.Context) {
	userID, err := strconv.ParseInt(ctx.Param("user_id"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "bad user id"})
		return
	}
	balance, err := h.balances.GetUserBalance(ctx.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, purchase.ErrUserNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		h.logger.Warn("balance lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

type deleteRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

func (h *handler) handleDelete(ctx *gin.Context) {
	unitID, err := strconv.ParseInt(ctx.Param("unit_id"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "bad unit id"})
		return
	}
	var request deleteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.DeleteBought(ctx.Request.Context(), request.UserID, unitID); err != nil {
		switch {
		case errors.Is(err, purchase.ErrNotOwner):
			ctx.JSON(http.StatusForbidden, gin.H{"error": "not owner"})
		case errors.Is(err, purchase.ErrUnitNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": "unit not found"})
		default:
			h.logger.Warn("delete failed", zap.Int64("unit_id", unitID), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
