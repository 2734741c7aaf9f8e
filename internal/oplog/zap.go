// Package oplog adapts the domain OperationLogger onto zap. The structured
// log is the authoritative record of what happened to a purchase.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/NovaMarketLab/accountshop/pkg/purchase"
)

// ZapLogger implements purchase.OperationLogger.
type ZapLogger struct {
	logger *zap.Logger
}

// New wraps a zap logger.
func New(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry purchase.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.RequestID != "" {
		fields = append(fields, zap.String("request_id", entry.RequestID))
	}
	if entry.UserID != 0 {
		fields = append(fields, zap.Int64("user_id", entry.UserID))
	}
	if entry.UnitID != 0 {
		fields = append(fields, zap.Int64("unit_id", entry.UnitID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("purchase operation", fields...)
		return
	}
	zapLogger.logger.Info("purchase operation", fields...)
}
