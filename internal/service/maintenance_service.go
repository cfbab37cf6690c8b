package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MaintenanceService runs the periodic expiry purge alongside live traffic.
type MaintenanceService struct {
	tokens   *TokenService
	interval time.Duration
	logger   *zap.Logger
}

// NewMaintenanceService constructs the purge loop.
func NewMaintenanceService(tokens *TokenService, interval time.Duration, logger *zap.Logger) *MaintenanceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &MaintenanceService{tokens: tokens, interval: interval, logger: logger}
}

// Run blocks until the context is cancelled, purging expired login tokens at
// the configured interval. Call in a goroutine.
func (s *MaintenanceService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.tokens.PurgeExpired(ctx); err != nil {
				s.logger.Error("login token purge failed", zap.Error(err))
			}
		}
	}
}
