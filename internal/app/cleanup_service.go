package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampd/internal/config"
	"github.com/dokzlo13/lampd/internal/ledger"
)

// CleanupService periodically applies the ledger retention policy.
type CleanupService struct {
	cfg    *config.Config
	ledger *ledger.Ledger
}

// NewCleanupService creates a new CleanupService. l may be nil when the
// ledger is disabled.
func NewCleanupService(cfg *config.Config, l *ledger.Ledger) *CleanupService {
	return &CleanupService{cfg: cfg, ledger: l}
}

// Start begins the cleanup loop if the ledger is enabled.
func (s *CleanupService) Start(ctx context.Context) {
	if s.ledger == nil {
		return
	}
	go s.runLedgerCleanup(ctx)
}

// runLedgerCleanup periodically cleans up old ledger entries.
func (s *CleanupService) runLedgerCleanup(ctx context.Context) {
	retention := s.cfg.Ledger.Retention.Duration()
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	s.cleanup(retention)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(retention)
		}
	}
}

func (s *CleanupService) cleanup(retention time.Duration) {
	deleted, err := s.ledger.DeleteOlderThan(retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}
}
