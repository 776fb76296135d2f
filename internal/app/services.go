package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampd/internal/config"
	"github.com/dokzlo13/lampd/internal/db"
	"github.com/dokzlo13/lampd/internal/eventbus"
	"github.com/dokzlo13/lampd/internal/ledger"
	"github.com/dokzlo13/lampd/internal/panel"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	Bus    *eventbus.Bus
	DB     *db.DB
	Ledger *ledger.Ledger

	// High-level services
	Lamp    *LampService
	Cleanup *CleanupService
	Panel   *PanelService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	if cfg.Ledger.IsEnabled() {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.DB = database
		s.Ledger = ledger.New(database.DB)
		s.Ledger.Subscribe(s.Bus)
	} else {
		log.Info().Msg("Command ledger is disabled")
	}

	var err error
	s.Lamp, err = NewLampService(cfg, s.Bus)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Cleanup = NewCleanupService(cfg, s.Ledger)

	// A nil *ledger.Ledger must not become a non-nil panel.History
	var history panel.History
	if s.Ledger != nil {
		history = s.Ledger
	}
	s.Panel = NewPanelService(cfg, s.Lamp, history)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., the panel cannot listen).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	s.Lamp.Start(ctx)
	s.Cleanup.Start(ctx)
	s.Panel.Start(ctx, onFatalError)
	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	if s.Lamp != nil {
		s.Lamp.Stop()
	}
	s.Close()
	return nil
}

// Close releases all resources. Queued events are flushed to the ledger
// before the database is closed.
func (s *Services) Close() {
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		s.Bus.Close(ctx)
		cancel()
	}
	if s.Lamp != nil {
		s.Lamp.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
