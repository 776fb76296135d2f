package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampd/internal/config"
	"github.com/dokzlo13/lampd/internal/panel"
)

// PanelService runs the panel HTTP server.
type PanelService struct {
	cfg    *config.Config
	Server *panel.Server
}

// NewPanelService creates a new PanelService.
func NewPanelService(cfg *config.Config, lampSvc *LampService, history panel.History) *PanelService {
	return &PanelService{
		cfg:    cfg,
		Server: panel.NewServer(cfg.Panel.Host, cfg.Panel.Port, lampSvc.Controller, lampSvc.Cycle, history),
	}
}

// Start begins the panel server if enabled.
func (s *PanelService) Start(ctx context.Context, onFatalError func(error)) {
	if !s.cfg.Panel.IsEnabled() {
		log.Info().Msg("Panel server is disabled")
		return
	}

	go func() {
		if err := s.Server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			onFatalError(err)
		}
	}()
}
