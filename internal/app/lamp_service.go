package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampd/internal/cloud"
	"github.com/dokzlo13/lampd/internal/config"
	"github.com/dokzlo13/lampd/internal/cycle"
	"github.com/dokzlo13/lampd/internal/eventbus"
	"github.com/dokzlo13/lampd/internal/lamp"
	"github.com/dokzlo13/lampd/internal/palette"
)

// LampService owns the cloud client, the controller and the auto-cycle.
type LampService struct {
	cfg *config.Config

	Client     *cloud.Client
	Controller *lamp.Controller
	Cycle      *cycle.Scheduler

	script *palette.Lua
	wg     sync.WaitGroup
}

// NewLampService creates the cloud client, palette, controller and scheduler.
func NewLampService(cfg *config.Config, bus *eventbus.Bus) (*LampService, error) {
	s := &LampService{cfg: cfg}

	s.Client = cloud.NewClient(cloud.Options{
		Endpoint:     cfg.Cloud.Endpoint,
		AppType:      cfg.Cloud.AppType,
		Timeout:      cfg.Cloud.Timeout.Duration(),
		RateLimitRPS: cfg.Cloud.RateLimitRPS,
	})

	random := palette.NewRandom(cfg.Palette.SaturationMin, cfg.Palette.Brightness, 0)
	var pal lamp.Palette = random
	if cfg.Palette.Script != "" {
		script, err := palette.LoadLua(cfg.Palette.Script, random)
		if err != nil {
			s.Client.Close()
			return nil, err
		}
		s.script = script
		pal = script
	}

	creds := lamp.Credentials{
		Username:   cfg.Cloud.Username,
		Password:   cfg.Cloud.Password,
		DeviceName: cfg.Device.Name,
	}
	s.Controller = lamp.NewController(s.Client, creds, cloud.SelectTarget, pal, bus)

	s.Cycle = cycle.New(s.Controller.IssueRandomColor, cycle.Options{
		Period: cfg.Cycle.Period.Duration(),
		Tick:   cfg.Cycle.Tick.Duration(),
		Events: bus,
	})

	return s, nil
}

// Start connects in the background. A failed connect is logged and left for
// the panel to retry.
func (s *LampService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connect(ctx)
	}()
}

func (s *LampService) connect(ctx context.Context) {
	log.Info().
		Str("endpoint", s.Client.Endpoint()).
		Str("device_name", s.cfg.Device.Name).
		Msg("Connecting to cloud")

	if err := s.Controller.Connect(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("Lamp not connected, use the panel to retry")
		}
		return
	}

	if s.cfg.Cycle.Autostart && ctx.Err() == nil {
		if err := s.Cycle.Start(0); err != nil {
			log.Error().Err(err).Msg("Failed to autostart cycle")
		}
	}
}

// Stop waits for the initial connect to return, then halts the cycle it may
// have autostarted.
func (s *LampService) Stop() {
	s.wg.Wait()
	s.Cycle.Stop()
}

// Close releases the Lua state and idle connections.
func (s *LampService) Close() {
	if s.script != nil {
		s.script.Close()
	}
	s.Client.Close()
}
