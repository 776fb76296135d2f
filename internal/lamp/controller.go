package lamp

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampd/internal/eventbus"
	"github.com/dokzlo13/lampd/internal/kasa"
)

// Cloud is the part of the cloud client the controller needs.
type Cloud interface {
	Passthrougher
	Login(ctx context.Context, username, password string) (*kasa.Session, error)
	ListDevices(ctx context.Context, sess *kasa.Session) ([]kasa.Device, error)
}

// Selector picks the target device out of a device list.
type Selector func(devices []kasa.Device, name string) (kasa.Device, bool)

// Credentials identify the cloud account and the bulb to bind.
type Credentials struct {
	Username   string
	Password   string
	DeviceName string
}

// Controller is the entry point for the panel: it owns the session, the bound
// device and the canonical state, and exposes the light actions.
type Controller struct {
	cloud  Cloud
	creds  Credentials
	sel    Selector
	store  *Store
	cmd    *Commander
	events eventbus.Publisher

	mu      sync.RWMutex
	session *kasa.Session
	device  *kasa.Device
	lastErr error
}

// NewController wires a controller around cloud. events may be nil.
func NewController(cloud Cloud, creds Credentials, sel Selector, palette Palette, events eventbus.Publisher) *Controller {
	store := NewStore()
	return &Controller{
		cloud:  cloud,
		creds:  creds,
		sel:    sel,
		store:  store,
		cmd:    NewCommander(cloud, store, palette, events),
		events: events,
	}
}

// Connect logs in, lists devices and binds the target bulb, then reads its
// state once. A missing target leaves the controller connecting and returns
// an error of kind target_not_found. Nothing is retried.
func (c *Controller) Connect(ctx context.Context) error {
	sess, err := c.cloud.Login(ctx, c.creds.Username, c.creds.Password)
	if err != nil {
		return c.fail(err)
	}

	devices, err := c.cloud.ListDevices(ctx, sess)
	if err != nil {
		return c.fail(err)
	}

	device, ok := c.sel(devices, c.creds.DeviceName)

	c.mu.Lock()
	prev := c.device
	c.session = sess
	if !ok {
		c.device = nil
		c.lastErr = &kasa.Error{Kind: kasa.KindTargetNotFound, Op: "select target", Msg: c.creds.DeviceName}
		err := c.lastErr
		c.mu.Unlock()
		c.store.Reset()

		log.Warn().
			Str("device_name", c.creds.DeviceName).
			Int("devices", len(devices)).
			Msg("Target device not found, still connecting")
		return err
	}
	c.device = &device
	c.lastErr = nil
	c.mu.Unlock()

	if prev == nil || prev.DeviceID != device.DeviceID {
		c.store.Reset()
	}

	log.Info().
		Str("device_id", device.DeviceID).
		Str("alias", device.Alias).
		Str("model", device.DeviceModel).
		Msg("Connected to lamp")

	if c.events != nil {
		c.events.Publish(eventbus.Event{
			Type: eventbus.EventConnected,
			Data: map[string]any{
				"device_id": device.DeviceID,
				"alias":     device.Alias,
			},
		})
	}

	if _, err := c.cmd.GetState(ctx, Target{Session: sess, Device: device}); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	log.Error().Err(err).Str("kind", string(kasa.KindOf(err))).Msg("Connect failed")
	return err
}

// CurrentState returns the canonical state, if one has been received.
func (c *Controller) CurrentState() (kasa.LightState, bool) {
	return c.store.State()
}

// CurrentDevice returns the bound device, if any.
func (c *Controller) CurrentDevice() (kasa.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.device == nil {
		return kasa.Device{}, false
	}
	return *c.device, true
}

// Connected reports whether a target device is bound.
func (c *Controller) Connected() bool {
	_, ok := c.CurrentDevice()
	return ok
}

// LastError returns the error of the last connect attempt, if it failed.
func (c *Controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// ErrNotConnected is returned by light actions before a device is bound.
var ErrNotConnected = &kasa.Error{Kind: kasa.KindTargetNotFound, Op: "command", Msg: "no device bound"}

func (c *Controller) target() (Target, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil || c.device == nil {
		return Target{}, ErrNotConnected
	}
	return Target{Session: c.session, Device: *c.device}, nil
}

// Refresh re-reads the bulb state.
func (c *Controller) Refresh(ctx context.Context) error {
	t, err := c.target()
	if err != nil {
		return err
	}
	_, err = c.cmd.GetState(ctx, t)
	return err
}

// IssueRandomColor sends the palette's next color.
func (c *Controller) IssueRandomColor(ctx context.Context) error {
	t, err := c.target()
	if err != nil {
		return err
	}
	_, err = c.cmd.Shuffle(ctx, t, kasa.TransitionState{})
	return err
}

// TogglePower flips the bulb's power, keeping its color.
func (c *Controller) TogglePower(ctx context.Context) error {
	t, err := c.target()
	if err != nil {
		return err
	}
	_, err = c.cmd.TogglePower(ctx, t)
	return err
}

// SetExactColor powers the bulb on at the given hue, saturation and brightness.
func (c *Controller) SetExactColor(ctx context.Context, hue, saturation, brightness int) error {
	t, err := c.target()
	if err != nil {
		return err
	}
	_, err = c.cmd.SetState(ctx, t, kasa.TransitionState{
		OnOff:      kasa.Int(kasa.PowerOn),
		Hue:        kasa.Int(hue),
		Saturation: kasa.Int(saturation),
		Brightness: kasa.Int(brightness),
		ColorTemp:  kasa.Int(0),
	})
	return err
}

// SetState sends an arbitrary partial state.
func (c *Controller) SetState(ctx context.Context, partial kasa.TransitionState) error {
	t, err := c.target()
	if err != nil {
		return err
	}
	_, err = c.cmd.SetState(ctx, t, partial)
	return err
}

// IsNotConnected reports whether err means no device is bound yet.
func IsNotConnected(err error) bool {
	return errors.Is(err, kasa.ErrTargetNotFound)
}
