package lamp

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/lampd/internal/eventbus"
	"github.com/dokzlo13/lampd/internal/kasa"
)

// Passthrougher sends a passthrough envelope and returns the raw reply body.
type Passthrougher interface {
	Passthrough(ctx context.Context, sess *kasa.Session, env kasa.Envelope) ([]byte, error)
}

// Palette proposes the next shuffle color. prev is nil when no state is known.
type Palette interface {
	Next(prev *kasa.LightState) kasa.TransitionState
}

// Target is the session and device a command is addressed to.
type Target struct {
	Session *kasa.Session
	Device  kasa.Device
}

// ErrInvalidState marks a partial state rejected before anything is sent.
var ErrInvalidState = errors.New("invalid light state")

// Commander issues single-attempt light commands and writes decoded replies
// into the Store. It never retries.
type Commander struct {
	rpc     Passthrougher
	store   *Store
	palette Palette
	events  eventbus.Publisher
}

// NewCommander creates a commander. events may be nil.
func NewCommander(rpc Passthrougher, store *Store, palette Palette, events eventbus.Publisher) *Commander {
	return &Commander{
		rpc:     rpc,
		store:   store,
		palette: palette,
		events:  events,
	}
}

// GetState reads the bulb's current state.
func (c *Commander) GetState(ctx context.Context, t Target) (kasa.LightState, error) {
	seq := c.store.Next()
	return c.send(ctx, t, seq, "get_state", kasa.GetLightState, kasa.TransitionState{})
}

// SetState sends partial as a transition and returns the resulting state.
// When partial turns the bulb off and the reply omits the color attributes,
// the last known color is carried forward with only the power flag flipped.
func (c *Commander) SetState(ctx context.Context, t Target, partial kasa.TransitionState) (kasa.LightState, error) {
	if err := checkPartial(partial); err != nil {
		return kasa.LightState{}, err
	}
	seq := c.store.Next()
	return c.send(ctx, t, seq, "set_state", kasa.TransitionLightState, partial)
}

// Shuffle sends the palette's next color with overrides applied on top.
func (c *Commander) Shuffle(ctx context.Context, t Target, overrides kasa.TransitionState) (kasa.LightState, error) {
	var prev *kasa.LightState
	if st, ok := c.store.State(); ok {
		prev = &st
	}
	partial := Merge(c.palette.Next(prev), overrides)
	if err := checkPartial(partial); err != nil {
		return kasa.LightState{}, err
	}

	seq := c.store.Next()
	return c.send(ctx, t, seq, "shuffle", kasa.TransitionLightState, partial)
}

// TogglePower flips the power flag, re-sending the last known color. The flip
// is visible in the Store immediately and reverted if the command fails.
func (c *Commander) TogglePower(ctx context.Context, t Target) (kasa.LightState, error) {
	cur, known := c.store.State()

	next := kasa.PowerOn
	partial := kasa.TransitionState{}
	if known {
		if cur.IsOn() {
			next = kasa.PowerOff
		}
		partial = kasa.TransitionFrom(cur)
	}
	partial.OnOff = kasa.Int(next)
	if err := checkPartial(partial); err != nil {
		return kasa.LightState{}, err
	}

	seq := c.store.Next()
	if known {
		c.store.Apply(seq, cur.WithPower(next))
	}

	st, err := c.send(ctx, t, seq, "toggle_power", kasa.TransitionLightState, partial)
	if err != nil && known {
		if c.store.Revert(seq, &cur) {
			log.Debug().Uint64("seq", seq).Msg("Reverted optimistic power flip")
		}
	}
	return st, err
}

func (c *Commander) send(ctx context.Context, t Target, seq uint64, command string, kind kasa.CommandKind, partial kasa.TransitionState) (kasa.LightState, error) {
	st, err := c.exchange(ctx, t, kind, partial)
	if err != nil {
		c.publishFailure(seq, command, t, partial, err)
		return kasa.LightState{}, err
	}

	if !c.store.Apply(seq, st) {
		log.Debug().
			Uint64("seq", seq).
			Str("command", command).
			Msg("Discarded stale reply, a newer command already applied")
	}

	log.Debug().
		Uint64("seq", seq).
		Str("command", command).
		Int("on_off", st.OnOff).
		Int("hue", st.Hue).
		Int("saturation", st.Saturation).
		Int("brightness", st.Brightness).
		Msg("Command completed")

	c.publish(eventbus.Event{
		Type: eventbus.EventCommandCompleted,
		Data: map[string]any{
			"seq":       seq,
			"command":   command,
			"device_id": t.Device.DeviceID,
			"request":   partial,
			"state":     st,
		},
	})
	return st, nil
}

func (c *Commander) exchange(ctx context.Context, t Target, kind kasa.CommandKind, partial kasa.TransitionState) (kasa.LightState, error) {
	if t.Session == nil {
		return kasa.LightState{}, &kasa.Error{Kind: kasa.KindCommand, Op: string(kind), Msg: "no session"}
	}

	var payload any
	if kind == kasa.TransitionLightState {
		payload = partial
	}

	env, err := kasa.EncodeCommand(t.Device.DeviceID, kind, payload)
	if err != nil {
		return kasa.LightState{}, &kasa.Error{Kind: kasa.KindCommand, Op: string(kind), Err: err}
	}

	body, err := c.rpc.Passthrough(ctx, t.Session, env)
	if err != nil {
		return kasa.LightState{}, err
	}

	st, err := kasa.DecodeLightState(body)
	if err == nil {
		return st, nil
	}

	if errors.Is(err, kasa.ErrNoDefaultOnState) && partial.RequestsPowerOff() {
		if last, ok := c.store.State(); ok {
			log.Debug().Msg("Power-off reply carried no color, keeping last known color")
			return last.WithPower(kasa.PowerOff), nil
		}
	}
	return kasa.LightState{}, err
}

func checkPartial(partial kasa.TransitionState) error {
	if err := partial.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return nil
}

func (c *Commander) publishFailure(seq uint64, command string, t Target, partial kasa.TransitionState, err error) {
	log.Warn().
		Err(err).
		Uint64("seq", seq).
		Str("command", command).
		Str("kind", string(kasa.KindOf(err))).
		Msg("Command failed")

	c.publish(eventbus.Event{
		Type: eventbus.EventCommandFailed,
		Data: map[string]any{
			"seq":        seq,
			"command":    command,
			"device_id":  t.Device.DeviceID,
			"request":    partial,
			"error":      err.Error(),
			"error_kind": string(kasa.KindOf(err)),
		},
	})
}

func (c *Commander) publish(e eventbus.Event) {
	if c.events != nil {
		c.events.Publish(e)
	}
}

// Merge overlays the set fields of overlay onto base.
func Merge(base, overlay kasa.TransitionState) kasa.TransitionState {
	if overlay.OnOff != nil {
		base.OnOff = overlay.OnOff
	}
	if overlay.Mode != nil {
		base.Mode = overlay.Mode
	}
	if overlay.Hue != nil {
		base.Hue = overlay.Hue
	}
	if overlay.Saturation != nil {
		base.Saturation = overlay.Saturation
	}
	if overlay.ColorTemp != nil {
		base.ColorTemp = overlay.ColorTemp
	}
	if overlay.Brightness != nil {
		base.Brightness = overlay.Brightness
	}
	if overlay.Transition != nil {
		base.Transition = overlay.Transition
	}
	return base
}
