package lamp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dokzlo13/lampd/internal/cloud"
	"github.com/dokzlo13/lampd/internal/cloud/cloudtest"
	"github.com/dokzlo13/lampd/internal/kasa"
	"github.com/dokzlo13/lampd/internal/palette"
)

type rpcFunc func(ctx context.Context, sess *kasa.Session, env kasa.Envelope) ([]byte, error)

func (f rpcFunc) Passthrough(ctx context.Context, sess *kasa.Session, env kasa.Envelope) ([]byte, error) {
	return f(ctx, sess, env)
}

var testTarget = Target{
	Session: &kasa.Session{Token: "t"},
	Device:  kasa.Device{DeviceID: "80121C1"},
}

func mustReply(t *testing.T, st kasa.LightState) []byte {
	t.Helper()
	body, err := kasa.EncodeLightStateResponse(kasa.TransitionLightState, st)
	if err != nil {
		t.Fatalf("EncodeLightStateResponse() error = %v", err)
	}
	return body
}

// connectedCommander logs in to a fake cloud and returns a commander bound to
// the target bulb.
func connectedCommander(t *testing.T, srv *cloudtest.Server) (*Commander, *Store, Target) {
	t.Helper()
	c := cloud.NewClient(cloud.Options{Endpoint: srv.URL, Timeout: 2 * time.Second})
	sess, err := c.Login(context.Background(), cloudtest.Username, cloudtest.Password)
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	store := NewStore()
	cmd := NewCommander(c, store, palette.NewRandom(30, 50, 1), nil)
	return cmd, store, Target{Session: sess, Device: srv.Devices[0]}
}

func lastTransition(t *testing.T, srv *cloudtest.Server) map[string]any {
	t.Helper()
	reqs := srv.Requests()
	if len(reqs) == 0 {
		t.Fatal("no passthrough requests recorded")
	}
	var inner map[string]map[string]map[string]any
	if err := json.Unmarshal([]byte(reqs[len(reqs)-1]), &inner); err != nil {
		t.Fatalf("requestData is not JSON: %v", err)
	}
	return inner[kasa.Namespace][string(kasa.TransitionLightState)]
}

func TestGetState_Idempotent(t *testing.T) {
	srv := cloudtest.NewServer()
	defer srv.Close()
	cmd, store, target := connectedCommander(t, srv)

	first, err := cmd.GetState(context.Background(), target)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	second, err := cmd.GetState(context.Background(), target)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if first != second {
		t.Errorf("consecutive GetState differ: %+v vs %+v", first, second)
	}
	if got, _ := store.State(); got != second {
		t.Errorf("store = %+v, want %+v", got, second)
	}
}

func TestSetState_PowerCycleRestoresColor(t *testing.T) {
	for _, echo := range []bool{true, false} {
		name := "echo"
		if !echo {
			name = "carry_forward"
		}
		t.Run(name, func(t *testing.T) {
			srv := cloudtest.NewServer()
			defer srv.Close()
			srv.Configure(func(s *cloudtest.Server) { s.OffEcho = echo })
			cmd, _, target := connectedCommander(t, srv)
			ctx := context.Background()

			set, err := cmd.SetState(ctx, target, kasa.TransitionState{
				OnOff: kasa.Int(1), Hue: kasa.Int(200), Saturation: kasa.Int(40), Brightness: kasa.Int(60), ColorTemp: kasa.Int(0),
			})
			if err != nil {
				t.Fatalf("SetState(color) error = %v", err)
			}

			off, err := cmd.SetState(ctx, target, kasa.TransitionState{OnOff: kasa.Int(0)})
			if err != nil {
				t.Fatalf("SetState(off) error = %v", err)
			}
			if off != set.WithPower(0) {
				t.Errorf("off state = %+v, want %+v", off, set.WithPower(0))
			}

			on, err := cmd.SetState(ctx, target, kasa.TransitionState{OnOff: kasa.Int(1)})
			if err != nil {
				t.Fatalf("SetState(on) error = %v", err)
			}
			if on.Hue != 200 || on.Saturation != 40 || on.Brightness != 60 || !on.IsOn() {
				t.Errorf("on state = %+v, want previous color restored", on)
			}
		})
	}
}

func TestSetState_OffWithoutColorsAndNoHistory(t *testing.T) {
	srv := cloudtest.NewServer()
	defer srv.Close()
	srv.Configure(func(s *cloudtest.Server) { s.OffEcho = false })
	cmd, store, target := connectedCommander(t, srv)

	_, err := cmd.SetState(context.Background(), target, kasa.TransitionState{OnOff: kasa.Int(0)})
	if !errors.Is(err, kasa.ErrDecode) {
		t.Fatalf("SetState() error = %v, want decode error", err)
	}
	if _, ok := store.State(); ok {
		t.Error("store was written after a failed decode")
	}
}

func TestSetState_ColorlessReplyToPowerOnFails(t *testing.T) {
	store := NewStore()
	store.Apply(store.Next(), kasa.LightState{OnOff: 1, Hue: 5, Saturation: 5, Brightness: 5})

	rpc := rpcFunc(func(context.Context, *kasa.Session, kasa.Envelope) ([]byte, error) {
		return []byte(`{"error_code":0,"result":{"responseData":"{\"smartlife.iot.smartbulb.lightingservice\":{\"transition_light_state\":{\"on_off\":0,\"err_code\":0}}}"}}`), nil
	})
	cmd := NewCommander(rpc, store, palette.NewRandom(30, 50, 1), nil)

	_, err := cmd.SetState(context.Background(), testTarget, kasa.TransitionState{Hue: kasa.Int(10)})
	if !errors.Is(err, kasa.ErrDecode) {
		t.Errorf("SetState() error = %v, want decode error when power-off was not requested", err)
	}
}

func TestSetState_Failures(t *testing.T) {
	srv := cloudtest.NewServer()
	defer srv.Close()
	cmd, store, target := connectedCommander(t, srv)
	ctx := context.Background()

	before, err := cmd.GetState(ctx, target)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}

	srv.Configure(func(s *cloudtest.Server) { s.FailCode = -20571 })
	_, err = cmd.SetState(ctx, target, kasa.TransitionState{Hue: kasa.Int(1)})
	var kerr *kasa.Error
	if !errors.As(err, &kerr) || kerr.Kind != kasa.KindCommand || kerr.Code != -20571 {
		t.Errorf("cloud error = %v, want command error with code -20571", err)
	}

	requests := len(srv.Requests())
	_, err = cmd.SetState(ctx, target, kasa.TransitionState{Hue: kasa.Int(400)})
	if !errors.Is(err, ErrInvalidState) || errors.Is(err, kasa.ErrCommand) {
		t.Errorf("invalid hue error = %v, want ErrInvalidState", err)
	}
	if len(srv.Requests()) != requests {
		t.Error("invalid state was sent to the cloud")
	}

	if got, _ := store.State(); got != before {
		t.Errorf("store = %+v after failures, want %+v", got, before)
	}
}

func TestSetState_DeviceErrCode(t *testing.T) {
	rpc := rpcFunc(func(context.Context, *kasa.Session, kasa.Envelope) ([]byte, error) {
		return []byte(`{"error_code":0,"result":{"responseData":"{\"smartlife.iot.smartbulb.lightingservice\":{\"transition_light_state\":{\"err_code\":-2,\"err_msg\":\"member not support\"}}}"}}`), nil
	})
	cmd := NewCommander(rpc, NewStore(), palette.NewRandom(30, 50, 1), nil)

	_, err := cmd.SetState(context.Background(), testTarget, kasa.TransitionState{OnOff: kasa.Int(1)})
	var kerr *kasa.Error
	if !errors.As(err, &kerr) || kerr.Kind != kasa.KindCommand || kerr.Code != -2 || kerr.Msg != "member not support" {
		t.Errorf("SetState() error = %#v, want device command error", err)
	}
}

func TestShuffle_SendsPaletteDefaults(t *testing.T) {
	srv := cloudtest.NewServer()
	defer srv.Close()
	cmd, _, target := connectedCommander(t, srv)

	st, err := cmd.Shuffle(context.Background(), target, kasa.TransitionState{})
	if err != nil {
		t.Fatalf("Shuffle() error = %v", err)
	}

	sent := lastTransition(t, srv)
	if sent["brightness"] != float64(50) || sent["color_temp"] != float64(0) || sent["on_off"] != float64(1) {
		t.Errorf("sent = %v, want brightness 50, color_temp 0, on_off 1", sent)
	}
	sat := sent["saturation"].(float64)
	if sat < 30 || sat > 100 {
		t.Errorf("saturation = %v, want [30,100]", sat)
	}
	if float64(st.Hue) != sent["hue"] {
		t.Errorf("state hue = %d, sent %v", st.Hue, sent["hue"])
	}
}

func TestShuffle_OverridesMergeOverPalette(t *testing.T) {
	srv := cloudtest.NewServer()
	defer srv.Close()
	cmd, _, target := connectedCommander(t, srv)

	if _, err := cmd.Shuffle(context.Background(), target, kasa.TransitionState{Brightness: kasa.Int(90)}); err != nil {
		t.Fatalf("Shuffle() error = %v", err)
	}
	if sent := lastTransition(t, srv); sent["brightness"] != float64(90) {
		t.Errorf("brightness = %v, want override 90", sent["brightness"])
	}
}

func TestTogglePower_OptimisticFlipAndRevert(t *testing.T) {
	store := NewStore()
	on := kasa.LightState{OnOff: 1, Mode: "normal", Hue: 120, Saturation: 50, Brightness: 40}
	store.Apply(store.Next(), on)

	release := make(chan struct{})
	entered := make(chan kasa.Envelope, 1)
	rpc := rpcFunc(func(ctx context.Context, _ *kasa.Session, env kasa.Envelope) ([]byte, error) {
		entered <- env
		<-release
		return nil, &kasa.Error{Kind: kasa.KindCommand, Op: "passthrough", Msg: "offline"}
	})
	cmd := NewCommander(rpc, store, palette.NewRandom(30, 50, 1), nil)

	done := make(chan error, 1)
	go func() {
		_, err := cmd.TogglePower(context.Background(), testTarget)
		done <- err
	}()

	env := <-entered
	if got, _ := store.State(); got != on.WithPower(0) {
		t.Errorf("state while in flight = %+v, want optimistic off", got)
	}

	params := env.Params.(kasa.PassthroughParams)
	var inner map[string]map[string]map[string]any
	if err := json.Unmarshal([]byte(params.RequestData), &inner); err != nil {
		t.Fatalf("requestData: %v", err)
	}
	sent := inner[kasa.Namespace][string(kasa.TransitionLightState)]
	if sent["on_off"] != float64(0) || sent["hue"] != float64(120) || sent["saturation"] != float64(50) || sent["brightness"] != float64(40) {
		t.Errorf("toggle sent %v, want last color with on_off 0", sent)
	}

	close(release)
	if err := <-done; !errors.Is(err, kasa.ErrCommand) {
		t.Fatalf("TogglePower() error = %v, want command error", err)
	}
	if got, _ := store.State(); got != on {
		t.Errorf("state after failure = %+v, want reverted %+v", got, on)
	}
}

func TestTogglePower_Roundtrip(t *testing.T) {
	srv := cloudtest.NewServer()
	defer srv.Close()
	cmd, store, target := connectedCommander(t, srv)
	ctx := context.Background()

	initial, err := cmd.GetState(ctx, target)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}

	off, err := cmd.TogglePower(ctx, target)
	if err != nil {
		t.Fatalf("TogglePower(off) error = %v", err)
	}
	if off.IsOn() || off.Hue != initial.Hue {
		t.Errorf("after first toggle = %+v", off)
	}

	on, err := cmd.TogglePower(ctx, target)
	if err != nil {
		t.Fatalf("TogglePower(on) error = %v", err)
	}
	if on != initial {
		t.Errorf("after second toggle = %+v, want %+v", on, initial)
	}
	if got, _ := store.State(); got != initial {
		t.Errorf("store = %+v, want %+v", got, initial)
	}
}

func TestCommander_StaleReplyDiscarded(t *testing.T) {
	store := NewStore()
	slowState := kasa.LightState{OnOff: 1, Mode: "normal", Hue: 10, Saturation: 10, Brightness: 10}
	fastState := kasa.LightState{OnOff: 1, Mode: "normal", Hue: 300, Saturation: 90, Brightness: 90}

	slowReply, fastReply := mustReply(t, slowState), mustReply(t, fastState)
	release := make(chan struct{})
	slowEntered := make(chan struct{})
	rpc := rpcFunc(func(ctx context.Context, _ *kasa.Session, env kasa.Envelope) ([]byte, error) {
		params := env.Params.(kasa.PassthroughParams)
		var inner map[string]map[string]map[string]any
		_ = json.Unmarshal([]byte(params.RequestData), &inner)
		if inner[kasa.Namespace][string(kasa.TransitionLightState)]["hue"] == float64(10) {
			close(slowEntered)
			<-release
			return slowReply, nil
		}
		return fastReply, nil
	})
	cmd := NewCommander(rpc, store, palette.NewRandom(30, 50, 1), nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := cmd.SetState(ctx, testTarget, kasa.TransitionFrom(slowState))
		done <- err
	}()
	<-slowEntered

	if _, err := cmd.SetState(ctx, testTarget, kasa.TransitionFrom(fastState)); err != nil {
		t.Fatalf("SetState(fast) error = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("SetState(slow) error = %v", err)
	}

	if got, _ := store.State(); got != fastState {
		t.Errorf("store = %+v, want newer command's state %+v", got, fastState)
	}
}

func TestCommander_InvalidStateNeverSent(t *testing.T) {
	var calls int
	rpc := rpcFunc(func(context.Context, *kasa.Session, kasa.Envelope) ([]byte, error) {
		calls++
		return nil, errors.New("unexpected passthrough")
	})
	events := &recordingPublisher{}
	cmd := NewCommander(rpc, NewStore(), palette.NewRandom(30, 50, 1), events)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"set_state saturation", func() error {
			_, err := cmd.SetState(ctx, testTarget, kasa.TransitionState{Saturation: kasa.Int(101)})
			return err
		}},
		{"set_state on_off", func() error {
			_, err := cmd.SetState(ctx, testTarget, kasa.TransitionState{OnOff: kasa.Int(2)})
			return err
		}},
		{"shuffle override", func() error {
			_, err := cmd.Shuffle(ctx, testTarget, kasa.TransitionState{Hue: kasa.Int(500)})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, ErrInvalidState) {
				t.Errorf("error = %v, want ErrInvalidState", err)
			}
			if kasa.KindOf(err) != "" {
				t.Errorf("kind = %q, want none", kasa.KindOf(err))
			}
		})
	}
	if calls != 0 {
		t.Errorf("passthrough called %d times", calls)
	}
	if got := events.types(); len(got) != 0 {
		t.Errorf("published %v, want nothing", got)
	}
}
