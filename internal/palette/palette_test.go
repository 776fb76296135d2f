package palette

import (
	"testing"

	"github.com/dokzlo13/lampd/internal/kasa"
)

func TestRandom_Ranges(t *testing.T) {
	p := NewRandom(30, 50, 42)
	for i := 0; i < 1000; i++ {
		next := p.Next(nil)
		if err := next.Validate(); err != nil {
			t.Fatalf("Next() produced invalid state: %v", err)
		}
		if *next.Saturation < 30 {
			t.Fatalf("saturation %d below minimum", *next.Saturation)
		}
		if *next.Brightness != 50 || *next.ColorTemp != 0 || *next.OnOff != kasa.PowerOn {
			t.Fatalf("Next() = brightness %d color_temp %d on_off %d", *next.Brightness, *next.ColorTemp, *next.OnOff)
		}
	}
}

func TestRandom_InvalidBoundsUseDefaults(t *testing.T) {
	p := NewRandom(150, -1, 1)
	next := p.Next(nil)
	if *next.Brightness != DefaultBrightness {
		t.Errorf("brightness = %d, want %d", *next.Brightness, DefaultBrightness)
	}
	if *next.Saturation < DefaultSaturationMin {
		t.Errorf("saturation = %d, want >= %d", *next.Saturation, DefaultSaturationMin)
	}
}

func TestLua_OverridesFields(t *testing.T) {
	p, err := LoadLuaString(`
		local log = require("log")
		function shuffle(prev)
			if prev == nil then
				return { hue = 10, saturation = 90 }
			end
			log.debug("rotating hue")
			return { hue = (prev.hue + 30) % 360, saturation = prev.saturation, brightness = 80 }
		end
	`, NewRandom(30, 50, 7))
	if err != nil {
		t.Fatalf("LoadLuaString() error = %v", err)
	}
	defer p.Close()

	first := p.Next(nil)
	if *first.Hue != 10 || *first.Saturation != 90 || *first.Brightness != 50 {
		t.Errorf("first = hue %d sat %d bri %d", *first.Hue, *first.Saturation, *first.Brightness)
	}

	prev := kasa.LightState{OnOff: 1, Hue: 350, Saturation: 40, Brightness: 50}
	second := p.Next(&prev)
	if *second.Hue != 20 || *second.Saturation != 40 || *second.Brightness != 80 {
		t.Errorf("second = hue %d sat %d bri %d", *second.Hue, *second.Saturation, *second.Brightness)
	}
	if *second.OnOff != kasa.PowerOn {
		t.Errorf("on_off = %d, want fallback value 1", *second.OnOff)
	}
}

func TestLua_FallsBack(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"runtime_error", `function shuffle(prev) error("boom") end`},
		{"not_a_table", `function shuffle(prev) return 42 end`},
		{"out_of_range", `function shuffle(prev) return { hue = 999 } end`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := LoadLuaString(tt.src, NewRandom(30, 50, 3))
			if err != nil {
				t.Fatalf("LoadLuaString() error = %v", err)
			}
			defer p.Close()

			next := p.Next(nil)
			if err := next.Validate(); err != nil {
				t.Errorf("fallback produced invalid state: %v", err)
			}
			if *next.Brightness != 50 {
				t.Errorf("brightness = %d, want fallback 50", *next.Brightness)
			}
		})
	}
}

func TestLua_RequiresShuffle(t *testing.T) {
	if _, err := LoadLuaString(`x = 1`, NewRandom(30, 50, 1)); err == nil {
		t.Error("LoadLuaString() accepted a script without shuffle")
	}
	if _, err := LoadLuaString(`function shuffle(`, NewRandom(30, 50, 1)); err == nil {
		t.Error("LoadLuaString() accepted a script with a syntax error")
	}
}
