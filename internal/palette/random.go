// Package palette chooses the colors used by the shuffle action.
package palette

import (
	"math/rand"
	"sync"
	"time"

	"github.com/dokzlo13/lampd/internal/kasa"
)

// Defaults for the random palette.
const (
	DefaultSaturationMin = 30
	DefaultBrightness    = 50
)

// Random picks a uniformly random hue and a saturation in
// [saturationMin, 100] at a fixed brightness, powered on with color_temp 0.
type Random struct {
	mu            sync.Mutex
	rng           *rand.Rand
	saturationMin int
	brightness    int
}

// NewRandom creates a random palette. A zero seed seeds from the clock.
func NewRandom(saturationMin, brightness int, seed int64) *Random {
	if saturationMin < 0 || saturationMin > kasa.MaxSaturation {
		saturationMin = DefaultSaturationMin
	}
	if brightness <= 0 || brightness > kasa.MaxBrightness {
		brightness = DefaultBrightness
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Random{
		rng:           rand.New(rand.NewSource(seed)),
		saturationMin: saturationMin,
		brightness:    brightness,
	}
}

// Next implements lamp.Palette. prev is ignored.
func (p *Random) Next(_ *kasa.LightState) kasa.TransitionState {
	p.mu.Lock()
	hue := p.rng.Intn(kasa.MaxHue + 1)
	sat := p.saturationMin + p.rng.Intn(kasa.MaxSaturation-p.saturationMin+1)
	p.mu.Unlock()

	return kasa.TransitionState{
		Brightness: kasa.Int(p.brightness),
		Hue:        kasa.Int(hue),
		Saturation: kasa.Int(sat),
		ColorTemp:  kasa.Int(0),
		OnOff:      kasa.Int(kasa.PowerOn),
	}
}
