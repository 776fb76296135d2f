package lamp

import (
	"fmt"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/dokzlo13/lampd/internal/kasa"
)

// Swatch is the panel's rendering of a light state: hue and saturation with
// brightness used as HSL lightness.
type Swatch struct {
	Color       string `json:"color"`
	Hex         string `json:"hex"`
	GradientTop string `json:"gradient_top"`
	GradientEnd string `json:"gradient_end"`
	Gradient    string `json:"gradient"`
}

// DefaultSwatch is shown while no state is known.
var DefaultSwatch = Swatch{
	Color:       "hsl(280 100% 70%)",
	Hex:         hslHex(280, 100, 70),
	GradientTop: "#2e026d",
	GradientEnd: "#15162c",
	Gradient:    "linear-gradient(to bottom, #2e026d, #15162c)",
}

// SwatchFor renders st.
func SwatchFor(st kasa.LightState) Swatch {
	top := st.Brightness * 8 / 10
	s := Swatch{
		Color:       hslCSS(st.Hue, st.Saturation, st.Brightness),
		Hex:         hslHex(st.Hue, st.Saturation, st.Brightness),
		GradientTop: hslHex(st.Hue, st.Saturation, top),
		GradientEnd: hslHex(st.Hue, st.Saturation, 10),
	}
	s.Gradient = fmt.Sprintf("linear-gradient(to bottom, %s, %s)",
		hslCSS(st.Hue, st.Saturation, top), hslCSS(st.Hue, st.Saturation, 10))
	return s
}

func hslCSS(h, s, l int) string {
	return fmt.Sprintf("hsl(%d %d%% %d%%)", h, s, l)
}

func hslHex(h, s, l int) string {
	return colorful.Hsl(float64(h%360), float64(s)/100, float64(l)/100).Clamped().Hex()
}
