// Package kasa holds the vendor cloud data model and the passthrough wire
// codec for TP-Link Kasa smart bulbs.
package kasa

import "fmt"

// Namespace is the device-protocol service key for smart bulb lighting.
const Namespace = "smartlife.iot.smartbulb.lightingservice"

// CommandKind names a lighting-service method carried by a passthrough request.
type CommandKind string

const (
	GetLightState        CommandKind = "get_light_state"
	TransitionLightState CommandKind = "transition_light_state"
)

// Valid ranges for light attributes.
const (
	MaxHue        = 360
	MaxSaturation = 100
	MaxBrightness = 100
	MinColorTemp  = 2500
	MaxColorTemp  = 9000
	DefaultMode   = "normal"
	PowerOff      = 0
	PowerOn       = 1
)

// Session is the result of a successful login. It is immutable for the
// process lifetime.
type Session struct {
	AccountID    string `json:"accountId"`
	Token        string `json:"token"`
	Email        string `json:"email"`
	RegTime      string `json:"regTime"`
	CountryCode  string `json:"countryCode"`
	RiskDetected int    `json:"riskDetected"`
}

// Device is a single entry of the cloud device list.
type Device struct {
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	Alias        string `json:"alias"`
	DeviceModel  string `json:"deviceModel"`
	DeviceMac    string `json:"deviceMac"`
	DeviceType   string `json:"deviceType"`
	DeviceHwVer  string `json:"deviceHwVer"`
	DeviceRegion string `json:"deviceRegion"`
	FwVer        string `json:"fwVer"`
	FwID         string `json:"fwId"`
	HwID         string `json:"hwId"`
	OemID        string `json:"oemId"`
	AppServerURL string `json:"appServerUrl"`
	Role         int    `json:"role"`
	Status       int    `json:"status"`
	IsSameRegion bool   `json:"isSameRegion"`
}

// LightState is the canonical bulb state, independent of the wire shape that
// produced it. ColorTemp 0 means hue/saturation drive the color.
type LightState struct {
	OnOff      int    `json:"on_off"`
	Mode       string `json:"mode"`
	Hue        int    `json:"hue"`
	Saturation int    `json:"saturation"`
	Brightness int    `json:"brightness"`
	ColorTemp  int    `json:"color_temp"`
	ErrCode    int    `json:"err_code"`
}

// IsOn reports whether the bulb is powered.
func (s LightState) IsOn() bool {
	return s.OnOff == PowerOn
}

// WithPower returns a copy of s with only the power flag changed.
func (s LightState) WithPower(onOff int) LightState {
	s.OnOff = onOff
	return s
}

// TransitionState is a partial state sent with transition_light_state.
// Nil fields are omitted from the wire payload.
type TransitionState struct {
	OnOff      *int    `json:"on_off,omitempty"`
	Mode       *string `json:"mode,omitempty"`
	Hue        *int    `json:"hue,omitempty"`
	Saturation *int    `json:"saturation,omitempty"`
	ColorTemp  *int    `json:"color_temp,omitempty"`
	Brightness *int    `json:"brightness,omitempty"`
	Transition *int    `json:"transition_period,omitempty"`
}

// Int returns a pointer to v, for building TransitionState literals.
func Int(v int) *int {
	return &v
}

// String returns a pointer to v.
func String(v string) *string {
	return &v
}

// TransitionFrom builds a full transition carrying every color attribute of s.
func TransitionFrom(s LightState) TransitionState {
	t := TransitionState{
		OnOff:      Int(s.OnOff),
		Hue:        Int(s.Hue),
		Saturation: Int(s.Saturation),
		ColorTemp:  Int(s.ColorTemp),
		Brightness: Int(s.Brightness),
	}
	if s.Mode != "" {
		t.Mode = String(s.Mode)
	}
	return t
}

// RequestsPowerOff reports whether t explicitly turns the bulb off.
func (t TransitionState) RequestsPowerOff() bool {
	return t.OnOff != nil && *t.OnOff == PowerOff
}

// Apply overlays the set fields of t onto base.
func (t TransitionState) Apply(base LightState) LightState {
	if t.OnOff != nil {
		base.OnOff = *t.OnOff
	}
	if t.Mode != nil {
		base.Mode = *t.Mode
	}
	if t.Hue != nil {
		base.Hue = *t.Hue
	}
	if t.Saturation != nil {
		base.Saturation = *t.Saturation
	}
	if t.ColorTemp != nil {
		base.ColorTemp = *t.ColorTemp
	}
	if t.Brightness != nil {
		base.Brightness = *t.Brightness
	}
	return base
}

// Validate checks the set fields against the device's accepted ranges.
func (t TransitionState) Validate() error {
	if t.OnOff != nil && *t.OnOff != PowerOff && *t.OnOff != PowerOn {
		return fmt.Errorf("on_off must be 0 or 1, got %d", *t.OnOff)
	}
	if t.Hue != nil && (*t.Hue < 0 || *t.Hue > MaxHue) {
		return fmt.Errorf("hue must be in [0,%d], got %d", MaxHue, *t.Hue)
	}
	if t.Saturation != nil && (*t.Saturation < 0 || *t.Saturation > MaxSaturation) {
		return fmt.Errorf("saturation must be in [0,%d], got %d", MaxSaturation, *t.Saturation)
	}
	if t.Brightness != nil && (*t.Brightness < 0 || *t.Brightness > MaxBrightness) {
		return fmt.Errorf("brightness must be in [0,%d], got %d", MaxBrightness, *t.Brightness)
	}
	if t.ColorTemp != nil && *t.ColorTemp != 0 && (*t.ColorTemp < MinColorTemp || *t.ColorTemp > MaxColorTemp) {
		return fmt.Errorf("color_temp must be 0 or in [%d,%d], got %d", MinColorTemp, MaxColorTemp, *t.ColorTemp)
	}
	if t.Transition != nil && *t.Transition < 0 {
		return fmt.Errorf("transition_period must not be negative, got %d", *t.Transition)
	}
	return nil
}
