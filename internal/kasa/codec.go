package kasa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoDefaultOnState marks a powered-off reply that carries no color
// attributes at all. Callers that issued the power-off may fall back to the
// last known color; everyone else treats it as a decode failure.
var ErrNoDefaultOnState = errors.New("powered-off state without dft_on_state")

// Envelope is the outer JSON-RPC request body accepted by the cloud endpoint.
type Envelope struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// PassthroughParams forwards a device-protocol request. RequestData holds the
// inner envelope as a JSON string.
type PassthroughParams struct {
	DeviceID    string `json:"deviceId"`
	RequestData string `json:"requestData"`
}

// Response is the outer reply envelope shared by every cloud method.
type Response struct {
	ErrorCode int             `json:"error_code"`
	Msg       string          `json:"msg,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// PassthroughResult is the result object of a passthrough reply.
type PassthroughResult struct {
	ResponseData string `json:"responseData"`
}

// Marshal encodes v the way the vendor app does: no HTML escaping and no
// trailing newline.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// EncodeCommand wraps payload under the lighting namespace and embeds the
// result as a string inside a passthrough envelope for deviceID.
// A nil payload is sent as an empty object.
func EncodeCommand(deviceID string, kind CommandKind, payload any) (Envelope, error) {
	if payload == nil {
		payload = struct{}{}
	}
	inner, err := Marshal(map[string]map[CommandKind]any{
		Namespace: {kind: payload},
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return Envelope{
		Method: "passthrough",
		Params: PassthroughParams{
			DeviceID:    deviceID,
			RequestData: string(inner),
		},
	}, nil
}

// ParseResponse decodes the outer reply envelope. A body without error_code
// is rejected.
func ParseResponse(body []byte) (*Response, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("invalid response JSON: %w", err)
	}
	if _, ok := probe["error_code"]; !ok {
		return nil, errors.New("response has no error_code")
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid response envelope: %w", err)
	}
	return &resp, nil
}

// WireState is one of the two shapes a bulb reports its lighting state in.
// It never leaves this package's decode path; callers get a LightState.
type WireState interface {
	Canonical() LightState
	isWireState()
}

type colorAttrs struct {
	Mode       string `json:"mode"`
	Hue        int    `json:"hue"`
	Saturation int    `json:"saturation"`
	ColorTemp  int    `json:"color_temp"`
	Brightness int    `json:"brightness"`
}

var colorKeys = []string{"mode", "hue", "saturation", "color_temp", "brightness"}

// PoweredOn carries color attributes at the top level.
type PoweredOn struct {
	colorAttrs
	ErrCode int `json:"err_code"`
}

// PoweredOff carries the color the bulb returns to under dft_on_state.
type PoweredOff struct {
	DftOnState colorAttrs `json:"dft_on_state"`
	ErrCode    int        `json:"err_code"`
}

func (PoweredOn) isWireState()  {}
func (PoweredOff) isWireState() {}

// Canonical implements WireState.
func (s PoweredOn) Canonical() LightState {
	return LightState{
		OnOff:      PowerOn,
		Mode:       s.Mode,
		Hue:        s.Hue,
		Saturation: s.Saturation,
		Brightness: s.Brightness,
		ColorTemp:  s.ColorTemp,
		ErrCode:    s.ErrCode,
	}
}

// Canonical implements WireState.
func (s PoweredOff) Canonical() LightState {
	return LightState{
		OnOff:      PowerOff,
		Mode:       s.DftOnState.Mode,
		Hue:        s.DftOnState.Hue,
		Saturation: s.DftOnState.Saturation,
		Brightness: s.DftOnState.Brightness,
		ColorTemp:  s.DftOnState.ColorTemp,
		ErrCode:    s.ErrCode,
	}
}

// DecodeLightState parses a full passthrough reply body into canonical state.
func DecodeLightState(body []byte) (LightState, error) {
	const op = "decode light state"

	resp, err := ParseResponse(body)
	if err != nil {
		return LightState{}, newError(KindDecode, op, err)
	}
	if resp.ErrorCode != 0 {
		return LightState{}, &Error{Kind: KindCommand, Op: "passthrough", Code: resp.ErrorCode, Msg: resp.Msg}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(resp.Result, &fields); err != nil || fields == nil {
		return LightState{}, DecodeError(op, "result is not an object")
	}
	raw, ok := fields["responseData"]
	if !ok {
		return LightState{}, DecodeError(op, "result has no responseData")
	}
	var data string
	if err := json.Unmarshal(raw, &data); err != nil {
		return LightState{}, DecodeError(op, "responseData is not a string")
	}

	return DecodeResponseData(data)
}

// DecodeResponseData parses the inner device-protocol reply carried in
// responseData.
func DecodeResponseData(data string) (LightState, error) {
	ws, err := ParseWireState(data)
	if err != nil {
		return LightState{}, err
	}
	return ws.Canonical(), nil
}

// ParseWireState parses the inner reply and selects the wire variant by the
// on_off discriminator. A device-reported err_code is a command failure.
func ParseWireState(data string) (WireState, error) {
	const op = "decode light state"

	var inner map[string]map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &inner); err != nil {
		return nil, DecodeError(op, "invalid responseData JSON: %v", err)
	}
	methods, ok := inner[Namespace]
	if !ok || len(methods) != 1 {
		return nil, DecodeError(op, "expected exactly one %s method reply", Namespace)
	}

	var method string
	var body json.RawMessage
	for k, v := range methods {
		method, body = k, v
	}
	if method != string(GetLightState) && method != string(TransitionLightState) {
		return nil, DecodeError(op, "unexpected method %q", method)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, DecodeError(op, "%s reply is not an object", method)
	}

	if rawCode, ok := fields["err_code"]; ok {
		var code int
		if err := json.Unmarshal(rawCode, &code); err != nil {
			return nil, DecodeError(op, "err_code is not an integer")
		}
		if code != 0 {
			var msg string
			if rawMsg, ok := fields["err_msg"]; ok {
				_ = json.Unmarshal(rawMsg, &msg)
			}
			return nil, &Error{Kind: KindCommand, Op: method, Code: code, Msg: msg}
		}
	}

	rawOnOff, ok := fields["on_off"]
	if !ok {
		return nil, DecodeError(op, "missing on_off discriminator")
	}
	var onOff int
	if err := json.Unmarshal(rawOnOff, &onOff); err != nil {
		return nil, DecodeError(op, "on_off is not an integer")
	}

	switch onOff {
	case PowerOn:
		if err := requireKeys(fields, append(colorKeys, "err_code")...); err != nil {
			return nil, newError(KindDecode, op, fmt.Errorf("powered-on state: %w", err))
		}
		var s PoweredOn
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, DecodeError(op, "powered-on state: %v", err)
		}
		return s, nil

	case PowerOff:
		rawDft, ok := fields["dft_on_state"]
		if !ok {
			return nil, newError(KindDecode, op, ErrNoDefaultOnState)
		}
		if err := requireKeys(fields, "err_code"); err != nil {
			return nil, newError(KindDecode, op, fmt.Errorf("powered-off state: %w", err))
		}
		var dft map[string]json.RawMessage
		if err := json.Unmarshal(rawDft, &dft); err != nil || dft == nil {
			return nil, DecodeError(op, "dft_on_state is not an object")
		}
		if err := requireKeys(dft, colorKeys...); err != nil {
			return nil, newError(KindDecode, op, fmt.Errorf("dft_on_state: %w", err))
		}
		var s PoweredOff
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, DecodeError(op, "powered-off state: %v", err)
		}
		return s, nil

	default:
		return nil, DecodeError(op, "on_off discriminator must be 0 or 1, got %d", onOff)
	}
}

// EncodeResponseData renders s in the wire shape a bulb uses for its power
// state, wrapped under kind.
func EncodeResponseData(kind CommandKind, s LightState) (string, error) {
	attrs := colorAttrs{
		Mode:       s.Mode,
		Hue:        s.Hue,
		Saturation: s.Saturation,
		ColorTemp:  s.ColorTemp,
		Brightness: s.Brightness,
	}
	var ws any
	if s.IsOn() {
		ws = struct {
			OnOff int `json:"on_off"`
			PoweredOn
		}{PowerOn, PoweredOn{colorAttrs: attrs, ErrCode: s.ErrCode}}
	} else {
		ws = struct {
			OnOff int `json:"on_off"`
			PoweredOff
		}{PowerOff, PoweredOff{DftOnState: attrs, ErrCode: s.ErrCode}}
	}
	data, err := Marshal(map[string]map[CommandKind]any{Namespace: {kind: ws}})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EncodeLightStateResponse builds a complete passthrough reply body for s.
func EncodeLightStateResponse(kind CommandKind, s LightState) ([]byte, error) {
	data, err := EncodeResponseData(kind, s)
	if err != nil {
		return nil, err
	}
	result, err := Marshal(PassthroughResult{ResponseData: data})
	if err != nil {
		return nil, err
	}
	return Marshal(Response{ErrorCode: 0, Result: result})
}

func requireKeys(fields map[string]json.RawMessage, keys ...string) error {
	for _, k := range keys {
		if _, ok := fields[k]; !ok {
			return fmt.Errorf("missing field %q", k)
		}
	}
	return nil
}
