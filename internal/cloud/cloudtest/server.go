// Package cloudtest provides an in-process fake of the TP-Link cloud endpoint
// for tests.
package cloudtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/dokzlo13/lampd/internal/kasa"
)

const (
	Username   = "lamp@example.com"
	Password   = "hunter2"
	TargetName = "Smart Wi-Fi LED Bulb with Color Changing"
)

// Server fakes the cloud endpoint with a single simulated bulb.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// Devices returned by getDeviceList.
	Devices []kasa.Device
	// State is the simulated bulb state.
	State kasa.LightState
	// OffEcho controls whether a power-off transition echoes dft_on_state.
	OffEcho bool
	// FailCode, when non-zero, is returned as error_code for the next
	// passthrough and then cleared.
	FailCode int
	// Respond, when set, replaces the reply body for the given method.
	Respond func(method string) (body string, ok bool)

	token       string
	logins      int
	calls       map[string]int
	terminalIDs []string
	requests    []string
}

// NewServer starts a fake with one target bulb, powered on.
func NewServer() *Server {
	s := &Server{
		Devices: []kasa.Device{
			Bulb("80121C1", TargetName, "Living Room"),
			Bulb("80121C2", "Smart Wi-Fi Plug", "Kettle"),
		},
		State:   kasa.LightState{OnOff: 1, Mode: kasa.DefaultMode, Hue: 280, Saturation: 100, Brightness: 70},
		OffEcho: true,
		calls:   make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Bulb returns a fully populated device entry.
func Bulb(id, name, alias string) kasa.Device {
	return kasa.Device{
		DeviceID:     id,
		DeviceName:   name,
		Alias:        alias,
		DeviceModel:  "KL130(US)",
		DeviceMac:    "50C7BF000001",
		DeviceType:   "IOT.SMARTBULB",
		DeviceHwVer:  "1.0",
		DeviceRegion: "us-east-1",
		FwVer:        "1.8.11 Build 191113 Rel.105336",
		FwID:         "00000000000000000000000000000000",
		HwID:         "111E35908497A05512E259BB76801E10",
		OemID:        "32BD0B21AA9BF8E84737D1DB1C66E883",
		AppServerURL: "https://use1-wap.tplinkcloud.com",
		Role:         0,
		Status:       1,
		IsSameRegion: true,
	}
}

// Calls returns how many times method was invoked.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// TerminalIDs returns the terminalUUID of every login.
func (s *Server) TerminalIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.terminalIDs...)
}

// Requests returns the raw requestData strings of every passthrough.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// CurrentState returns the simulated bulb state.
func (s *Server) CurrentState() kasa.LightState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// SetState replaces the simulated bulb state.
func (s *Server) SetState(st kasa.LightState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = st
}

// Configure runs fn with the server locked, for adjusting exported fields
// while requests may be in flight.
func (s *Server) Configure(fn func(s *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, `{"error_code":-10100,"msg":"JSON format error"}`)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[req.Method]++

	if s.Respond != nil {
		if out, ok := s.Respond(req.Method); ok {
			writeJSON(w, out)
			return
		}
	}

	switch req.Method {
	case "login":
		s.login(w, req.Params)
	case "getDeviceList":
		if !s.authorized(w, r) {
			return
		}
		s.deviceList(w)
	case "passthrough":
		if !s.authorized(w, r) {
			return
		}
		s.passthrough(w, req.Params)
	default:
		writeJSON(w, `{"error_code":-20103,"msg":"Method not found"}`)
	}
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" || r.URL.Query().Get("token") != s.token {
		writeJSON(w, `{"error_code":-20651,"msg":"Token expired"}`)
		return false
	}
	return true
}

func (s *Server) login(w http.ResponseWriter, params json.RawMessage) {
	var p struct {
		AppType       string `json:"appType"`
		CloudUserName string `json:"cloudUserName"`
		CloudPassword string `json:"cloudPassword"`
		TerminalUUID  string `json:"terminalUUID"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.AppType == "" || p.TerminalUUID == "" {
		writeJSON(w, `{"error_code":-10100,"msg":"Parameter error"}`)
		return
	}
	s.terminalIDs = append(s.terminalIDs, p.TerminalUUID)
	if p.CloudUserName != Username || p.CloudPassword != Password {
		writeJSON(w, `{"error_code":-20601,"msg":"Incorrect email or password"}`)
		return
	}

	s.logins++
	s.token = fmt.Sprintf("0d8a3bb4-ATz3mYXfYdcNq6Qvh5e7y3s-%d", s.logins)
	result := kasa.Session{
		AccountID:    "12345678",
		Token:        s.token,
		Email:        Username,
		RegTime:      "2019-11-20 19:41:00",
		CountryCode:  "US",
		RiskDetected: 0,
	}
	writeResult(w, result)
}

func (s *Server) deviceList(w http.ResponseWriter) {
	devices := s.Devices
	if devices == nil {
		devices = []kasa.Device{}
	}
	writeResult(w, map[string]any{"deviceList": devices})
}

func (s *Server) passthrough(w http.ResponseWriter, params json.RawMessage) {
	var p kasa.PassthroughParams
	if err := json.Unmarshal(params, &p); err != nil {
		writeJSON(w, `{"error_code":-10100,"msg":"Parameter error"}`)
		return
	}
	if !s.hasDevice(p.DeviceID) {
		writeJSON(w, `{"error_code":-20571,"msg":"Device is offline"}`)
		return
	}
	s.requests = append(s.requests, p.RequestData)

	if s.FailCode != 0 {
		code := s.FailCode
		s.FailCode = 0
		writeJSON(w, fmt.Sprintf(`{"error_code":%d,"msg":"injected failure"}`, code))
		return
	}

	var inner map[string]map[kasa.CommandKind]json.RawMessage
	if err := json.Unmarshal([]byte(p.RequestData), &inner); err != nil {
		writeJSON(w, `{"error_code":-10100,"msg":"JSON format error"}`)
		return
	}
	methods, ok := inner[kasa.Namespace]
	if !ok {
		writeJSON(w, `{"error_code":-20104,"msg":"Module not support"}`)
		return
	}

	for kind, raw := range methods {
		switch kind {
		case kasa.GetLightState:
			s.writeState(w, kind)
			return
		case kasa.TransitionLightState:
			var t kasa.TransitionState
			if err := json.Unmarshal(raw, &t); err != nil {
				s.writeDeviceError(w, kind, -3, "invalid argument")
				return
			}
			if err := t.Validate(); err != nil {
				s.writeDeviceError(w, kind, -3, "invalid argument")
				return
			}
			s.State = t.Apply(s.State)
			if s.State.Mode == "" {
				s.State.Mode = kasa.DefaultMode
			}
			if !s.State.IsOn() && !s.OffEcho {
				s.writeResponseData(w, fmt.Sprintf(`{"%s":{"%s":{"on_off":0,"err_code":0}}}`, kasa.Namespace, kind))
				return
			}
			s.writeState(w, kind)
			return
		}
	}
	writeJSON(w, `{"error_code":-20104,"msg":"Method not support"}`)
}

func (s *Server) hasDevice(id string) bool {
	for _, d := range s.Devices {
		if d.DeviceID == id {
			return true
		}
	}
	return false
}

func (s *Server) writeState(w http.ResponseWriter, kind kasa.CommandKind) {
	data, err := kasa.EncodeResponseData(kind, s.State)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeResponseData(w, data)
}

func (s *Server) writeDeviceError(w http.ResponseWriter, kind kasa.CommandKind, code int, msg string) {
	s.writeResponseData(w, fmt.Sprintf(`{"%s":{"%s":{"err_code":%d,"err_msg":%q}}}`, kasa.Namespace, kind, code, msg))
}

func (s *Server) writeResponseData(w http.ResponseWriter, data string) {
	writeResult(w, kasa.PassthroughResult{ResponseData: data})
}

func writeResult(w http.ResponseWriter, result any) {
	raw, err := kasa.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out, err := kasa.Marshal(kasa.Response{ErrorCode: 0, Result: raw})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, string(out))
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
