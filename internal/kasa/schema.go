package kasa

import (
	"encoding/json"
	"fmt"
)

var sessionKeys = []string{"accountId", "regTime", "countryCode", "riskDetected", "email", "token"}

var deviceKeys = []string{
	"deviceType", "role", "fwVer", "appServerUrl", "deviceRegion", "deviceId",
	"deviceName", "deviceHwVer", "alias", "deviceMac", "oemId", "deviceModel",
	"hwId", "fwId", "isSameRegion", "status",
}

// DecodeSession validates and parses a login result object.
func DecodeSession(result json.RawMessage) (Session, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil || fields == nil {
		return Session{}, fmt.Errorf("login result is not an object")
	}
	if err := requireKeys(fields, sessionKeys...); err != nil {
		return Session{}, fmt.Errorf("login result: %w", err)
	}
	var s Session
	if err := json.Unmarshal(result, &s); err != nil {
		return Session{}, fmt.Errorf("login result: %w", err)
	}
	if s.Token == "" {
		return Session{}, fmt.Errorf("login result: empty token")
	}
	return s, nil
}

// DecodeDeviceList validates and parses a getDeviceList result object.
func DecodeDeviceList(result json.RawMessage) ([]Device, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("device list result is not an object")
	}
	rawList, ok := fields["deviceList"]
	if !ok {
		return nil, fmt.Errorf("device list result: missing field %q", "deviceList")
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(rawList, &entries); err != nil {
		return nil, fmt.Errorf("deviceList is not an array: %w", err)
	}

	devices := make([]Device, 0, len(entries))
	for i, entry := range entries {
		var df map[string]json.RawMessage
		if err := json.Unmarshal(entry, &df); err != nil || df == nil {
			return nil, fmt.Errorf("deviceList[%d] is not an object", i)
		}
		if err := requireKeys(df, deviceKeys...); err != nil {
			return nil, fmt.Errorf("deviceList[%d]: %w", i, err)
		}
		var d Device
		if err := json.Unmarshal(entry, &d); err != nil {
			return nil, fmt.Errorf("deviceList[%d]: %w", i, err)
		}
		devices = append(devices, d)
	}
	return devices, nil
}
