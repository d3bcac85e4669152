package core

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// DeviceAction enumerates the simulated EDR response actions.
type DeviceAction string

const (
	ActionIsolate        DeviceAction = "isolate"
	ActionRelease        DeviceAction = "release"
	ActionAVScan         DeviceAction = "av_scan"
	ActionKillProcess    DeviceAction = "kill_process"
	ActionQuarantineFile DeviceAction = "quarantine_file"
	ActionBlockIP        DeviceAction = "block_ip"
	ActionBlockDomain    DeviceAction = "block_domain"
	ActionCollectTriage  DeviceAction = "collect_triage"
)

// DeviceActions lists every supported action in display order.
var DeviceActions = []DeviceAction{
	ActionIsolate,
	ActionRelease,
	ActionAVScan,
	ActionKillProcess,
	ActionQuarantineFile,
	ActionBlockIP,
	ActionBlockDomain,
	ActionCollectTriage,
}

// Valid reports whether a is a known action.
func (a DeviceAction) Valid() bool {
	for _, known := range DeviceActions {
		if a == known {
			return true
		}
	}
	return false
}

var scanTypes = map[string]bool{"quick": true, "full": true, "custom": true}

// safeProcessName matches only safe process name characters (alphanumeric, dots, dashes, underscores).
var safeProcessName = regexp.MustCompile(`^[a-zA-Z0-9._\-]+$`)

// domainPattern matches DNS names made of letter/digit/hyphen labels.
var domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,63}$`)

// validateIPAddress checks that a string is a valid IPv4 or IPv6 address
// and is not a reserved/broadcast/multicast address that should never be blocked.
func validateIPAddress(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("invalid IP address: %q", ip)
	}
	if parsed.IsUnspecified() {
		return fmt.Errorf("cannot target unspecified address: %q", ip)
	}
	if parsed.IsMulticast() {
		return fmt.Errorf("cannot target multicast address: %q", ip)
	}
	if parsed.IsLoopback() {
		return fmt.Errorf("cannot target loopback address: %q", ip)
	}
	if parsed.Equal(net.IPv4bcast) {
		return fmt.Errorf("cannot target broadcast address: %q", ip)
	}
	return nil
}

// validateProcessRef accepts either a positive PID or a safe process name.
func validateProcessRef(ref string) error {
	if n, err := strconv.Atoi(ref); err == nil {
		if n <= 0 {
			return fmt.Errorf("invalid process ID (must be a positive integer): %q", ref)
		}
		return nil
	}
	if !safeProcessName.MatchString(ref) {
		return fmt.Errorf("invalid process name (must be alphanumeric/dots/dashes/underscores): %q", ref)
	}
	return nil
}

func validateDomain(domain string) error {
	if len(domain) > 253 || !domainPattern.MatchString(domain) {
		return fmt.Errorf("invalid domain: %q", domain)
	}
	return nil
}

func validateFilePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("file path is empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("file path contains a NUL byte")
	}
	return nil
}

// normalizeParams validates params for action and returns a cleaned copy
// with defaults applied. Errors wrap ErrInvalidParams.
func normalizeParams(action DeviceAction, params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = strings.TrimSpace(v)
	}

	var err error
	switch action {
	case ActionAVScan:
		if out["scan_type"] == "" {
			out["scan_type"] = "quick"
		}
		out["scan_type"] = strings.ToLower(out["scan_type"])
		if !scanTypes[out["scan_type"]] {
			err = fmt.Errorf("unknown scan type %q (quick, full, custom)", out["scan_type"])
		}
	case ActionKillProcess:
		if out["process"] == "" {
			out["process"] = out["pid"]
		}
		delete(out, "pid")
		if out["process"] == "" {
			err = fmt.Errorf("process parameter is required")
		} else {
			err = validateProcessRef(out["process"])
		}
	case ActionQuarantineFile:
		err = validateFilePath(out["path"])
	case ActionBlockIP:
		err = validateIPAddress(out["ip"])
	case ActionBlockDomain:
		out["domain"] = strings.ToLower(strings.TrimSuffix(out["domain"], "."))
		err = validateDomain(out["domain"])
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", action, err, ErrInvalidParams)
	}
	return out, nil
}
