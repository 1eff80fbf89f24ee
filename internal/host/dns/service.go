package dns

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
)

const fallbackService = "Wi-Fi"

// activeService returns the configured service, or the one owning the
// default route.
func (m *Manager) activeService(ctx context.Context) (string, error) {
	if m.service != "" {
		return m.service, nil
	}

	out, err := m.runner.Run(ctx, "route", "-n", "get", "default")
	if err != nil {
		return fallbackService, nil
	}
	device := DefaultRouteDevice(out)
	if device == "" {
		return fallbackService, nil
	}

	ports, err := m.runner.Run(ctx, "networksetup", "-listallhardwareports")
	if err != nil {
		return "", fmt.Errorf("list hardware ports: %w", err)
	}
	if svc := ServiceForDevice(ports, device); svc != "" {
		return svc, nil
	}
	return fallbackService, nil
}

// DefaultRouteDevice extracts the interface of `route -n get default`.
func DefaultRouteDevice(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if ok && k == "interface" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ServiceForDevice maps a device to its hardware port name in
// `networksetup -listallhardwareports` output.
func ServiceForDevice(out []byte, device string) string {
	var port string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.TrimSpace(k) {
		case "Hardware Port":
			port = v
		case "Device":
			if v == device {
				return port
			}
		}
	}
	return ""
}
