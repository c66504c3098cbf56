// Package config contains configuration structures and parsing helpers for the relay.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Route describes the single forwarding rule the relay serves.
type Route struct {
	LocalPort   int    // LocalPort is the port opened on every interface.
	BackendHost string // BackendHost is the hostname or IP traffic is sent to.
	BackendPort int    // BackendPort is the port on the backend host.
}

// ParseRoute splits a string in the form LOCALPORT:BACKENDHOST:BACKENDPORT.
// IPv6 backends are written in brackets, e.g. 8080:[2001:db8::1]:80.
func ParseRoute(raw string) (Route, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, ",") {
		return Route{}, fmt.Errorf("%w: only one route is supported, got '%s'", ErrInvalid, raw)
	}

	local, backend, found := strings.Cut(raw, ":")
	if !found {
		return Route{}, fmt.Errorf("%w: invalid route format '%s' (expected LOCALPORT:BACKENDHOST:BACKENDPORT)", ErrInvalid, raw)
	}

	localPort, err := parsePort(local)
	if err != nil {
		return Route{}, fmt.Errorf("route '%s': %w", raw, err)
	}
	host, backendPort, err := ParseBackend(backend, 0)
	if err != nil {
		return Route{}, fmt.Errorf("route '%s': %w", raw, err)
	}
	if backendPort == 0 {
		return Route{}, fmt.Errorf("%w: route '%s' is missing the backend port", ErrInvalid, raw)
	}

	return Route{LocalPort: localPort, BackendHost: host, BackendPort: backendPort}, nil
}

// ParseBackend accepts HOST or HOST:PORT. defaultPort is returned when no port is given.
func ParseBackend(raw string, defaultPort int) (string, int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, fmt.Errorf("%w: backend address is empty", ErrInvalid)
	}

	host, portText, err := net.SplitHostPort(raw)
	if err != nil {
		// No port: a bare hostname, IPv4 or bracketless IPv6 address.
		host = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
		if host == "" {
			return "", 0, fmt.Errorf("%w: backend host is empty", ErrInvalid)
		}
		return host, defaultPort, nil
	}
	if host == "" {
		return "", 0, fmt.Errorf("%w: backend host is empty in '%s'", ErrInvalid, raw)
	}

	port, err := parsePort(portText)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func parsePort(text string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid port '%s'", ErrInvalid, text)
	}
	return port, nil
}
