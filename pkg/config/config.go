// Package config loads and validates the space descriptor (space.yaml): the
// space identity, transport selection, the WebSocket listen address, and the
// participant roster with tokens and capability patterns.
package config

import (
	"sort"
	"strconv"
	"strings"

	"github.com/mew-protocol/gateway/pkg/capability"
)

// Transport names accepted in the descriptor.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
)

// DefaultListen is the WebSocket listen address when the descriptor does not
// set one.
const DefaultListen = "127.0.0.1:4700"

// Config is the full space descriptor.
type Config struct {
	Space        Space                  `yaml:"space"`
	Gateway      Gateway                `yaml:"gateway"`
	Participants map[string]Participant `yaml:"participants"`
	Defaults     Defaults               `yaml:"defaults"`
}

// Space identifies the space and selects transports.
type Space struct {
	ID        string    `yaml:"id"`
	Transport Transport `yaml:"transport"`
}

// Transport selects the default transport and per-participant overrides.
type Transport struct {
	Default   string            `yaml:"default"`
	Overrides map[string]string `yaml:"overrides"`
}

// Gateway holds gateway-level settings.
type Gateway struct {
	WebSocket WebSocket `yaml:"websocket"`
}

// WebSocket configures the listener. Listen accepts "host:port" or a bare
// port.
type WebSocket struct {
	Listen string `yaml:"listen"`
}

// Participant is one configured roster entry.
type Participant struct {
	Transport    string               `yaml:"transport"`
	Tokens       []string             `yaml:"tokens"`
	Capabilities []capability.Pattern `yaml:"capabilities"`
}

// Defaults holds fallbacks applied to participants that omit a field.
type Defaults struct {
	Capabilities []capability.Pattern `yaml:"capabilities"`
}

// ListenAddr normalizes the configured listen value: a bare port gains the
// loopback host; "host:port" (including ":port" for all interfaces) passes
// through.
func (c *Config) ListenAddr() string {
	listen := c.Gateway.WebSocket.Listen
	if listen == "" {
		return DefaultListen
	}
	if !strings.Contains(listen, ":") {
		return "127.0.0.1:" + listen
	}
	return listen
}

// TransportFor resolves the transport for a participant: the participant's
// own setting wins, then the space-level override map, then the space
// default, then stdio.
func (c *Config) TransportFor(pid string) string {
	if p, ok := c.Participants[pid]; ok && p.Transport != "" {
		return p.Transport
	}
	if t, ok := c.Space.Transport.Overrides[pid]; ok && t != "" {
		return t
	}
	if c.Space.Transport.Default != "" {
		return c.Space.Transport.Default
	}
	return TransportStdio
}

// CapabilitiesFor resolves a participant's static capability patterns,
// falling back to defaults.capabilities when the participant sets none.
func (c *Config) CapabilitiesFor(pid string) []capability.Pattern {
	if p, ok := c.Participants[pid]; ok && len(p.Capabilities) > 0 {
		return p.Capabilities
	}
	return c.Defaults.Capabilities
}

// StdioParticipants returns the ids of participants served over FIFOs, in
// stable order.
func (c *Config) StdioParticipants() []string {
	var pids []string
	for pid := range c.Participants {
		if c.TransportFor(pid) == TransportStdio {
			pids = append(pids, pid)
		}
	}
	sort.Strings(pids)
	return pids
}

// Validate checks the descriptor for structural problems and returns the
// first error found.
func (c *Config) Validate() error {
	if c.Space.ID == "" {
		return NewValidationError("space", "", "id", ErrMissingRequiredField)
	}
	if err := validTransport(c.Space.Transport.Default); err != nil {
		return NewValidationError("space", c.Space.ID, "transport.default", err)
	}
	for pid, t := range c.Space.Transport.Overrides {
		if err := validTransport(t); err != nil {
			return NewValidationError("space", c.Space.ID, "transport.overrides."+pid, err)
		}
	}
	for pid, p := range c.Participants {
		if pid == "" {
			return NewValidationError("participants", "", "", ErrMissingRequiredField)
		}
		if err := validTransport(p.Transport); err != nil {
			return NewValidationError("participants", pid, "transport", err)
		}
		for i, pattern := range p.Capabilities {
			if pattern.Kind == "" {
				return NewValidationError("participants", pid, capabilityField(i), ErrMissingRequiredField)
			}
		}
	}
	for i, pattern := range c.Defaults.Capabilities {
		if pattern.Kind == "" {
			return NewValidationError("defaults", "", capabilityField(i), ErrMissingRequiredField)
		}
	}
	return nil
}

func validTransport(t string) error {
	switch t {
	case "", TransportStdio, TransportWebSocket:
		return nil
	default:
		return ErrInvalidValue
	}
}

func capabilityField(i int) string {
	return "capabilities[" + strconv.Itoa(i) + "].kind"
}
