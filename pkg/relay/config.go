package relay

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

const (
	DefaultBufferSize     int           = 4096
	DefaultUDPIdleTimeout time.Duration = 60 * time.Second

	// Largest payload a single UDP datagram can carry
	maxDatagramSize int = 64 * 1024
)

// EndpointConfig describes one relay, it is copied by New and never
// changed afterwards
type EndpointConfig struct {
	Name          string
	ListenAddress string
	TargetAddress string
	TCP           bool
	UDP           bool
	// Bytes read per TCP copy operation
	BufferSize int
	// Deadline for single TCP read or write, zero disables it
	IOTimeout time.Duration
	// Zero means DefaultUDPIdleTimeout
	UDPIdleTimeout time.Duration
}

func (c EndpointConfig) Validate() error {
	if c.Name == "" {
		return newConfigError(c.Name, "name", errors.New("empty"))
	}

	if _, err := netip.ParseAddrPort(c.ListenAddress); err != nil {
		return newConfigError(c.Name, "listen address", fmt.Errorf("%w: %q", ErrInvalidAddress, c.ListenAddress))
	}

	target, err := netip.ParseAddrPort(c.TargetAddress)
	if err != nil || target.Port() == 0 || target.Addr().IsUnspecified() {
		return newConfigError(c.Name, "target address", fmt.Errorf("%w: %q", ErrInvalidAddress, c.TargetAddress))
	}

	if !c.TCP && !c.UDP {
		return newConfigError(c.Name, "protocol", errors.New("neither tcp nor udp enabled"))
	}
	if c.BufferSize <= 0 {
		return newConfigError(c.Name, "buffer size", fmt.Errorf("%d must be positive", c.BufferSize))
	}
	if c.IOTimeout < 0 {
		return newConfigError(c.Name, "io timeout", fmt.Errorf("%s is negative", c.IOTimeout))
	}
	if c.UDPIdleTimeout < 0 {
		return newConfigError(c.Name, "udp idle timeout", fmt.Errorf("%s is negative", c.UDPIdleTimeout))
	}
	return nil
}

func (c EndpointConfig) idleTimeout() time.Duration {
	if c.UDPIdleTimeout == 0 {
		return DefaultUDPIdleTimeout
	}
	return c.UDPIdleTimeout
}

func (c EndpointConfig) protocols() string {
	switch {
	case c.TCP && c.UDP:
		return "tcp+udp"
	case c.TCP:
		return "tcp"
	default:
		return "udp"
	}
}
