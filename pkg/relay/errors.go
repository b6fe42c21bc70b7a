package relay

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

var ErrInvalidAddress = errors.New("invalid address, want ip:port")

// ConfigError reports the first invalid field of an EndpointConfig
type ConfigError struct {
	Name  string
	Field string
	Err   error
}

func (err *ConfigError) Error() string {
	return fmt.Sprintf("relay [%s] invalid %s: %s", err.Name, err.Field, err.Err.Error())
}

func (err *ConfigError) Unwrap() error {
	return err.Err
}

func newConfigError(name, field string, err error) *ConfigError {
	return &ConfigError{Name: name, Field: field, Err: err}
}

func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
