package registry

import (
	"context"

	"github.com/lucheng0127/portrelay/pkg/relay"
)

type Option func(r *Registry)

// Factory builds the relay for a validated config
type Factory func(conf relay.EndpointConfig) (Relay, error)

func WithRelayFactory(f Factory) Option {
	return func(r *Registry) {
		r.newRelay = f
	}
}

// WithContext sets the context registry log lines are traced with
func WithContext(ctx context.Context) Option {
	return func(r *Registry) {
		r.ctx = ctx
	}
}

func defaultFactory(conf relay.EndpointConfig) (Relay, error) {
	return relay.New(conf)
}
