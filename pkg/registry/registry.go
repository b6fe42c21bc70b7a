package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	logger "github.com/lucheng0127/portrelay/internal/pkg/log"
	"github.com/lucheng0127/portrelay/internal/pkg/utils"
	"github.com/lucheng0127/portrelay/pkg/relay"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRelayExists = errors.New("relay already exists")
	ErrClosed      = errors.New("registry closed")
)

//go:generate mockgen -source=registry.go -destination=../../mocks/mock_relay.go -package=mocks

// Relay is the lifecycle surface the registry drives, *relay.Relay
// implements it
type Relay interface {
	Name() string
	Start() error
	Stop() error
	State() relay.State
}

// Registry owns a set of named relays:
//
//	AddRelay - validate, build and start a relay, then register it
//	RemoveRelay - unregister a relay and wait for it to drain
//	StartAll / StopAll - start or stop every registered relay
//	Clear - stop and unregister every relay
//	Close - Clear, then refuse any further change
type Registry struct {
	ctx      context.Context
	newRelay Factory

	mux    sync.RWMutex
	relays map[string]Relay
	closed bool
}

func New(opts ...Option) *Registry {
	r := &Registry{
		newRelay: defaultFactory,
		relays:   make(map[string]Relay),
	}
	for _, o := range opts {
		o(r)
	}

	if r.ctx == nil {
		r.ctx = utils.NewTraceContext()
	}
	return r
}

// AddRelay starts a relay for conf and registers it under conf.Name. A
// duplicated name returns ErrRelayExists and leaves the registered relay
// untouched.
func (r *Registry) AddRelay(conf relay.EndpointConfig) error {
	if err := conf.Validate(); err != nil {
		return err
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, ok := r.relays[conf.Name]; ok {
		logger.Warn(r.ctx, fmt.Sprintf("relay [%s] already exists, skip it", conf.Name))
		return fmt.Errorf("%w: %s", ErrRelayExists, conf.Name)
	}

	rl, err := r.newRelay(conf)
	if err != nil {
		return err
	}
	if err := rl.Start(); err != nil {
		return err
	}
	r.relays[conf.Name] = rl
	return nil
}

// AddRelays adds every config and returns how many were added, one
// failure does not stop the rest
func (r *Registry) AddRelays(confs []relay.EndpointConfig) int {
	added := 0
	for _, conf := range confs {
		if err := r.AddRelay(conf); err != nil {
			if !errors.Is(err, ErrRelayExists) {
				logger.Error(r.ctx, fmt.Sprintf("add relay [%s] %s", conf.Name, err.Error()))
			}
			continue
		}
		added++
	}
	return added
}

// RemoveRelay unregisters name and returns once the relay is fully
// stopped. It reports whether name was registered.
func (r *Registry) RemoveRelay(name string) bool {
	r.mux.Lock()
	rl, ok := r.relays[name]
	if ok {
		delete(r.relays, name)
	}
	r.mux.Unlock()

	if !ok {
		return false
	}
	if err := rl.Stop(); err != nil {
		logger.Warn(r.ctx, fmt.Sprintf("stop relay [%s] %s", name, err.Error()))
	}
	logger.Info(r.ctx, fmt.Sprintf("relay [%s] removed", name))
	return true
}

func (r *Registry) GetRelay(name string) (Relay, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	rl, ok := r.relays[name]
	return rl, ok
}

func (r *Registry) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.relays)
}

// Names returns registered relay names in sorted order
func (r *Registry) Names() []string {
	r.mux.RLock()
	defer r.mux.RUnlock()
	names := make([]string, 0, len(r.relays))
	for name := range r.relays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) snapshot() []Relay {
	r.mux.RLock()
	defer r.mux.RUnlock()
	relays := make([]Relay, 0, len(r.relays))
	for _, rl := range r.relays {
		relays = append(relays, rl)
	}
	return relays
}

// StartAll starts every stopped relay, the returned error joins every
// start failure
func (r *Registry) StartAll() error {
	r.mux.RLock()
	closed := r.closed
	r.mux.RUnlock()
	if closed {
		return ErrClosed
	}

	var errs []error
	for _, rl := range r.snapshot() {
		if rl.State() == relay.StateRunning {
			continue
		}
		if err := rl.Start(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every relay concurrently and waits for all of them to
// drain
func (r *Registry) StopAll() error {
	return r.stopRelays(r.snapshot())
}

func (r *Registry) stopRelays(relays []Relay) error {
	g := new(errgroup.Group)
	for _, rl := range relays {
		rl := rl
		g.Go(func() error {
			if rl.State() == relay.StateStopped {
				return nil
			}
			if err := rl.Stop(); err != nil {
				logger.Warn(r.ctx, fmt.Sprintf("stop relay [%s] %s", rl.Name(), err.Error()))
				return fmt.Errorf("stop relay [%s]: %w", rl.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Clear unregisters every relay and waits for all of them to stop
func (r *Registry) Clear() error {
	r.mux.Lock()
	relays := make([]Relay, 0, len(r.relays))
	for name, rl := range r.relays {
		relays = append(relays, rl)
		delete(r.relays, name)
	}
	r.mux.Unlock()

	return r.stopRelays(relays)
}

// Close clears the registry for good, calling it again is a no-op
func (r *Registry) Close() error {
	r.mux.Lock()
	if r.closed {
		r.mux.Unlock()
		return nil
	}
	r.closed = true
	r.mux.Unlock()

	err := r.Clear()
	logger.Info(r.ctx, "relay registry closed")
	return err
}
