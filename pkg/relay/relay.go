package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logger "github.com/lucheng0127/portrelay/internal/pkg/log"
	"github.com/lucheng0127/portrelay/internal/pkg/utils"
)

const acceptBackoff = 100 * time.Millisecond

type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// Stats is a point in time snapshot of relay counters
type Stats struct {
	ActiveConns int64
	TotalConns  uint64
	Tunnels     int
	BytesUp     uint64 // client to target
	BytesDown   uint64 // target to client
}

// Relay forwards a listen endpoint to a target endpoint over TCP, UDP or
// both. A stopped relay can be started again, every run gets its own
// context and sockets.
type Relay struct {
	conf   EndpointConfig
	target netip.AddrPort
	logCtx context.Context

	mux    sync.Mutex // serializes Start and Stop
	state  atomic.Int32
	cancel context.CancelFunc
	ln     *net.TCPListener
	pc     *net.UDPConn

	tcpAddr atomic.Pointer[net.TCPAddr]
	udpAddr atomic.Pointer[net.UDPAddr]

	// loops tracks accept and receive loops, tasks tracks tcp sessions and
	// udp tunnels spawned by them
	loops   sync.WaitGroup
	tasks   sync.WaitGroup
	tunnels *tunnelTable

	activeConns atomic.Int64
	totalConns  atomic.Uint64
	bytesUp     atomic.Uint64
	bytesDown   atomic.Uint64
}

func New(conf EndpointConfig) (*Relay, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	r := &Relay{
		conf:    conf,
		target:  netip.MustParseAddrPort(conf.TargetAddress),
		logCtx:  utils.WithRelay(utils.NewTraceContext(), conf.Name),
		tunnels: newTunnelTable(),
	}
	return r, nil
}

func (r *Relay) Name() string {
	return r.conf.Name
}

func (r *Relay) Config() EndpointConfig {
	return r.conf
}

func (r *Relay) State() State {
	return State(r.state.Load())
}

// TCPAddr returns the bound tcp listen address, nil if not listening
func (r *Relay) TCPAddr() *net.TCPAddr {
	return r.tcpAddr.Load()
}

// UDPAddr returns the bound udp listen address, nil if not listening
func (r *Relay) UDPAddr() *net.UDPAddr {
	return r.udpAddr.Load()
}

func (r *Relay) Stats() Stats {
	return Stats{
		ActiveConns: r.activeConns.Load(),
		TotalConns:  r.totalConns.Load(),
		Tunnels:     r.tunnels.len(),
		BytesUp:     r.bytesUp.Load(),
		BytesDown:   r.bytesDown.Load(),
	}
}

// Start binds the listen endpoint and launches forwarding in background.
// Only listen errors are returned, starting a running relay is a no-op.
func (r *Relay) Start() error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.State() == StateRunning {
		logger.Warn(r.logCtx, "relay already running, ignore start")
		return nil
	}

	ctx, cancel := context.WithCancel(r.logCtx)
	ln, pc, err := r.listen(ctx)
	if err != nil {
		cancel()
		return err
	}

	r.cancel = cancel
	r.ln = ln
	r.pc = pc
	if ln != nil {
		r.tcpAddr.Store(ln.Addr().(*net.TCPAddr))
		r.loops.Add(1)
		go r.serveTCP(ctx, ln)
	}
	if pc != nil {
		r.udpAddr.Store(pc.LocalAddr().(*net.UDPAddr))
		r.loops.Add(1)
		go r.serveUDP(ctx, pc)
	}
	r.state.Store(int32(StateRunning))

	logger.Info(r.logCtx, fmt.Sprintf("relay started, %s %s -> %s", r.conf.protocols(), r.listenAddr(), r.conf.TargetAddress))
	return nil
}

func (r *Relay) listen(ctx context.Context) (*net.TCPListener, *net.UDPConn, error) {
	var (
		lc     net.ListenConfig
		ln     *net.TCPListener
		pc     *net.UDPConn
		listen = r.conf.ListenAddress
	)

	if r.conf.TCP {
		l, err := lc.Listen(ctx, "tcp", listen)
		if err != nil {
			return nil, nil, fmt.Errorf("relay [%s] listen tcp %s: %w", r.conf.Name, listen, err)
		}
		ln = l.(*net.TCPListener)

		// Let udp share the ephemeral port tcp got
		if ap, err := netip.ParseAddrPort(listen); err == nil && ap.Port() == 0 {
			listen = netip.AddrPortFrom(ap.Addr(), uint16(ln.Addr().(*net.TCPAddr).Port)).String()
		}
	}

	if r.conf.UDP {
		p, err := lc.ListenPacket(ctx, "udp", listen)
		if err != nil {
			if ln != nil {
				ln.Close()
			}
			return nil, nil, fmt.Errorf("relay [%s] listen udp %s: %w", r.conf.Name, listen, err)
		}
		pc = p.(*net.UDPConn)
	}
	return ln, pc, nil
}

func (r *Relay) listenAddr() string {
	if addr := r.TCPAddr(); addr != nil {
		return addr.String()
	}
	if addr := r.UDPAddr(); addr != nil {
		return addr.String()
	}
	return r.conf.ListenAddress
}

// Stop cancels the relay and blocks until every loop, tcp session and udp
// tunnel it spawned has finished. Errors closing sockets are returned
// after the drain, they never abort it.
func (r *Relay) Stop() error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.State() == StateStopped {
		logger.Warn(r.logCtx, "relay not running, ignore stop")
		return nil
	}

	var errs []error
	r.cancel()

	// Closing sockets unblocks pending Accept and ReadFrom
	if r.ln != nil {
		if err := r.ln.Close(); err != nil && !IsClosed(err) {
			errs = append(errs, fmt.Errorf("close tcp listener: %w", err))
		}
	}
	if r.pc != nil {
		if err := r.pc.Close(); err != nil && !IsClosed(err) {
			errs = append(errs, fmt.Errorf("close udp listener: %w", err))
		}
	}

	r.loops.Wait()
	r.tasks.Wait()

	for _, t := range r.tunnels.drain() {
		if err := t.close(); err != nil && !IsClosed(err) {
			errs = append(errs, fmt.Errorf("close tunnel %s: %w", t.client, err))
		}
	}

	r.cancel = nil
	r.ln = nil
	r.pc = nil
	r.tcpAddr.Store(nil)
	r.udpAddr.Store(nil)
	r.state.Store(int32(StateStopped))

	for _, err := range errs {
		logger.Warn(r.logCtx, err.Error())
	}
	logger.Info(r.logCtx, "relay stopped")
	return errors.Join(errs...)
}

// recoverTask keeps a panicking session or tunnel from taking the process
// down with it
func recoverTask(ctx context.Context, what string) {
	if rec := recover(); rec != nil {
		logger.Error(ctx, fmt.Sprintf("%s panic: %v", what, rec))
		logger.Error(ctx, string(debug.Stack()))
	}
}

// backoff waits before retrying a failed accept or receive, it returns
// false if ctx is done first
func backoff(ctx context.Context) bool {
	t := time.NewTimer(acceptBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
