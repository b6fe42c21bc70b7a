package relay

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// tunnel maps one client source endpoint to a dedicated socket connected
// to the target
type tunnel struct {
	client     netip.AddrPort
	conn       *net.UDPConn
	lastActive atomic.Int64 // unix nano
	closeOnce  sync.Once
}

func newTunnel(client netip.AddrPort, conn *net.UDPConn) *tunnel {
	t := &tunnel{client: client, conn: conn}
	t.touch()
	return t
}

func (t *tunnel) touch() {
	t.lastActive.Store(time.Now().UnixNano())
}

func (t *tunnel) lastActivity() time.Time {
	return time.Unix(0, t.lastActive.Load())
}

func (t *tunnel) idleFor() time.Duration {
	return time.Since(t.lastActivity())
}

func (t *tunnel) close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}

type tunnelTable struct {
	mux     sync.RWMutex
	entries map[netip.AddrPort]*tunnel
}

func newTunnelTable() *tunnelTable {
	return &tunnelTable{entries: make(map[netip.AddrPort]*tunnel)}
}

func (tt *tunnelTable) get(client netip.AddrPort) (*tunnel, bool) {
	tt.mux.RLock()
	defer tt.mux.RUnlock()
	t, ok := tt.entries[client]
	return t, ok
}

// getOrCreate returns the tunnel of client, dialing a new one when there
// is none. created is true only for the caller that inserted the entry.
func (tt *tunnelTable) getOrCreate(client netip.AddrPort, dial func() (*net.UDPConn, error)) (t *tunnel, created bool, err error) {
	if t, ok := tt.get(client); ok {
		return t, false, nil
	}

	tt.mux.Lock()
	defer tt.mux.Unlock()
	if t, ok := tt.entries[client]; ok {
		return t, false, nil
	}

	conn, err := dial()
	if err != nil {
		return nil, false, err
	}
	t = newTunnel(client, conn)
	tt.entries[client] = t
	return t, true, nil
}

// remove deletes the entry of t, an entry already replaced by a newer
// tunnel for the same client is left alone
func (tt *tunnelTable) remove(t *tunnel) {
	tt.mux.Lock()
	defer tt.mux.Unlock()
	if cur, ok := tt.entries[t.client]; ok && cur == t {
		delete(tt.entries, t.client)
	}
}

// drain empties the table and returns what it held
func (tt *tunnelTable) drain() []*tunnel {
	tt.mux.Lock()
	defer tt.mux.Unlock()
	tunnels := make([]*tunnel, 0, len(tt.entries))
	for k, t := range tt.entries {
		tunnels = append(tunnels, t)
		delete(tt.entries, k)
	}
	return tunnels
}

func (tt *tunnelTable) len() int {
	tt.mux.RLock()
	defer tt.mux.RUnlock()
	return len(tt.entries)
}
