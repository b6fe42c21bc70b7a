package relay

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	require.NoError(t, err)
	return ap
}

func discardDialer(t *testing.T, calls *int) func() (*net.UDPConn, error) {
	return func() (*net.UDPConn, error) {
		*calls++
		conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn, nil
	}
}

func TestTunnelTable_GetOrCreate(t *testing.T) {
	tt := newTunnelTable()
	client := mustAddrPort(t, "127.0.0.1:40000")
	calls := 0

	t1, created, err := tt.getOrCreate(client, discardDialer(t, &calls))
	require.NoError(t, err)
	assert.True(t, created)

	t2, created, err := tt.getOrCreate(client, discardDialer(t, &calls))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, t1, t2)
	assert.Equal(t, 1, calls)

	_, created, err = tt.getOrCreate(mustAddrPort(t, "127.0.0.1:40001"), discardDialer(t, &calls))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, tt.len())
}

func TestTunnelTable_ConcurrentGetOrCreate(t *testing.T) {
	tt := newTunnelTable()
	client := mustAddrPort(t, "127.0.0.1:40000")

	var (
		mux     sync.Mutex
		calls   int
		created int
		wg      sync.WaitGroup
	)
	dial := discardDialer(t, &calls)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// dial runs under the table lock, calls needs no extra guard
			_, ok, err := tt.getOrCreate(client, dial)
			assert.NoError(t, err)
			if ok {
				mux.Lock()
				created++
				mux.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, calls)
}

func TestTunnelTable_DialError(t *testing.T) {
	tt := newTunnelTable()
	_, created, err := tt.getOrCreate(mustAddrPort(t, "127.0.0.1:40000"), func() (*net.UDPConn, error) {
		return nil, errors.New("dial failed")
	})
	assert.Error(t, err)
	assert.False(t, created)
	assert.Equal(t, 0, tt.len())
}

func TestTunnelTable_RemoveOnlySameTunnel(t *testing.T) {
	tt := newTunnelTable()
	client := mustAddrPort(t, "127.0.0.1:40000")
	calls := 0

	old, _, err := tt.getOrCreate(client, discardDialer(t, &calls))
	require.NoError(t, err)
	tt.remove(old)
	assert.Equal(t, 0, tt.len())

	cur, created, err := tt.getOrCreate(client, discardDialer(t, &calls))
	require.NoError(t, err)
	require.True(t, created)

	// A stale tunnel must not evict its successor
	tt.remove(old)
	got, ok := tt.get(client)
	require.True(t, ok)
	assert.Same(t, cur, got)
}

func TestTunnelTable_Drain(t *testing.T) {
	tt := newTunnelTable()
	calls := 0
	for _, s := range []string{"127.0.0.1:40000", "127.0.0.1:40001", "[::1]:40000"} {
		_, _, err := tt.getOrCreate(mustAddrPort(t, s), discardDialer(t, &calls))
		require.NoError(t, err)
	}

	tunnels := tt.drain()
	assert.Len(t, tunnels, 3)
	assert.Equal(t, 0, tt.len())
	for _, tn := range tunnels {
		assert.NoError(t, tn.close())
		// Second close is swallowed by closeOnce
		assert.NoError(t, tn.close())
	}
}

func TestTunnel_Touch(t *testing.T) {
	calls := 0
	conn, _ := discardDialer(t, &calls)()
	tn := newTunnel(mustAddrPort(t, "127.0.0.1:40000"), conn)
	time.Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, tn.idleFor(), 20*time.Millisecond)
	tn.touch()
	assert.Less(t, tn.idleFor(), 20*time.Millisecond)
}
