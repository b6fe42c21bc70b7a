package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startUDPEchoOn echoes every datagram back to its sender, addr may carry
// port 0
func startUDPEchoOn(t *testing.T, addr string) string {
	t.Helper()
	uaddr, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)
	pc, err := net.ListenUDP("udp", uaddr)
	require.NoError(t, err)

	done := make(chan struct{})
	t.Cleanup(func() {
		pc.Close()
		<-done
	})

	go func() {
		defer close(done)
		buf := make([]byte, maxDatagramSize)
		for {
			n, src, err := pc.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			pc.WriteToUDPAddrPort(buf[:n], src)
		}
	}()
	return pc.LocalAddr().String()
}

func udpConfig(target string) EndpointConfig {
	return EndpointConfig{
		Name:          "U",
		ListenAddress: "127.0.0.1:0",
		TargetAddress: target,
		UDP:           true,
		BufferSize:    4096,
	}
}

func dialUDPRelay(t *testing.T, r *Relay) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, r.UDPAddr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func udpExchange(t *testing.T, conn *net.UDPConn, msg string) string {
	t.Helper()
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, 1500)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestRelay_UDPTunnelPerClient(t *testing.T) {
	r := startRelay(t, udpConfig(startUDPEchoOn(t, "127.0.0.1:0")))

	a := dialUDPRelay(t, r)
	b := dialUDPRelay(t, r)

	assert.Equal(t, "from-a", udpExchange(t, a, "from-a"))
	assert.Equal(t, "from-b", udpExchange(t, b, "from-b"))
	assert.Equal(t, "again-a", udpExchange(t, a, "again-a"))
	assert.Equal(t, 2, r.Stats().Tunnels)

	// Nothing from a's tunnel may reach b
	b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := b.Read(make([]byte, 1500))
	assert.True(t, isTimeout(err), "b read %v, want timeout", err)
}

func TestRelay_UDPIdleEviction(t *testing.T) {
	conf := udpConfig(startUDPEchoOn(t, "127.0.0.1:0"))
	conf.UDPIdleTimeout = 200 * time.Millisecond
	r := startRelay(t, conf)

	c := dialUDPRelay(t, r)
	assert.Equal(t, "one", udpExchange(t, c, "one"))
	assert.Equal(t, 1, r.Stats().Tunnels)

	require.Eventually(t, func() bool { return r.Stats().Tunnels == 0 }, 3*time.Second, 20*time.Millisecond)

	// Same client endpoint gets a fresh tunnel
	assert.Equal(t, "two", udpExchange(t, c, "two"))
	assert.Equal(t, 1, r.Stats().Tunnels)
}

func TestRelay_UDPActiveTunnelNotEvicted(t *testing.T) {
	conf := udpConfig(startUDPEchoOn(t, "127.0.0.1:0"))
	conf.UDPIdleTimeout = 300 * time.Millisecond
	r := startRelay(t, conf)

	c := dialUDPRelay(t, r)
	local := c.LocalAddr().String()
	for i := 0; i < 8; i++ {
		assert.Equal(t, "tick", udpExchange(t, c, "tick"))
		time.Sleep(100 * time.Millisecond)
	}

	tn, ok := r.tunnels.get(mustAddrPort(t, local))
	require.True(t, ok)
	assert.Less(t, tn.idleFor(), conf.UDPIdleTimeout)
}

func TestRelay_UDPStopClosesTunnels(t *testing.T) {
	r := startRelay(t, udpConfig(startUDPEchoOn(t, "127.0.0.1:0")))

	c := dialUDPRelay(t, r)
	assert.Equal(t, "hi", udpExchange(t, c, "hi"))
	tn, ok := r.tunnels.get(mustAddrPort(t, c.LocalAddr().String()))
	require.True(t, ok)

	require.NoError(t, r.Stop())
	assert.Equal(t, 0, r.Stats().Tunnels)
	_, err := tn.conn.Write([]byte("late"))
	assert.True(t, IsClosed(err))
}
