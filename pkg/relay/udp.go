package relay

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	logger "github.com/lucheng0127/portrelay/internal/pkg/log"
	"github.com/lucheng0127/portrelay/internal/pkg/utils"
)

func (r *Relay) dialTarget() (*net.UDPConn, error) {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(r.target))
	if err != nil {
		return nil, fmt.Errorf("dial target %s: %w", r.target.String(), err)
	}
	return conn, nil
}

func (r *Relay) serveUDP(ctx context.Context, pc *net.UDPConn) {
	defer r.loops.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, client, err := pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || IsClosed(err) {
				logger.Debug(ctx, "udp receive loop exit")
				return
			}
			logger.Error(ctx, fmt.Sprintf("receive udp datagram %s", err.Error()))
			if !backoff(ctx) {
				return
			}
			continue
		}

		if err := r.forwardDatagram(ctx, pc, client, buf[:n]); err != nil {
			logger.Warn(utils.WithPeer(ctx, client.String()), err.Error())
			continue
		}
		r.bytesUp.Add(uint64(n))
	}
}

// forwardDatagram sends payload to the target through the tunnel of
// client. A tunnel evicted between lookup and write is replaced once.
func (r *Relay) forwardDatagram(ctx context.Context, pc *net.UDPConn, client netip.AddrPort, payload []byte) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		t, created, derr := r.tunnels.getOrCreate(client, r.dialTarget)
		if derr != nil {
			return derr
		}
		if created {
			r.tasks.Add(1)
			go r.serveTunnel(ctx, pc, t)
		}
		t.touch()

		if _, err = t.conn.Write(payload); err == nil {
			return nil
		}
		if !IsClosed(err) || ctx.Err() != nil {
			break
		}
		r.tunnels.remove(t)
	}
	return fmt.Errorf("forward datagram to %s: %w", r.target.String(), err)
}

// serveTunnel relays replies of the target back to the client until the
// tunnel idles out, fails or the relay stops. It is the only place a
// tunnel leaves the table while the relay runs.
func (r *Relay) serveTunnel(ctx context.Context, pc *net.UDPConn, t *tunnel) {
	ctx = utils.WithPeer(utils.AddContextTraceID(ctx), t.client.String())
	idle := r.conf.idleTimeout()
	defer func() {
		r.tunnels.remove(t)
		t.close()
		r.tasks.Done()
	}()
	defer recoverTask(ctx, "udp tunnel")

	stop := context.AfterFunc(ctx, func() {
		t.close()
	})
	defer stop()

	logger.Debug(ctx, fmt.Sprintf("udp tunnel created via %s", t.conn.LocalAddr().String()))
	buf := make([]byte, maxDatagramSize)
	for {
		if err := t.conn.SetReadDeadline(t.lastActivity().Add(idle)); err != nil {
			if ctx.Err() == nil && !IsClosed(err) {
				logger.Warn(ctx, fmt.Sprintf("set tunnel deadline %s", err.Error()))
			}
			return
		}

		n, err := t.conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				// Deadline may fire right after traffic refreshed the tunnel
				if t.idleFor() >= idle {
					logger.Debug(ctx, "udp tunnel idle, evicted")
					return
				}
				continue
			}
			if !IsClosed(err) {
				logger.Warn(ctx, fmt.Sprintf("read from target %s", err.Error()))
			}
			return
		}

		t.touch()
		if _, err := pc.WriteToUDPAddrPort(buf[:n], t.client); err != nil {
			if ctx.Err() == nil && !IsClosed(err) {
				logger.Warn(ctx, fmt.Sprintf("write to client %s", err.Error()))
			}
			return
		}
		r.bytesDown.Add(uint64(n))
	}
}
