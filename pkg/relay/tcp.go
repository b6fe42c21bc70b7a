package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	logger "github.com/lucheng0127/portrelay/internal/pkg/log"
	"github.com/lucheng0127/portrelay/internal/pkg/utils"
	"golang.org/x/sync/errgroup"
)

func (r *Relay) serveTCP(ctx context.Context, ln *net.TCPListener) {
	defer r.loops.Done()

	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || IsClosed(err) {
				logger.Debug(ctx, "tcp accept loop exit")
				return
			}
			logger.Error(ctx, fmt.Sprintf("accept tcp connection %s", err.Error()))
			if !backoff(ctx) {
				return
			}
			continue
		}

		r.totalConns.Add(1)
		r.activeConns.Add(1)
		r.tasks.Add(1)
		go r.handleTCPConn(ctx, conn)
	}
}

func (r *Relay) handleTCPConn(ctx context.Context, in *net.TCPConn) {
	ctx = utils.WithPeer(utils.AddContextTraceID(ctx), in.RemoteAddr().String())
	defer func() {
		r.activeConns.Add(-1)
		r.tasks.Done()
	}()
	defer recoverTask(ctx, "tcp session")

	if err := r.tcpSession(ctx, in); err != nil {
		logger.Warn(ctx, err.Error())
		return
	}
	logger.Debug(ctx, "tcp session closed")
}

// tcpSession dials the target and copies both directions until each of
// them reached EOF, or until the first error or relay cancellation
func (r *Relay) tcpSession(ctx context.Context, in *net.TCPConn) error {
	defer in.Close()

	d := net.Dialer{Timeout: r.conf.IOTimeout}
	c, err := d.DialContext(ctx, "tcp", r.conf.TargetAddress)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("dial target %s: %w", r.conf.TargetAddress, err)
	}
	out := c.(*net.TCPConn)
	defer out.Close()
	logger.Debug(ctx, fmt.Sprintf("tcp session established via %s", out.LocalAddr().String()))

	s := &session{timeout: r.conf.IOTimeout, bufSize: r.conf.BufferSize}
	s.touch()

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		in.Close()
		out.Close()
	})
	defer stop()

	g.Go(func() error { return s.pipe(in, out, &r.bytesUp) })
	g.Go(func() error { return s.pipe(out, in, &r.bytesDown) })

	err = g.Wait()
	if ctx.Err() != nil {
		// Relay is stopping, closed sockets are expected
		return nil
	}
	return err
}

type session struct {
	timeout    time.Duration
	bufSize    int
	lastActive atomic.Int64 // unix nano, either direction
}

func (s *session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}

// pipe copies src to dst. On EOF it half closes dst and returns nil so
// that the opposite direction can still drain.
func (s *session) pipe(src, dst *net.TCPConn, counter *atomic.Uint64) error {
	buf := make([]byte, s.bufSize)
	for {
		if s.timeout > 0 {
			src.SetReadDeadline(time.Now().Add(s.timeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			s.touch()
			if s.timeout > 0 {
				dst.SetWriteDeadline(time.Now().Add(s.timeout))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write to %s: %w", dst.RemoteAddr().String(), werr)
			}
			counter.Add(uint64(n))
			s.touch()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				dst.CloseWrite()
				return nil
			}
			// A quiet half is fine while the other one still moves data
			if isTimeout(err) && s.idleFor() < s.timeout {
				continue
			}
			return fmt.Errorf("read from %s: %w", src.RemoteAddr().String(), err)
		}
	}
}
