package utils

import (
	"context"
	"strings"

	"github.com/lucheng0127/portrelay/internal/pkg/log"
	uuid "github.com/satori/go.uuid"
)

// genTraceID returns the first block of a random uuid, short enough to
// keep log lines readable
func genTraceID() string {
	id := uuid.NewV4().String()
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// AddContextTraceID returns a child of ctx carrying a new trace id, relay
// and peer values set on ctx are kept
func AddContextTraceID(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, log.MSG_ID, genTraceID())
}

func NewTraceContext() context.Context {
	return AddContextTraceID(context.Background())
}

func WithRelay(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, log.RELAY_ID, name)
}

func WithPeer(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, log.PEER_ID, addr)
}
