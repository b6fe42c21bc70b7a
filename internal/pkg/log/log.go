package log

import (
	"context"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const (
	MSG_ID   ctxKey = "MsgID"
	RELAY_ID ctxKey = "Relay"
	PEER_ID  ctxKey = "Peer"
)

var logger = logrus.New()

func init() {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// entry collects trace id, relay name and peer address carried by ctx
// into logrus fields
func entry(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{"trace": "DEFAULT-0000"}
	if ctx != nil {
		if traceID, ok := ctx.Value(MSG_ID).(string); ok {
			fields["trace"] = traceID
		}
		if relay, ok := ctx.Value(RELAY_ID).(string); ok {
			fields["relay"] = relay
		}
		if peer, ok := ctx.Value(PEER_ID).(string); ok {
			fields["peer"] = peer
		}
	}
	return logger.WithFields(fields)
}

func SetLevel(level logrus.Level) {
	logger.SetLevel(level)
}

func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// ParseLevel maps debug, info, warn and error to logrus levels, anything
// else falls back to info
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func Error(ctx context.Context, msg string) {
	entry(ctx).Error(msg)
}

func Warn(ctx context.Context, msg string) {
	entry(ctx).Warn(msg)
}

func Info(ctx context.Context, msg string) {
	entry(ctx).Info(msg)
}

func Debug(ctx context.Context, msg string) {
	entry(ctx).Debug(msg)
}
