package logging

import (
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// leveled adapts a zap logger to retryablehttp.LeveledLogger
type leveled struct {
	s *zap.SugaredLogger
}

var _ retryablehttp.LeveledLogger = (*leveled)(nil)

// NewLeveled wraps l so it can be handed to a retryablehttp client.
// retryablehttp is chatty at info level, so its info lines are demoted to debug.
func NewLeveled(l *zap.Logger) retryablehttp.LeveledLogger {
	return &leveled{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar().With("component", "http")}
}

func (l *leveled) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l *leveled) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}

func (l *leveled) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l *leveled) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}
