package logging

import (
	"context"
	"fmt"
	"log/slog"

	pionlogging "github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug for pion's trace output.
const levelTrace = slog.LevelDebug - 4

// PionFactory routes pion's internal logs into slog. Each scope (ice,
// dtls, sctp, ...) becomes a "scope" attribute.
type PionFactory struct {
	logger *slog.Logger
}

var _ pionlogging.LoggerFactory = (*PionFactory)(nil)

func NewPionFactory(logger *slog.Logger) *PionFactory {
	return &PionFactory{logger: logger.With(DirKey, "SYS", SrcKey, "RTC")}
}

func (f *PionFactory) NewLogger(scope string) pionlogging.LeveledLogger {
	return &pionLogger{logger: f.logger.With("scope", scope)}
}

type pionLogger struct {
	logger *slog.Logger
}

func (l *pionLogger) log(level slog.Level, msg string) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, msg)
}

func (l *pionLogger) Trace(msg string) { l.log(levelTrace, msg) }
func (l *pionLogger) Tracef(format string, args ...any) {
	l.log(levelTrace, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *pionLogger) Debugf(format string, args ...any) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *pionLogger) Infof(format string, args ...any) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *pionLogger) Warnf(format string, args ...any) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *pionLogger) Errorf(format string, args ...any) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
