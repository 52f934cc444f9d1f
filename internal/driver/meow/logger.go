package meow

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger bridges whatsmeow logging onto slog.
type slogLogger struct {
	logger *slog.Logger
}

// NewLogger returns a waLog.Logger writing to logger under module.
func NewLogger(logger *slog.Logger, module string) waLog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogLogger{logger: logger.With("module", module)}
}

func (l *slogLogger) Debugf(msg string, args ...any) { l.logger.Debug(fmt.Sprintf(msg, args...)) }
func (l *slogLogger) Infof(msg string, args ...any)  { l.logger.Info(fmt.Sprintf(msg, args...)) }
func (l *slogLogger) Warnf(msg string, args ...any)  { l.logger.Warn(fmt.Sprintf(msg, args...)) }
func (l *slogLogger) Errorf(msg string, args ...any) { l.logger.Error(fmt.Sprintf(msg, args...)) }

func (l *slogLogger) Sub(module string) waLog.Logger {
	return &slogLogger{logger: l.logger.With("sub", module)}
}
