package polyfetch

import "go.uber.org/zap"

// newNopLogger returns a zap logger that discards everything, used when
// the caller hasn't supplied one via WithLogger.
func newNopLogger() *zap.Logger { return zap.NewNop() }

// logf adapts a *zap.Logger into the printf-style callback the transport
// subpackages take, so they don't need a zap dependency of their own.
func logf(logger *zap.Logger) func(format string, args ...any) {
	return func(format string, args ...any) {
		logger.Sugar().Infof(format, args...)
	}
}
