package injector

import "go.uber.org/zap"

// ZapLogger adapts a *zap.SugaredLogger to the Logger interface and is
// the Engine's reference Logger implementation.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps logger.Sugar() as a Logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{sugar: logger.Sugar()}
}

func (z *ZapLogger) Info(msg string, args ...any)  { z.sugar.Infow(msg, args...) }
func (z *ZapLogger) Error(msg string, args ...any) { z.sugar.Errorw(msg, args...) }
func (z *ZapLogger) Warn(msg string, args ...any)  { z.sugar.Warnw(msg, args...) }
func (z *ZapLogger) Debug(msg string, args ...any) { z.sugar.Debugw(msg, args...) }
