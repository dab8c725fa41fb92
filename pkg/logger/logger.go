package logger

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger — zap с буферизованным файловым синком. Запись в критическом окне
// уходит в буфер, на диск её выносит фоновый flush; Drain() — явный сброс
// перед интерактивным вводом и на выходе.
type Logger struct {
	zl      *zap.Logger
	buf     *zapcore.BufferedWriteSyncer
	service string
}

func New(path, service string) (*Logger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logger: open %s: %w", path, err)
	}

	buf := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.NewMultiWriteSyncer(zapcore.AddSync(file), zapcore.AddSync(os.Stdout)),
		Size:          256 * 1024,
		FlushInterval: time.Second,
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), buf, zapcore.InfoLevel)

	return &Logger{
		zl:      zap.New(core),
		buf:     buf,
		service: service,
	}, nil
}

// Nop — заглушка для тестов.
func Nop() *Logger { return &Logger{zl: zap.NewNop()} }

func (l *Logger) Info(format string, args ...interface{}) {
	l.zl.With(zap.String("service", l.service)).Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.zl.With(zap.String("service", l.service)).Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.zl.With(zap.String("service", l.service)).Error(fmt.Sprintf(format, args...))
}

// ErrorCause — ошибка с исходной причиной отдельным полем.
func (l *Logger) ErrorCause(err error, format string, args ...interface{}) {
	l.zl.With(
		zap.String("service", l.service),
		zap.Error(err),
	).Error(fmt.Sprintf(format, args...))
}

// Drain сбрасывает буфер на диск. Обязателен перед любым prompt в stdin.
func (l *Logger) Drain() {
	if l.buf != nil {
		_ = l.buf.Sync()
	}
}

func (l *Logger) Close() {
	l.Drain()
	if l.buf != nil {
		_ = l.buf.Stop()
	}
}
