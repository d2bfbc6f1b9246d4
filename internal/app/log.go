package app

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const logFileName = "arklowdun.log"

// encoderConfig formats entries as:
//
//	<timestamp>\t<level>\t<opID>\t<message>\t{<fields>}
func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:    "ts",
		LevelKey:   "level",
		NameKey:    "op_id",
		MessageKey: "msg",
		EncodeTime: func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.UTC().Format("2006-01-02T15:04:05Z"))
		},
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeDuration:   zapcore.MillisDurationEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		ConsoleSeparator: "\t",
	}
}

// newCore writes every entry at or above level to w.
func newCore(w zapcore.WriteSyncer, level zapcore.Level) zapcore.Core {
	return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), w, level)
}

// newLogger creates a logger that writes to logDir/arklowdun.log and, from
// warnings up, to stderr. It returns the logger, the open log file (for
// cleanup), and any error.
func newLogger(logDir string, opID string) (*zap.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, logFileName)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	core := zapcore.NewTee(
		newCore(zapcore.AddSync(f), zapcore.DebugLevel),
		newCore(zapcore.Lock(os.Stderr), zapcore.WarnLevel),
	)
	return zap.New(core).Named(opID), f, nil
}

// zapAdapter wraps a sugared zap logger to satisfy ark.Logger.
type zapAdapter struct {
	l *zap.SugaredLogger
}

func newZapAdapter(l *zap.Logger) *zapAdapter { return &zapAdapter{l: l.Sugar()} }

func (a *zapAdapter) Debug(msg string, args ...any) { a.l.Debugw(msg, args...) }
func (a *zapAdapter) Info(msg string, args ...any)  { a.l.Infow(msg, args...) }
func (a *zapAdapter) Warn(msg string, args ...any)  { a.l.Warnw(msg, args...) }
func (a *zapAdapter) Error(msg string, args ...any) { a.l.Errorw(msg, args...) }
