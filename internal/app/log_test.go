package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCoreFormat(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   zapcore.Level
		message string
		fields  []zap.Field
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "op-123",
			level:   zapcore.InfoLevel,
			message: "backup created",
			want:    "2024-06-15T14:30:45Z\tINFO\top-123\tbackup created\n",
		},
		{
			name:    "debug level",
			opID:    "op-456",
			level:   zapcore.DebugLevel,
			message: "checking wal",
			want:    "2024-06-15T14:30:45Z\tDEBUG\top-456\tchecking wal\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			core := newCore(zapcore.AddSync(&buf), zapcore.DebugLevel)
			err := core.Write(zapcore.Entry{
				Time:       ts,
				Level:      tt.level,
				LoggerName: tt.opID,
				Message:    tt.message,
			}, tt.fields)
			require.NoError(t, err)
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestCoreFormat_fields(t *testing.T) {
	var buf bytes.Buffer
	core := newCore(zapcore.AddSync(&buf), zapcore.DebugLevel)
	err := core.Write(zapcore.Entry{
		Time:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Level:      zapcore.InfoLevel,
		LoggerName: "op-789",
		Message:    "moved",
	}, []zap.Field{zap.String("path", "docs/file.txt"), zap.Int("size", 42)})
	require.NoError(t, err)

	got := buf.String()
	assert.True(t, strings.HasPrefix(got, "2024-01-01T00:00:00Z\tINFO\top-789\tmoved\t"), got)
	assert.Contains(t, got, `"path": "docs/file.txt"`)
	assert.Contains(t, got, `"size": 42`)
}

func TestCoreLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := zap.New(newCore(zapcore.AddSync(&buf), zapcore.WarnLevel))
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestZapAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a := newZapAdapter(zap.New(core).Named("op-1"))

	a.Debug("probe", "attempt", 1)
	a.Info("staged", "path", "/docs/file.txt")
	a.Warn("retrying")
	a.Error("failed", "code", "DB_UNHEALTHY")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "op-1", entries[1].LoggerName)
	assert.Equal(t, "/docs/file.txt", entries[1].ContextMap()["path"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "DB_UNHEALTHY", entries[3].ContextMap()["code"])
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, f, err := newLogger(dir, "test-op")
	require.NoError(t, err)
	defer f.Close()
	require.NotNil(t, logger)

	logger.Info("written", zap.String("k", "v"))

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\tINFO\ttest-op\twritten\t")
}
