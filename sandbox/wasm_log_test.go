package sandbox

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackPtrLen(t *testing.T) {
	ptr, length := unpackPtrLen(packPtrLen(1024, 77))
	assert.Equal(t, uint32(1024), ptr)
	assert.Equal(t, uint32(77), length)
}

func TestConvertLogAttr(t *testing.T) {
	tests := []struct {
		attr wasmLogAttr
		kind slog.Kind
	}{
		{wasmLogAttr{Key: "n", Type: "int64", Value: "42"}, slog.KindInt64},
		{wasmLogAttr{Key: "b", Type: "bool", Value: "true"}, slog.KindBool},
		{wasmLogAttr{Key: "f", Type: "float64", Value: "1.5"}, slog.KindFloat64},
		{wasmLogAttr{Key: "t", Type: "time", Value: "2024-01-02T03:04:05Z"}, slog.KindTime},
		{wasmLogAttr{Key: "e", Type: "error", Value: "boom"}, slog.KindAny},
		{wasmLogAttr{Key: "bad", Type: "int64", Value: "x"}, slog.KindString},
		{wasmLogAttr{Key: "s", Type: "string", Value: "v"}, slog.KindString},
	}

	for _, tt := range tests {
		t.Run(tt.attr.Key, func(t *testing.T) {
			attr := convertLogAttr(tt.attr)
			assert.Equal(t, tt.attr.Key, attr.Key)
			assert.Equal(t, tt.kind, attr.Value.Kind())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	assert.Equal(t, slog.LevelInfo, parseLogLevel(logger, ""))
	assert.Equal(t, slog.LevelWarn, parseLogLevel(logger, "warn"))
	assert.Equal(t, slog.LevelError, parseLogLevel(logger, "ERROR"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel(logger, "loud"))
}
