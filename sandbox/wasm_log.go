package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tetratelabs/wazero/api"
)

// wasmLogMessage is the JSON payload of the log_message host function.
type wasmLogMessage struct {
	Level   string        `json:"level"`
	Message string        `json:"message"`
	Attrs   []wasmLogAttr `json:"attrs,omitempty"`
}

type wasmLogAttr struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

// logMessage implements the `log_message` host function. The single
// parameter is a packed ptr/len pointing at a JSON wasmLogMessage.
func logMessage(logger *slog.Logger) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		ptr, length := unpackPtrLen(stack[0])
		payload, ok := mod.Memory().Read(ptr, length)
		if !ok {
			logger.ErrorContext(ctx, "wasm: failed to read log message from guest memory", "ptr", ptr, "len", length)
			return
		}

		var msg wasmLogMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.ErrorContext(ctx, "wasm: failed to unmarshal log message", "error", err)
			return
		}

		logger.LogAttrs(ctx, parseLogLevel(logger, msg.Level), msg.Message, convertLogAttrs(msg.Attrs)...)
	}
}

func parseLogLevel(logger *slog.Logger, levelStr string) slog.Level {
	level := slog.LevelInfo
	if levelStr == "" {
		return level
	}
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		logger.Warn("wasm: unknown log level from extension", "level", levelStr)
	}
	return level
}

func convertLogAttrs(wireAttrs []wasmLogAttr) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(wireAttrs))
	for _, attr := range wireAttrs {
		attrs = append(attrs, convertLogAttr(attr))
	}
	return attrs
}

func convertLogAttr(attr wasmLogAttr) slog.Attr {
	switch attr.Type {
	case "int64":
		if v, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
			return slog.Int64(attr.Key, v)
		}
	case "bool":
		if v, err := strconv.ParseBool(attr.Value); err == nil {
			return slog.Bool(attr.Key, v)
		}
	case "float64":
		if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
			return slog.Float64(attr.Key, v)
		}
	case "time":
		if v, err := time.Parse(time.RFC3339Nano, attr.Value); err == nil {
			return slog.Time(attr.Key, v)
		}
	case "error":
		return slog.Any(attr.Key, fmt.Errorf("%s", attr.Value))
	}
	return slog.String(attr.Key, attr.Value)
}

// unpackPtrLen splits a packed uint64 into a 32-bit pointer and length.
func unpackPtrLen(packed uint64) (ptr, length uint32) {
	//nolint:gosec // WASM pointers and lengths are 32-bit
	return uint32(packed >> 32), uint32(packed)
}

func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}
