package utils

import (
	"log/slog"
	"os"
	"strings"

	"github.com/mdobak/go-xerrors"
)

type stackFrame struct {
	Func   string `json:"func"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

// GetLogger returns a JSON slog logger on stderr. LOG_LEVEL selects the minimum level.
func GetLogger() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level:       logLevel(os.Getenv("LOG_LEVEL")),
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler)
}

func logLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindAny {
		return a
	}
	err, ok := a.Value.Any().(error)
	if !ok {
		return a
	}
	return slog.Group(a.Key,
		slog.String("msg", err.Error()),
		slog.Any("trace", marshalStack(err)),
	)
}

func marshalStack(err error) []stackFrame {
	trace := xerrors.StackTrace(err)
	if len(trace) == 0 {
		return nil
	}

	frames := trace.Frames()
	out := make([]stackFrame, len(frames))
	for i, frame := range frames {
		out[i] = stackFrame{
			Func:   frame.Function,
			Source: frame.File,
			Line:   frame.Line,
		}
	}
	return out
}
