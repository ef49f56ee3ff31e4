package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pdevine/tensor"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const LevelTrace slog.Level = -8

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if attr.Value.Any().(slog.Level) == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

type key string

func Trace(msg string, args ...any) {
	TraceContext(context.WithValue(context.TODO(), key("skip"), 1), msg, args...)
}

func TraceContext(ctx context.Context, msg string, args ...any) {
	if logger := slog.Default(); logger.Enabled(ctx, LevelTrace) {
		skip, _ := ctx.Value(key("skip")).(int)
		pc, _, _, _ := runtime.Caller(1 + skip)
		record := slog.NewRecord(time.Now(), LevelTrace, msg, pc)
		record.Add(args...)
		logger.Handler().Handle(ctx, record)
	}
}

// Tensor returns a group attribute summarizing a float64 tensor: its shape plus the
// mean, standard deviation and range of its values. The summary is computed lazily so
// disabled log levels cost nothing.
func Tensor(name string, t *tensor.Dense) slog.Attr {
	return slog.Any(name, tensorValue{t})
}

type tensorValue struct {
	t *tensor.Dense
}

func (v tensorValue) LogValue() slog.Value {
	if v.t == nil {
		return slog.StringValue("<nil>")
	}

	attrs := []slog.Attr{slog.Any("shape", []int(v.t.Shape()))}
	if data, ok := v.t.Data().([]float64); ok && len(data) > 0 {
		mean, std := stat.MeanStdDev(data, nil)
		attrs = append(attrs,
			slog.Float64("mean", mean),
			slog.Float64("std", std),
			slog.Float64("min", floats.Min(data)),
			slog.Float64("max", floats.Max(data)),
		)
	}
	return slog.GroupValue(attrs...)
}
