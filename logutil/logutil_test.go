package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger(t *testing.T) {
	var b bytes.Buffer
	logger := NewLogger(&b, LevelTrace)
	logger.Log(t.Context(), LevelTrace, "step")

	out := b.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "source=logutil_test.go:")
}

func TestTrace(t *testing.T) {
	var b bytes.Buffer
	defer slog.SetDefault(slog.Default())

	slog.SetDefault(NewLogger(&b, slog.LevelInfo))
	Trace("hidden")
	assert.Empty(t, b.String())

	slog.SetDefault(NewLogger(&b, LevelTrace))
	Trace("visible", "i", 3)
	assert.True(t, strings.Contains(b.String(), "msg=visible i=3"), b.String())
}

func TestTensor(t *testing.T) {
	var b bytes.Buffer
	logger := NewLogger(&b, slog.LevelInfo)

	x := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float64{1, 2, 3, 4}))
	logger.Info("sample", Tensor("x", x))

	out := b.String()
	assert.Contains(t, out, "x.shape=[2 2]")
	assert.Contains(t, out, "x.mean=2.5")
	assert.Contains(t, out, "x.min=1")
	assert.Contains(t, out, "x.max=4")
}
