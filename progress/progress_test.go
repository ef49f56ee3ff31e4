package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

type state string

func (s state) String() string { return string(s) }

func TestProgressStop(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Add(state("first"))
	p.Add(state("second"))

	assert.True(t, p.Stop())
	assert.False(t, p.Stop())

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "\033[?25l"), "cursor hidden on start")
	assert.True(t, strings.HasSuffix(out, "\033[?25h"), "cursor shown on stop")
	assert.Contains(t, out, "first\033[K\nsecond\033[K")
}

func TestProgressRenders(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)

	bar := NewBar("sampling", 4)
	p.Add(bar)
	bar.Set(2)
	time.Sleep(250 * time.Millisecond)
	bar.Set(4)
	p.Stop()

	assert.Contains(t, buf.String(), "2/4")
	assert.Contains(t, buf.String(), "4/4")
}

func TestBar(t *testing.T) {
	cases := []struct {
		name    string
		value   int
		elapsed time.Duration
		want    string
	}{
		{"empty", 0, 0, "sampling   0% ▕" + strings.Repeat(" ", 19) + "▏ 0/8"},
		{"partial", 2, 4 * time.Second, "sampling  25% ▕" + strings.Repeat("█", 2) + strings.Repeat(" ", 8) + "▏ 2/8 [4s:12s]"},
		{"done", 8, 4 * time.Second, "sampling 100% ▕" + strings.Repeat("█", 19) + "▏ 8/8"},
		{"clamped", 11, time.Second, "sampling 100% ▕" + strings.Repeat("█", 19) + "▏ 8/8"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBar("sampling", 8)
			b.Set(tt.value)

			got := b.render(40, tt.elapsed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBarNarrowTerminal(t *testing.T) {
	b := NewBar("sampling", 8)
	b.Set(3)
	got := b.render(10, time.Second)
	assert.NotContains(t, got, "▕")
	assert.Less(t, utf8.RuneCountInString(got), 40)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "99h+", formatDuration(120*time.Hour))
	assert.Equal(t, "2h5m", formatDuration(2*time.Hour+5*time.Minute))
	assert.Equal(t, "1m30s", formatDuration(90*time.Second+200*time.Millisecond))
}
