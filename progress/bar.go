package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Bar tracks a count of finished items, such as samples drawn.
type Bar struct {
	mu sync.Mutex

	message  string
	maxValue int
	current  int

	started time.Time
}

func NewBar(message string, maxValue int) *Bar {
	return &Bar{
		message:  message,
		maxValue: maxValue,
		started:  time.Now(),
	}
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (b *Bar) Set(value int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = min(value, b.maxValue)
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.current) / float64(b.maxValue) * 100
	}

	return 0
}

// remaining extrapolates the time left from the average rate so far.
func (b *Bar) remaining(elapsed time.Duration) time.Duration {
	if b.current <= 0 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(float64(elapsed) * float64(b.maxValue-b.current) / float64(b.current))
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = defaultTermWidth
	}

	return b.render(termWidth, time.Since(b.started))
}

func (b *Bar) render(termWidth int, elapsed time.Duration) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pre, mid, suf strings.Builder

	if message := strings.TrimSpace(b.message); message != "" {
		pre.WriteString(message)
		pre.WriteString(" ")
	}

	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(b.percent()))

	fmt.Fprintf(&suf, " %d/%d", b.current, b.maxValue)
	if b.current > 0 && b.current < b.maxValue {
		fmt.Fprintf(&suf, " [%s:%s]", formatDuration(elapsed), formatDuration(b.remaining(elapsed)))
	}

	// 2 boundary characters and 1 space at the end
	f := termWidth - pre.Len() - suf.Len() - 3
	n := int(float64(f) * b.percent() / 100)

	if f > 0 {
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		mid.WriteString(strings.Repeat(" ", f-n))
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}
