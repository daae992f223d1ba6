// Package chunker splits composed posting texts into overlapping windows.
package chunker

import (
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/logger"
)

const (
	DefaultWindow = 500
	DefaultStride = 200
)

// Span is one window of a text. Start and End are rune offsets, End exclusive.
type Span struct {
	Index int
	Start int
	End   int
	Text  string
}

type Chunker struct {
	window int
	stride int
}

// New returns a chunker with the given window and overlap. A stride that is
// not smaller than the window is clamped to window/2 and the change is logged.
func New(window, stride int, log *zap.Logger) *Chunker {
	log = logger.ForComponent(log, "chunker")

	if window <= 0 {
		log.Warn("invalid window size, using default",
			zap.Int("window_size", window),
			zap.Int("default", DefaultWindow),
		)
		window = DefaultWindow
	}

	if stride < 0 {
		stride = 0
	}

	if stride >= window {
		adjusted := window / 2
		log.Warn("stride is not smaller than window size, adjusting",
			zap.Int("window_size", window),
			zap.Int("stride", stride),
			zap.Int("adjusted_stride", adjusted),
		)
		stride = adjusted
	}

	return &Chunker{window: window, stride: stride}
}

func (c *Chunker) Window() int { return c.window }

func (c *Chunker) Stride() int { return c.stride }

// Split cuts text into windows advancing by window-stride runes. Consecutive
// windows overlap by exactly stride runes. A trailing window shorter than the
// stride is dropped, and so are whitespace-only windows.
func (c *Chunker) Split(text string) []Span {
	runes := []rune(text)
	length := len(runes)
	if length == 0 {
		return nil
	}

	if length <= c.window {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []Span{{Index: 0, Start: 0, End: length, Text: text}}
	}

	step := c.window - c.stride
	spans := make([]Span, 0, length/step+1)

	for start := 0; start < length; start += step {
		end := min(start+c.window, length)

		// trailing remainder shorter than the stride is not worth its own chunk
		if start > 0 && end == length && end-start < c.window && end-start < c.stride {
			break
		}

		piece := string(runes[start:end])
		if strings.TrimSpace(piece) != "" {
			spans = append(spans, Span{Index: len(spans), Start: start, End: end, Text: piece})
		}

		if end == length {
			break
		}
	}

	return spans
}
