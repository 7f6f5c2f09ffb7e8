package transcript

import "sync"

// DefaultMaxChars bounds the rolling transcript window.
const DefaultMaxChars = 500

// Accumulator keeps the most recent MaxChars characters of a transcript.
// Characters are runes, so CJK text is never split mid-codepoint.
type Accumulator struct {
	mu       sync.Mutex
	maxChars int
	buf      []rune
}

// NewAccumulator returns an empty window. Non-positive caps use DefaultMaxChars.
func NewAccumulator(maxChars int) *Accumulator {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Accumulator{maxChars: maxChars}
}

// Append adds chunk and evicts the oldest characters beyond the cap.
func (a *Accumulator) Append(chunk string) {
	if chunk == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf = append(a.buf, []rune(chunk)...)
	if overflow := len(a.buf) - a.maxChars; overflow > 0 {
		a.buf = append(a.buf[:0:0], a.buf[overflow:]...)
	}
}

// Reset clears the window.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.buf = nil
	a.mu.Unlock()
}

func (a *Accumulator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.buf)
}

// Len reports the window length in characters.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}
