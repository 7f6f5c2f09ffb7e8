package coaching

import "sync"

// DefaultFeedLimit bounds the tip feed.
const DefaultFeedLimit = 5

// Feed is the newest-first tip list for one dashboard session.
//
// Each Reset starts a new epoch. Push only applies when the caller's epoch
// still matches, so completions from a previous session never land.
type Feed struct {
	mu    sync.Mutex
	limit int
	tips  []Tip
	epoch uint64
}

// NewFeed returns an empty feed. Non-positive limits use DefaultFeedLimit.
func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = DefaultFeedLimit
	}
	return &Feed{limit: limit}
}

// Reset clears the feed, seeds it, and returns the new epoch.
func (f *Feed) Reset(seed ...Tip) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.epoch++
	f.tips = f.tips[:0]
	for i := 0; i < len(seed) && i < f.limit; i++ {
		f.tips = append(f.tips, seed[i])
	}
	return f.epoch
}

// Invalidate advances the epoch without touching the tips.
func (f *Feed) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch++
}

// Epoch returns the current epoch.
func (f *Feed) Epoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

// Push prepends tip and evicts from the tail past the limit. It reports
// false, leaving the feed untouched, when epoch is stale.
func (f *Feed) Push(epoch uint64, tip Tip) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if epoch != f.epoch {
		return false
	}

	next := make([]Tip, 0, f.limit)
	next = append(next, tip)
	for i := 0; i < len(f.tips) && len(next) < f.limit; i++ {
		next = append(next, f.tips[i])
	}
	f.tips = next
	return true
}

// Tips returns a copy of the feed, newest first.
func (f *Feed) Tips() []Tip {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Tip, len(f.tips))
	copy(out, f.tips)
	return out
}
