package session

// Approximate accounting charges for bookkeeping objects that carry no
// payload of their own. Payload-bearing charges (header pairs, queued
// writes) are sized from the bytes they hold.
const (
	streamMemoryCost   = 1024
	pingMemoryCost     = 64
	settingsMemoryCost = 64

	// headerPairOverhead matches the HTTP/2 header-list-size rule: each
	// pair costs name length + value length + 32.
	headerPairOverhead = 32
)

// memoryTracker is the session's advisory budget. Every buffer the session
// queues passes through add/release so the counter stays honest; admission
// paths call has() before mutating state, while in-flight work (already
// admitted) adds unconditionally and is never retroactively failed.
type memoryTracker struct {
	current uint64
	limit   uint64
}

// has reports whether n more bytes fit under the budget.
func (m *memoryTracker) has(n int) bool {
	return m.current+uint64(n) <= m.limit
}

func (m *memoryTracker) add(n int) {
	m.current += uint64(n)
}

func (m *memoryTracker) release(n int) {
	if uint64(n) > m.current {
		m.current = 0
		return
	}
	m.current -= uint64(n)
}
