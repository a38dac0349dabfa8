package dispatch

import (
	"sync"
	"time"
)

// DefaultMaxFramesPerSecond bounds inbound frames on one connection.
const DefaultMaxFramesPerSecond = 40

// frameWindow is a fixed one-second frame counter for one connection.
type frameWindow struct {
	mu    sync.Mutex
	limit int
	start time.Time
	count int
}

func (w *frameWindow) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if now.Sub(w.start) >= time.Second {
		w.start = now
		w.count = 0
	}
	w.count++
	return w.count <= w.limit
}
