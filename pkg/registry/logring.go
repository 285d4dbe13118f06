package registry

import (
	"sync"
	"time"
)

// instanceLogLimit bounds the per-instance stderr ring.
const instanceLogLimit = 500

// LogLine is one captured backend stderr line.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

type logRing struct {
	mu    sync.Mutex
	lines []LogLine
	next  int
	full  bool
}

func newLogRing() *logRing {
	return &logRing{lines: make([]LogLine, instanceLogLimit)}
}

func (r *logRing) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = LogLine{Timestamp: time.Now(), Line: line}
	r.next = (r.next + 1) % instanceLogLimit
	if r.next == 0 {
		r.full = true
	}
}

// tail returns up to limit lines, oldest first.
func (r *logRing) tail(limit int) []LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = instanceLogLimit
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]LogLine, 0, limit)
	start := n - limit
	for i := start; i < n; i++ {
		idx := i
		if r.full {
			idx = (r.next + i) % instanceLogLimit
		}
		out = append(out, r.lines[idx])
	}
	return out
}
