package interpreter

import (
	"bytes"
	"sync"
)

const logTailLimit = 100

// logTail is an io.Writer keeping the last lines written through it.
// It is attached to the agent logger as an extra sink so the final
// report can carry the tail of the run log without touching disk.
type logTail struct {
	mu      sync.Mutex
	limit   int
	lines   []string
	partial []byte
}

func newLogTail(limit int) *logTail {
	if limit < 1 {
		limit = logTailLimit
	}
	return &logTail{limit: limit}
}

func (t *logTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		t.append(string(t.partial[:i]))
		t.partial = t.partial[i+1:]
	}
	return len(p), nil
}

func (t *logTail) append(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

// Lines returns a copy of the captured tail. An unterminated trailing
// write is included as its own line.
func (t *logTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.lines)+1)
	out = append(out, t.lines...)
	if len(t.partial) > 0 {
		out = append(out, string(t.partial))
	}
	return out
}
