package conversation

import "time"

// HistorySize bounds the number of invocations kept for troubleshooting.
const HistorySize = 10

// HistoryEntry is one gateway invocation.
type HistoryEntry struct {
	At             time.Time     `json:"at"`
	Agent          string        `json:"agent"`
	Command        string        `json:"command"`
	ConversationID string        `json:"conversationId"`
	Success        bool          `json:"success"`
	Elapsed        time.Duration `json:"elapsed"`
	Output         string        `json:"output,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// ring keeps the last HistorySize entries, overwriting the oldest.
type ring struct {
	buf   [HistorySize]HistoryEntry
	start int
	n     int
}

func (r *ring) add(e HistoryEntry) {
	if r.n < HistorySize {
		r.buf[(r.start+r.n)%HistorySize] = e
		r.n++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % HistorySize
}

// entries returns the kept entries oldest first.
func (r *ring) entries() []HistoryEntry {
	out := make([]HistoryEntry, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%HistorySize]
	}
	return out
}

func (r *ring) reset(entries []HistoryEntry) {
	*r = ring{}
	if len(entries) > HistorySize {
		entries = entries[len(entries)-HistorySize:]
	}
	for _, e := range entries {
		r.add(e)
	}
}
