package tracker

// History is the append-only log of successful indexing events. The
// in-memory log grows freely; only the persisted snapshot is bounded.
// It is not safe for concurrent use; the Tracker guards it with its own
// mutex.
type History struct {
	entries []HistoryEntry
}

// NewHistory constructs a History seeded with existing entries.
func NewHistory(entries []HistoryEntry) *History {
	return &History{entries: entries}
}

// Append adds one entry to the log.
func (h *History) Append(entry HistoryEntry) {
	h.entries = append(h.entries, entry)
}

// Len returns the number of in-memory entries.
func (h *History) Len() int {
	return len(h.entries)
}

// Recent returns up to n most recent entries, oldest first.
func (h *History) Recent(n int) []HistoryEntry {
	if n <= 0 || len(h.entries) == 0 {
		return []HistoryEntry{}
	}
	start := len(h.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]HistoryEntry, len(h.entries)-start)
	copy(out, h.entries[start:])
	return out
}

// Average returns the arithmetic mean of TimeToIndex over all in-memory
// entries, or zero when the log is empty.
func (h *History) Average() float64 {
	if len(h.entries) == 0 {
		return 0
	}
	var total float64
	for _, entry := range h.entries {
		total += entry.TimeToIndex
	}
	return total / float64(len(h.entries))
}

// Trimmed returns the most recent max entries for persistence. The
// in-memory log is never truncated during a process lifetime, so after a
// restart the average is computed over fewer samples; that approximation
// is deliberate.
func (h *History) Trimmed(max int) []HistoryEntry {
	return h.Recent(max)
}
