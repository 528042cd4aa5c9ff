package tenantsync

import "sync"

const eventLogCapacity = 10

// EventLogEntry is one observability record. Note is empty for normally
// applied events; otherwise it names why the event was not applied
// (for example "conflict-discarded" or "tenant-mismatch").
type EventLogEntry struct {
	Event ChangeEvent
	Note  string
}

const (
	logNoteConflictDiscarded = "conflict-discarded"
	logNoteTenantMismatch    = "tenant-mismatch"
)

// eventLog is a bounded ring of the most recent change events. The
// oldest entry is evicted once capacity is exceeded.
type eventLog struct {
	mu      sync.Mutex
	entries []EventLogEntry
}

func newEventLog() *eventLog {
	return &eventLog{entries: make([]EventLogEntry, 0, eventLogCapacity)}
}

func (l *eventLog) append(entry EventLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > eventLogCapacity {
		l.entries = append(l.entries[:0], l.entries[len(l.entries)-eventLogCapacity:]...)
	}
}

func (l *eventLog) snapshot() []EventLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
