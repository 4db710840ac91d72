package tunnel

import (
	"sync"
	"time"

	"github.com/routetunnel/internal/protocol"
)

// outcome is the single resolution of a pending request: a response frame or
// a terminal error, never both.
type outcome struct {
	frame *protocol.Frame
	err   error
}

// pendingEntry is one in-flight request awaiting its correlated response.
type pendingEntry struct {
	cid       string
	deadline  time.Time
	createdAt time.Time

	// ch carries exactly one outcome. entries are removed from the table
	// before resolution, so only one goroutine ever sends on it.
	ch chan outcome
}

// pendingTable is a session's correlation-id index of in-flight requests.
// each sink resolves exactly once: resolution requires removing the entry
// from the map first, and the map is guarded by the mutex.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

// insert registers a new pending request under cid.
func (t *pendingTable) insert(cid string, deadline time.Time) (*pendingEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[cid]; ok {
		return nil, ErrDuplicateCorrelation
	}
	e := &pendingEntry{
		cid:       cid,
		deadline:  deadline,
		createdAt: time.Now(),
		ch:        make(chan outcome, 1),
	}
	t.entries[cid] = e
	return e, nil
}

// complete delivers a response frame to the sink for cid. a no-op when the
// entry is absent, which is how late responses are silently dropped.
func (t *pendingTable) complete(cid string, frame *protocol.Frame) {
	t.mu.Lock()
	e, ok := t.entries[cid]
	if ok {
		delete(t.entries, cid)
	}
	t.mu.Unlock()
	if ok {
		e.ch <- outcome{frame: frame}
	}
}

// fail resolves the sink for cid with reason. a no-op when absent.
func (t *pendingTable) fail(cid string, reason error) {
	t.mu.Lock()
	e, ok := t.entries[cid]
	if ok {
		delete(t.entries, cid)
	}
	t.mu.Unlock()
	if ok {
		e.ch <- outcome{err: reason}
	}
}

// remove discards the entry for cid without resolving its sink. used when
// the awaiting caller is gone and nobody will read the outcome.
func (t *pendingTable) remove(cid string) {
	t.mu.Lock()
	delete(t.entries, cid)
	t.mu.Unlock()
}

// expireDue fails every entry whose deadline has passed. returns the number
// of entries expired.
func (t *pendingTable) expireDue(now time.Time) int {
	t.mu.Lock()
	var due []*pendingEntry
	for cid, e := range t.entries {
		if !e.deadline.After(now) {
			due = append(due, e)
			delete(t.entries, cid)
		}
	}
	t.mu.Unlock()
	for _, e := range due {
		e.ch <- outcome{err: ErrTimeout}
	}
	return len(due)
}

// drain fails every entry with reason. used on detach, supersede, route
// deletion and registry shutdown.
func (t *pendingTable) drain(reason error) int {
	t.mu.Lock()
	drained := make([]*pendingEntry, 0, len(t.entries))
	for cid, e := range t.entries {
		drained = append(drained, e)
		delete(t.entries, cid)
	}
	t.mu.Unlock()
	for _, e := range drained {
		e.ch <- outcome{err: reason}
	}
	return len(drained)
}

// size reports the number of in-flight entries.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
