package ingest

import (
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/qmuntal/stateless"
)

type entry struct {
	rec Record
	sm  *stateless.StateMachine
}

// ledger keeps the most recent records, oldest first. Records and their
// state machines are only touched with mu held.
type ledger struct {
	mu      sync.Mutex
	limit   int
	entries []*entry
}

func newLedger(limit int) *ledger {
	return &ledger{limit: limit}
}

func (l *ledger) add(rec Record, now func() time.Time) *entry {
	e := &entry{rec: rec}
	e.sm = newLifecycle(&e.rec, now)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if l.limit > 0 && len(l.entries) > l.limit {
		evicted := len(l.entries) - l.limit
		// the caller still holds e, so an evicted in-flight record keeps
		// moving and is persisted when it finishes
		l.entries = append([]*entry(nil), l.entries[evicted:]...)
	}
	return e
}

func (l *ledger) fire(e *entry, t trigger, args ...any) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := e.sm.Fire(t, args...); err != nil {
		return e.rec, goerr.Wrap(err, "invalid upload transition",
			goerr.V("id", e.rec.ID),
			goerr.V("status", e.rec.Status),
			goerr.V("trigger", t),
		)
	}
	return e.rec, nil
}

func (l *ledger) snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.rec
	}
	return out
}
