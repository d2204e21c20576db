package backlog

import (
	"context"
	"time"
)

// ConfirmDelay is the maximum delay before a connection is asked to confirm
// the records it was handed.
const ConfirmDelay = 5 * time.Second

// Target is a client connection records are handed to.
type Target interface {
	ID() uint64
	// RequestPing asks the connection to ping its client within maxDelay
	// and to call f once the client answers. f is never called if the client
	// doesn't answer in time. Requests answered by the same PING must be
	// called most recent first.
	RequestPing(maxDelay time.Duration, f func())
}

type pendingRange struct {
	low, high uint64
}

type confirmState struct {
	// Highest sequence number confirmed by any connection
	acked uint64
	// Records up to this sequence number have been discarded
	discarded uint64
	// Unconfirmed records handed to each connection
	pending map[uint64]*pendingRange
}

// Confirmer discards records once their delivery has been confirmed.
//
// A context is discarded up to the highest sequence number that some
// connection confirmed and that every connection holding unconfirmed
// records has confirmed as well.
type Confirmer struct {
	store  Store
	logger Logger
	// Maximum number of records kept per context, zero for no limit
	MaxRecords uint64

	contexts map[string]*confirmState
}

func NewConfirmer(store Store, logger Logger, maxRecords uint64) *Confirmer {
	return &Confirmer{
		store:      store,
		logger:     logger,
		MaxRecords: maxRecords,
		contexts:   make(map[string]*confirmState),
	}
}

func (c *Confirmer) state(name string) *confirmState {
	st, ok := c.contexts[name]
	if !ok {
		st = &confirmState{pending: make(map[uint64]*pendingRange)}
		c.contexts[name] = st
	}
	return st
}

// Handed records that the records first to last of a context have been
// queued for sending on t.
func (c *Confirmer) Handed(t Target, name string, first, last uint64) {
	if first > last {
		return
	}
	st := c.state(name)
	id := t.ID()
	if p := st.pending[id]; p != nil {
		if first < p.low {
			p.low = first
		}
		if last > p.high {
			p.high = last
		}
	} else {
		st.pending[id] = &pendingRange{low: first, high: last}
	}

	t.RequestPing(ConfirmDelay, func() {
		c.confirm(id, name, last)
	})
}

func (c *Confirmer) confirm(id uint64, name string, upTo uint64) {
	st, ok := c.contexts[name]
	if !ok {
		return
	}
	if upTo > st.acked {
		st.acked = upTo
	}
	if p := st.pending[id]; p != nil {
		if upTo >= p.high {
			delete(st.pending, id)
		} else if upTo >= p.low {
			p.low = upTo + 1
		}
	}
	c.evaluate(name, st)
}

func (c *Confirmer) evaluate(name string, st *confirmState) {
	upTo := st.acked
	for _, p := range st.pending {
		if p.low-1 < upTo {
			upTo = p.low - 1
		}
	}
	if upTo <= st.discarded {
		return
	}
	if _, err := c.store.Discard(context.TODO(), name, upTo); err != nil {
		c.logger.Printf("failed to discard backlog %q up to %v: %v", name, upTo, err)
		return
	}
	st.discarded = upTo
}

// Detach forgets about a connection. Records it didn't confirm no longer
// hold back discarding.
func (c *Confirmer) Detach(t Target) {
	id := t.ID()
	for name, st := range c.contexts {
		if _, ok := st.pending[id]; !ok {
			continue
		}
		delete(st.pending, id)
		c.evaluate(name, st)
	}
}

// Check enforces MaxRecords on a context, discarding the oldest records
// whether they were confirmed or not.
func (c *Confirmer) Check(name string) {
	if c.MaxRecords == 0 {
		return
	}
	first, next, err := c.store.Bounds(context.TODO(), name)
	if err != nil {
		c.logger.Printf("failed to query backlog %q: %v", name, err)
		return
	}
	if next-first <= c.MaxRecords {
		return
	}

	upTo := next - c.MaxRecords - 1
	n, err := c.store.Discard(context.TODO(), name, upTo)
	if err != nil {
		c.logger.Printf("failed to discard backlog %q up to %v: %v", name, upTo, err)
		return
	}
	c.logger.Printf("backlog %q exceeds %v records: discarded %v unconfirmed records", name, c.MaxRecords, n)

	st := c.state(name)
	if upTo > st.discarded {
		st.discarded = upTo
	}
}
