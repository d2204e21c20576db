package luteus

import (
	"sort"
)

type listenerResult int

const (
	// Deliver the event to the next listener
	listenerContinue listenerResult = iota
	// Don't deliver the event to the remaining listeners
	listenerStop
	// Don't deliver the event to the remaining listeners, and skip the
	// default processing of the event source
	listenerStopAll
)

type listenerFunc[E any] func(E) (listenerResult, error)

// listener is a registration in a listenerList. Close revokes it.
type listener[E any] struct {
	list     *listenerList[E]
	priority int
	f        listenerFunc[E]
	closed   bool
}

func (l *listener[E]) Close() {
	if l.closed {
		return
	}
	l.closed = true

	entries := l.list.entries
	for i, other := range entries {
		if other == l {
			l.list.entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
}

// listenerList delivers events to listeners by ascending priority, then by
// registration order. It must only be used from the user goroutine.
type listenerList[E any] struct {
	name    string
	logger  Logger
	entries []*listener[E]
}

func newListenerList[E any](name string, logger Logger) *listenerList[E] {
	return &listenerList[E]{name: name, logger: logger}
}

func (ll *listenerList[E]) Register(priority int, f listenerFunc[E]) *listener[E] {
	l := &listener[E]{list: ll, priority: priority, f: f}
	i := sort.Search(len(ll.entries), func(i int) bool {
		return ll.entries[i].priority > priority
	})
	ll.entries = append(ll.entries, nil)
	copy(ll.entries[i+1:], ll.entries[i:])
	ll.entries[i] = l
	return l
}

func (ll *listenerList[E]) Len() int {
	return len(ll.entries)
}

// Fire delivers e to the listeners. Listener errors are logged and don't
// interrupt delivery. The result is the one of the listener which stopped
// delivery, if any; callers skip their default processing of the event on
// listenerStopAll.
func (ll *listenerList[E]) Fire(e E) listenerResult {
	// Listeners may register or close listeners while we iterate
	entries := append([]*listener[E](nil), ll.entries...)
	for _, l := range entries {
		if l.closed {
			continue
		}
		res, err := l.f(e)
		if err != nil {
			ll.logger.Printf("%v listener failed: %v", ll.name, err)
		}
		if res != listenerContinue {
			return res
		}
	}
	return listenerContinue
}
