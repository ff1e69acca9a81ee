package actor

import "container/list"

// dedupeLRU is a bounded set of recently seen dedupe keys. Lookup refreshes
// recency; inserting past capacity evicts the oldest key.
type dedupeLRU struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedupeLRU(capacity int) *dedupeLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &dedupeLRU{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Contains reports whether key was seen recently and marks it most recent.
func (l *dedupeLRU) Contains(key string) bool {
	el, ok := l.index[key]
	if !ok {
		return false
	}
	l.order.MoveToFront(el)
	return true
}

// Add records key as most recent, evicting the oldest entry when full.
func (l *dedupeLRU) Add(key string) {
	if el, ok := l.index[key]; ok {
		l.order.MoveToFront(el)
		return
	}
	l.index[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
	}
}

// Keys returns the keys from most to least recent.
func (l *dedupeLRU) Keys() []string {
	out := make([]string, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(string))
	}
	return out
}

func (l *dedupeLRU) Len() int { return l.order.Len() }
