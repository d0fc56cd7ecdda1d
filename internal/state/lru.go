package state

import "container/list"

// lru is a fixed-capacity set used for the trigger dedup guard: it
// remembers the last N trigger keys seen so a replayed event (e.g. a
// websocket reconnect resending history) doesn't spawn a duplicate
// discussion.
type lru struct {
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

func newLRU(capacity int) *lru {
	return &lru{capacity: capacity, ll: list.New(), index: map[string]*list.Element{}}
}

// Seen reports whether key was already recorded, then records it,
// evicting the oldest entry if at capacity. Mirrors the "check-and-set"
// idiom the dedup guard needs in one call.
func (l *lru) Seen(key string) bool {
	if el, ok := l.index[key]; ok {
		l.ll.MoveToFront(el)
		return true
	}
	el := l.ll.PushFront(key)
	l.index[key] = el
	if l.ll.Len() > l.capacity {
		oldest := l.ll.Back()
		if oldest != nil {
			l.ll.Remove(oldest)
			delete(l.index, oldest.Value.(string))
		}
	}
	return false
}

func (l *lru) Len() int {
	return l.ll.Len()
}
