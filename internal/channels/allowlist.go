package channels

import "sync"

// AllowList is a per-adapter sender filter. An empty list admits everyone;
// once entries exist, only listed sender IDs pass.
type AllowList struct {
	mu      sync.RWMutex
	senders map[string]struct{}
}

// NewAllowList builds a filter from the configured sender IDs.
func NewAllowList(senders []string) *AllowList {
	l := &AllowList{senders: make(map[string]struct{}, len(senders))}
	for _, s := range senders {
		if s != "" {
			l.senders[s] = struct{}{}
		}
	}
	return l
}

// Allowed reports whether the sender may publish inbound messages.
func (l *AllowList) Allowed(senderID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.senders) == 0 {
		return true
	}
	_, ok := l.senders[senderID]
	return ok
}

// dedupeWindow bounds how many recent message IDs are remembered.
const dedupeWindow = 512

// Deduper drops transport-level redeliveries by remembering recent message
// IDs in a bounded ring.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

// NewDeduper creates an empty deduper.
func NewDeduper() *Deduper {
	return &Deduper{
		seen: make(map[string]struct{}, dedupeWindow),
		ring: make([]string, dedupeWindow),
	}
}

// Seen records the ID and reports whether it was already present. Empty IDs
// are never deduplicated.
func (d *Deduper) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.seen[id] = struct{}{}
	return false
}
