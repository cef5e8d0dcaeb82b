package cdp

import (
	"sync"

	"github.com/chromedp/cdproto/target"
)

// Registry maps CDP target IDs to the integer tab ids used on the wire.
// Ids start at 1 and are never reused, even after a target is removed.
type Registry struct {
	mu      sync.RWMutex
	next    int64
	ids     map[target.ID]int64
	targets map[int64]target.ID
}

func NewRegistry() *Registry {
	return &Registry{
		ids:     make(map[target.ID]int64),
		targets: make(map[int64]target.ID),
	}
}

// ID returns the tab id for targetID, assigning one on first sight.
func (r *Registry) ID(targetID target.ID) int64 {
	r.mu.RLock()
	id, ok := r.ids[targetID]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[targetID]; ok {
		return id
	}
	r.next++
	r.ids[targetID] = r.next
	r.targets[r.next] = targetID
	return r.next
}

// Peek returns the tab id for targetID without assigning one.
func (r *Registry) Peek(targetID target.ID) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[targetID]
	return id, ok
}

// Lookup returns the target behind a tab id.
func (r *Registry) Lookup(id int64) (target.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[id]
	return t, ok
}

// Remove forgets targetID and returns the id it had.
func (r *Registry) Remove(targetID target.ID) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ids[targetID]
	if !ok {
		return 0, false
	}
	delete(r.ids, targetID)
	delete(r.targets, id)
	return id, true
}

// Retain drops every target not in live. Used after a full listing to
// forget targets whose destroy event was missed.
func (r *Registry) Retain(live map[target.ID]struct{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for t, id := range r.ids {
		if _, ok := live[t]; ok {
			continue
		}
		delete(r.ids, t)
		delete(r.targets, id)
		dropped++
	}
	return dropped
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}
