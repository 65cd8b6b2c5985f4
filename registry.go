package microtask

import (
	"sync"
	"weak"
)

// registry tracks live promises with weak pointers so an abandoned promise
// can still be garbage collected. A ring buffer of IDs lets the scheduler
// scavenge settled or collected entries incrementally, and shutdown rejects
// whatever is still pending so no promise outlives its scheduler silently.
type registry struct {
	// data stores weak pointers to promises, keyed by promise ID.
	data map[uint64]weak.Pointer[Promise]

	// ring is a circular buffer of IDs walked by the scavenger.
	ring []uint64

	// head is the scavenger's cursor into ring.
	head int

	// nextID generates unique promise IDs. Starts at 1 so 0 is a null marker.
	nextID uint64
	mu     sync.RWMutex

	// scavengeMu serializes scavenge passes.
	scavengeMu sync.Mutex
}

// newRegistry creates an initialized registry.
func newRegistry() *registry {
	return &registry{
		data:   make(map[uint64]weak.Pointer[Promise]),
		ring:   make([]uint64, 0, 1024),
		nextID: 1,
	}
}

// register assigns an ID to the promise and tracks it weakly.
func (r *registry) register(p *Promise) uint64 {
	wp := weak.Make(p)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	r.data[id] = wp
	r.ring = append(r.ring, id)

	return id
}

// Scavenge removes up to batchSize dead entries (settled or collected
// promises). Returns the number of entries removed.
func (r *registry) Scavenge(batchSize int) int {
	r.scavengeMu.Lock()
	defer r.scavengeMu.Unlock()

	if batchSize <= 0 {
		return 0
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	if ringLen == 0 {
		r.mu.RUnlock()
		return 0
	}

	start := r.head
	end := min(start+batchSize, ringLen)

	type item struct {
		id  uint64
		idx int
	}
	items := make([]item, 0, end-start)
	for i := start; i < end; i++ {
		if id := r.ring[i]; id != 0 {
			items = append(items, item{id, i})
		}
	}

	wps := make([]weak.Pointer[Promise], 0, len(items))
	validItems := items[:0]
	for _, it := range items {
		if wp, ok := r.data[it.id]; ok {
			wps = append(wps, wp)
			validItems = append(validItems, it)
		}
	}

	nextHead := end
	if nextHead >= ringLen {
		nextHead = 0
	}
	r.mu.RUnlock()

	cycleCompleted := nextHead == 0

	// Liveness checks run outside the lock.
	var itemsToRemove []item
	for i, it := range validItems {
		p := wps[i].Value()
		if p == nil || p.State() != Pending {
			itemsToRemove = append(itemsToRemove, it)
		}
	}

	r.mu.Lock()
	for _, it := range itemsToRemove {
		delete(r.data, it.id)
		if it.idx < len(r.ring) && r.ring[it.idx] == it.id {
			r.ring[it.idx] = 0
		}
	}
	r.head = nextHead

	// Compact when a full cycle completes with a low load factor; delete()
	// alone never shrinks the map's bucket array.
	if cycleCompleted {
		active := len(r.data)
		capacity := len(r.ring)
		if capacity > 256 && float64(active) < float64(capacity)*0.25 {
			r.compactAndRenew()
		}
	}
	r.mu.Unlock()

	return len(itemsToRemove)
}

// RejectAll rejects every still-pending registered promise with err and
// clears the registry. Called during scheduler shutdown.
func (r *registry) RejectAll(err error) {
	r.mu.Lock()
	wps := make([]weak.Pointer[Promise], 0, len(r.data))
	for _, wp := range r.data {
		wps = append(wps, wp)
	}
	r.data = make(map[uint64]weak.Pointer[Promise])
	r.ring = r.ring[:0]
	r.head = 0
	r.mu.Unlock()

	// Reject outside the lock: reject() schedules reaction microtasks and
	// feeds the rejection tracker, both of which may touch the registry.
	for _, wp := range wps {
		if p := wp.Value(); p != nil && p.State() == Pending {
			p.reject(err)
		}
	}
}

// Len returns the number of tracked entries (including dead ones not yet
// scavenged).
func (r *registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// compactAndRenew drops null markers from the ring AND rebuilds the map.
// Must be called with mu held.
func (r *registry) compactAndRenew() {
	newRing := make([]uint64, 0, len(r.data))
	newData := make(map[uint64]weak.Pointer[Promise], len(r.data))

	for _, id := range r.ring {
		if id != 0 {
			if wp, ok := r.data[id]; ok {
				newRing = append(newRing, id)
				newData[id] = wp
			}
		}
	}

	r.ring = newRing
	r.data = newData
	r.head = 0
}
