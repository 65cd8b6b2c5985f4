package microtask

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
)

const (
	// ringSeqSkip is the sentinel value for "empty slot" in sequence tracking.
	// Using 1<<63 avoids ambiguity with sequence number wrap-around, which can
	// legitimately produce 0.
	ringSeqSkip = uint64(1) << 63

	// ringOverflowInitCap is the initial capacity for the ring overflow slice.
	ringOverflowInitCap = 1024

	// ringOverflowCompactThreshold is the consumed-head threshold beyond which
	// the overflow slice is compacted.
	ringOverflowCompactThreshold = 512
)

// ChunkedIngress is a chunked linked-list queue for macrotask submission.
// Fixed-capacity chunks amortize allocations and a per-queue pool recycles
// exhausted chunks.
//
// Thread Safety: NOT thread-safe. The caller must provide external
// synchronization (the scheduler's ingress mutex).
type ChunkedIngress struct {
	head     *chunk
	tail     *chunk
	pool     sync.Pool
	chunkCap int
	length   int
}

// chunk is a node in the chunked linked-list. readPos/writePos cursors give
// O(1) push and pop without shifting.
type chunk struct {
	tasks   []func()
	next    *chunk
	readPos int
	pos     int
}

// NewChunkedIngress creates a queue whose chunks hold chunkCap tasks each.
func NewChunkedIngress(chunkCap int) *ChunkedIngress {
	if chunkCap <= 0 {
		chunkCap = defaultIngressChunkCapacity
	}
	q := &ChunkedIngress{chunkCap: chunkCap}
	q.pool.New = func() any {
		return &chunk{tasks: make([]func(), chunkCap)}
	}
	return q
}

// newChunk returns a reset chunk from the pool.
func (q *ChunkedIngress) newChunk() *chunk {
	c := q.pool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears task slots, so no closure is retained, and recycles the
// chunk.
func (q *ChunkedIngress) returnChunk(c *chunk) {
	for i := 0; i < c.pos; i++ {
		c.tasks[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	q.pool.Put(c)
}

// Push adds a task to the queue.
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *ChunkedIngress) Push(task func()) {
	if q.tail == nil {
		q.tail = q.newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.tasks) {
		newTail := q.newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.tasks[q.tail.pos] = task
	q.tail.pos++
	q.length++
}

// Pop removes and returns a task. Returns false if the queue is empty.
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *ChunkedIngress) Pop() (func(), bool) {
	if q.head == nil {
		return nil, false
	}

	// Advance past an exhausted head chunk.
	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return nil, false
		}
		oldHead := q.head
		q.head = q.head.next
		q.returnChunk(oldHead)
	}

	if q.head.readPos >= q.head.pos {
		return nil, false
	}

	task := q.head.tasks[q.head.readPos]
	q.head.tasks[q.head.readPos] = nil
	q.head.readPos++
	q.length--

	if q.head.readPos >= q.head.pos {
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return task, true
		}
		oldHead := q.head
		q.head = q.head.next
		q.returnChunk(oldHead)
	}

	return task, true
}

// PopBatch pops up to len(dst) tasks into dst and returns the count.
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *ChunkedIngress) PopBatch(dst []func()) int {
	n := 0
	for n < len(dst) {
		task, ok := q.Pop()
		if !ok {
			break
		}
		dst[n] = task
		n++
	}
	return n
}

// Length returns the queue length.
//
// CALLER MUST HOLD EXTERNAL MUTEX.
func (q *ChunkedIngress) Length() int {
	return q.length
}

// MicrotaskRing is a lock-free MPSC ring buffer with overflow protection.
//
// Memory Ordering & Correctness:
// Strict Release/Acquire semantics prevent a consumer from observing a valid
// sequence while reading uninitialized data. Slot validity is tracked with
// explicit flags rather than seq==0, since sequence numbers can legitimately
// wrap; ringSeqSkip (1<<63) is the empty sentinel.
//
// Concurrency Model: MPSC (Multiple Producers, Single Consumer)
//   - Push: called from any goroutine
//   - Pop: called ONLY from the scheduler goroutine
//
// Algorithm:
//   - Push: Write Data -> Write Validity -> Store Seq (Release)
//   - Pop:  Load Seq (Acquire) -> Check Validity -> Read Data
//   - Overflow: when the ring is full, tasks spill to a mutex-guarded slice.
//   - FIFO: if the overflow holds items, Push appends there to preserve order
//     across the ring/overflow boundary.
type MicrotaskRing struct {
	buffer []func()
	valid  []atomic.Bool
	seq    []atomic.Uint64
	mask   uint64

	_       [64]byte // Separate producer/consumer hot fields.
	head    atomic.Uint64
	_       [56]byte
	tail    atomic.Uint64
	tailSeq atomic.Uint64

	overflowMu      sync.Mutex
	overflow        []func()
	overflowHead    int
	overflowPending atomic.Bool
}

// NewMicrotaskRing creates a ring with the given capacity, rounded up to a
// power of two.
func NewMicrotaskRing(capacity int) *MicrotaskRing {
	if capacity <= 0 {
		capacity = defaultMicrotaskRingCapacity
	}
	capacity = nextPowerOfTwo(capacity)
	r := &MicrotaskRing{
		buffer: make([]func(), capacity),
		valid:  make([]atomic.Bool, capacity),
		seq:    make([]atomic.Uint64, capacity),
		mask:   uint64(capacity - 1),
	}
	for i := 0; i < capacity; i++ {
		r.seq[i].Store(ringSeqSkip)
	}
	return r
}

// Capacity returns the ring buffer capacity (excluding overflow).
func (r *MicrotaskRing) Capacity() int {
	return len(r.buffer)
}

// Push adds a microtask. Never blocks and never drops; always returns true.
func (r *MicrotaskRing) Push(fn func()) bool {
	// If overflow has items, append to overflow to maintain FIFO.
	if r.overflowPending.Load() {
		r.overflowMu.Lock()
		if len(r.overflow)-r.overflowHead > 0 {
			r.overflow = append(r.overflow, fn)
			r.overflowMu.Unlock()
			return true
		}
		r.overflowMu.Unlock()
	}

	// Fast path: lock-free ring.
	for {
		tail := r.tail.Load()
		head := r.head.Load()

		if tail-head >= uint64(len(r.buffer)) {
			break // Ring full, must use overflow.
		}

		if r.tail.CompareAndSwap(tail, tail+1) {
			seq := r.tailSeq.Add(1)

			// Ordering: data first, validity second, sequence (release
			// barrier) last.
			idx := tail & r.mask
			r.buffer[idx] = fn
			r.valid[idx].Store(true)
			r.seq[idx].Store(seq)

			return true
		}
	}

	// Slow path: mutex-guarded overflow.
	r.overflowMu.Lock()
	if r.overflow == nil {
		r.overflow = make([]func(), 0, ringOverflowInitCap)
	}
	r.overflow = append(r.overflow, fn)
	r.overflowPending.Store(true)
	r.overflowMu.Unlock()
	return true
}

// Pop removes and returns a microtask. Returns nil if empty.
func (r *MicrotaskRing) Pop() func() {
	// Ring items are older than overflow items, so the ring drains first.
	head := r.head.Load()
	tail := r.tail.Load()

	for head < tail {
		idx := head & r.mask
		seq := r.seq[idx].Load()

		if seq == ringSeqSkip || !r.valid[idx].Load() {
			// Producer claimed the slot but has not published yet. The slot
			// IS claimed, so head cannot advance past it; spin.
			head = r.head.Load()
			tail = r.tail.Load()
			runtime.Gosched()
			continue
		}

		fn := r.buffer[idx]

		if fn == nil {
			// Claimed slot holding nil; consume it and continue.
			r.buffer[idx] = nil
			r.valid[idx].Store(false)
			r.seq[idx].Store(ringSeqSkip)
			r.head.Add(1)
			head = r.head.Load()
			tail = r.tail.Load()
			continue
		}

		// Clear buffer, validity, and seq (release) BEFORE advancing head, so
		// a producer that sees the new head also sees the cleared slot.
		r.buffer[idx] = nil
		r.valid[idx].Store(false)
		r.seq[idx].Store(ringSeqSkip)
		r.head.Add(1)
		return fn
	}

	if !r.overflowPending.Load() {
		return nil
	}

	r.overflowMu.Lock()
	defer r.overflowMu.Unlock()

	overflowCount := len(r.overflow) - r.overflowHead
	if overflowCount == 0 {
		r.overflowPending.Store(false)
		return nil
	}

	fn := r.overflow[r.overflowHead]
	r.overflow[r.overflowHead] = nil
	r.overflowHead++

	// Compact once more than half the slice has been consumed.
	if r.overflowHead > len(r.overflow)/2 && r.overflowHead > ringOverflowCompactThreshold {
		copy(r.overflow, r.overflow[r.overflowHead:])
		r.overflow = slices.Delete(r.overflow, len(r.overflow)-r.overflowHead, len(r.overflow))
		r.overflowHead = 0
	}

	if r.overflowHead >= len(r.overflow) {
		r.overflowPending.Store(false)
	}

	return fn
}

// Length returns the total number of queued microtasks (ring + overflow).
func (r *MicrotaskRing) Length() int {
	head := r.head.Load()
	tail := r.tail.Load()

	ringCount := 0
	if tail > head {
		ringCount = int(tail - head)
	}

	r.overflowMu.Lock()
	overflowCount := len(r.overflow) - r.overflowHead
	r.overflowMu.Unlock()

	return ringCount + overflowCount
}

// IsEmpty returns true if both the ring and the overflow are empty.
// May report false negatives under concurrent modification.
func (r *MicrotaskRing) IsEmpty() bool {
	head := r.head.Load()
	tail := r.tail.Load()

	if tail > head {
		return false
	}

	r.overflowMu.Lock()
	empty := len(r.overflow)-r.overflowHead == 0
	r.overflowMu.Unlock()

	return empty
}
