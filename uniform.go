// uniform.go: Public API - uniform experience replay buffer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package replay

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"
)

// BufferConfig holds configuration options for creating a Buffer.
// This struct provides a clear, documented way to configure all Buffer options.
type BufferConfig[T, B any] struct {
	// Capacity is the maximum number of payloads retained (required, > 0).
	// Once full, the oldest payload is overwritten on each write.
	Capacity int `json:"capacity"`

	// CapacityStr is the capacity as a string (e.g. "64K", "2M").
	// This field is preferred over Capacity for string-based
	// configuration; setting both is an error.
	CapacityStr string `json:"capacity_str"`

	// Collate assembles a list of gathered payloads into one batched
	// payload (required). Use Stack for slice batches or StackRecords for
	// Record payloads, or inject your own.
	Collate CollateFunc[T, B] `json:"-"`

	// PinMemory requests host-pinned output from Get/GetBatch/Sample when
	// the payload or batch type implements Pinner. Values that do not are
	// passed through unchanged.
	PinMemory bool `json:"pin_memory"`

	// Prefetch is the number of sample batches built ahead of the consumer
	// by a background worker pool. 0 disables prefetching; every Sample
	// call then computes its batch inline.
	Prefetch int `json:"prefetch"`

	// SampleTimeout bounds how long a single Sample call may block,
	// including the wait on a prefetched future. 0 disables the bound.
	SampleTimeout time.Duration `json:"sample_timeout"`

	// SampleTimeoutStr is the sample timeout as a string (e.g. "250ms",
	// "2s"). This field is preferred over SampleTimeout for string-based
	// configuration; setting both is an error.
	SampleTimeoutStr string `json:"sample_timeout_str"`

	// Seed seeds the buffer's sampling RNG. 0 (default) draws a seed from
	// crypto/rand; set a fixed value for reproducible sampling in tests.
	Seed int64 `json:"seed"`

	// ErrorCallback is an optional function called when errors occur in
	// background prefetch workers, the one place an error has no
	// synchronous caller to return to.
	// Parameters are the operation that failed and the specific error.
	ErrorCallback func(operation string, err error) `json:"-"`
}

// resolve parses the string-based configuration fields and validates the
// result, returning the effective capacity and sample timeout.
func (c *BufferConfig[T, B]) resolve() (capacity int, timeout time.Duration, err error) {
	capacity, err = resolveCapacity("NewBuffer", c.Capacity, c.CapacityStr)
	if err != nil {
		return 0, 0, err
	}
	timeout, err = resolveTimeout("NewBuffer", c.SampleTimeout, c.SampleTimeoutStr)
	if err != nil {
		return 0, 0, err
	}
	if capacity <= 0 {
		return 0, 0, errOpf("NewBuffer", ErrInvalidArgument, "capacity must be > 0, got %d", capacity)
	}
	if c.Collate == nil {
		return 0, 0, errOpf("NewBuffer", ErrInvalidArgument, "collate function is required")
	}
	if c.Prefetch < 0 {
		return 0, 0, errOpf("NewBuffer", ErrInvalidArgument, "prefetch must be >= 0, got %d", c.Prefetch)
	}
	return capacity, timeout, nil
}

// randomSeed draws a 64-bit seed from the OS entropy source.
func randomSeed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		// Entropy exhaustion is effectively impossible on supported
		// platforms; a constant seed still yields a correct buffer.
		return 1
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

// Buffer is a bounded, concurrent, content-agnostic sample store with
// uniform-with-replacement sampling. Payloads of type T are stored in a
// fixed-capacity circular ring; once full, each write overwrites the oldest
// entry. Sample gathers k payloads uniformly at random and collates them
// into a single batch of type B.
//
// Buffer is safe for concurrent use by any number of producers and
// consumers. A single replay mutex guards storage; collation and memory
// pinning run outside the lock on locally owned data.
//
// Basic usage example:
//
//	buf, err := replay.NewSliceBuffer[Transition](10_000)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer buf.Close()
//
//	buf.Add(tr)
//	batch, err := buf.Sample(ctx, 256)
type Buffer[T, B any] struct {
	capacity      int
	collate       CollateFunc[T, B]
	pinMemory     bool
	sampleTimeout time.Duration
	errorCallback func(operation string, err error)

	mu   sync.Mutex // the replay lock: guards ring and rng
	ring *ring[T]
	rng  *rand.Rand

	prefetch *prefetchPool[B]
	stats    *stats

	closeOnce sync.Once
}

// NewBuffer creates a uniform replay buffer from a detailed configuration.
// All fields except Capacity and Collate are optional.
//
// Returns ErrInvalidArgument if the configuration is malformed.
func NewBuffer[T, B any](config *BufferConfig[T, B]) (*Buffer[T, B], error) {
	if config == nil {
		return nil, errOpf("NewBuffer", ErrInvalidArgument, "config cannot be nil")
	}
	capacity, timeout, err := config.resolve()
	if err != nil {
		return nil, err
	}

	seed := config.Seed
	if seed == 0 {
		seed = randomSeed()
	}

	b := &Buffer[T, B]{
		capacity:      capacity,
		collate:       config.Collate,
		pinMemory:     config.PinMemory,
		sampleTimeout: timeout,
		errorCallback: config.ErrorCallback,
		ring:          newRing[T](capacity),
		rng:           rand.New(rand.NewSource(seed)),
		stats:         newStats(),
	}
	if config.Prefetch > 0 {
		b.prefetch = newPrefetchPool(config.Prefetch, b.sampleInline, config.ErrorCallback)
	}
	return b, nil
}

// NewSliceBuffer creates a uniform replay buffer whose batches are plain
// slices of the payload type, using the element-wise Stack collate. This is
// the recommended constructor when no custom batching is needed.
func NewSliceBuffer[T any](capacity int) (*Buffer[T, []T], error) {
	return NewBuffer(&BufferConfig[T, []T]{
		Capacity: capacity,
		Collate:  Stack[T],
	})
}

// Len returns the current occupancy of the buffer.
func (b *Buffer[T, B]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Len()
}

// Cap returns the fixed capacity of the buffer.
func (b *Buffer[T, B]) Cap() int { return b.capacity }

// Cursor returns the next write position in the ring.
func (b *Buffer[T, B]) Cursor() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.cursor
}

// Add places a single payload in the buffer, overwriting the oldest entry
// once the buffer is full. Returns the slot the payload was written to.
func (b *Buffer[T, B]) Add(v T) int {
	b.mu.Lock()
	evicted := 0
	if b.ring.Len() == b.capacity {
		evicted = 1
	}
	slot := b.ring.Add(v)
	b.mu.Unlock()

	b.stats.recordAdd(1, evicted)
	return slot
}

// Extend writes a batch of payloads starting at the cursor, wrapping and
// overwriting as needed, and returns the slots written to in order. An
// empty batch is rejected with ErrInvalidArgument. A batch larger than
// capacity is accepted: the last capacity payloads survive, as if each
// payload were added in order.
func (b *Buffer[T, B]) Extend(values []T) ([]int, error) {
	b.mu.Lock()
	evicted := b.ring.Len() + len(values) - b.capacity
	slots, err := b.ring.Extend(values)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if evicted < 0 {
		evicted = 0
	}
	b.stats.recordAdd(len(values), evicted)
	return slots, nil
}

// Get returns the raw payload stored at the given slot, host-pinned when
// PinMemory is configured and the payload supports it.
//
// Returns ErrOutOfRange if index is outside [0, Len()).
func (b *Buffer[T, B]) Get(index int) (T, error) {
	var zero T
	b.mu.Lock()
	v, err := b.ring.At(index)
	b.mu.Unlock()
	if err != nil {
		return zero, err
	}
	return pinValue("Get", v, b.pinMemory)
}

// GetBatch gathers the payloads at the given slots, collates them into a
// single batch, and optionally pins the result.
//
// Returns ErrOutOfRange if any index is outside [0, Len()).
func (b *Buffer[T, B]) GetBatch(indices []int) (B, error) {
	var zero B
	b.mu.Lock()
	items, err := b.ring.Gather(indices)
	b.mu.Unlock()
	if err != nil {
		return zero, err
	}
	batch, err := b.collate(items)
	if err != nil {
		return zero, err
	}
	return pinValue("GetBatch", batch, b.pinMemory)
}

// Sample draws k payloads uniformly with replacement, collates them, and
// returns the batch. With prefetching enabled the head of the work-ahead
// queue is returned when present and the queue is refilled; results are
// always delivered in submission order. Prefetched batches reflect buffer
// state at or after their submission time; consumers needing freshness
// should disable prefetch.
//
// Returns ErrInvalidState when the buffer is empty and ErrInvalidArgument
// when k <= 0. A configured SampleTimeout bounds the whole call.
func (b *Buffer[T, B]) Sample(ctx context.Context, k int) (B, error) {
	if k <= 0 {
		var zero B
		return zero, errOpf("Sample", ErrInvalidArgument, "batch size must be > 0, got %d", k)
	}
	if b.sampleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.sampleTimeout)
		defer cancel()
	}

	if b.prefetch == nil {
		batch, err := b.sampleInline(ctx, k)
		if err != nil {
			return batch, err
		}
		b.stats.recordSample(false)
		return batch, nil
	}

	batch, prefetched, err := b.prefetch.Next(ctx, k)
	if err != nil {
		return batch, err
	}
	b.stats.recordSample(prefetched)
	return batch, nil
}

// sampleInline draws one batch under the replay lock. Collation and
// pinning run after the lock is released, on locally owned data.
func (b *Buffer[T, B]) sampleInline(ctx context.Context, k int) (B, error) {
	var zero B
	if k <= 0 {
		return zero, errOpf("Sample", ErrInvalidArgument, "batch size must be > 0, got %d", k)
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	b.mu.Lock()
	n := b.ring.Len()
	if n == 0 {
		b.mu.Unlock()
		return zero, errOpf("Sample", ErrInvalidState, "buffer is empty")
	}
	items := make([]T, k)
	for i := range items {
		items[i] = b.ring.storage[b.rng.Intn(n)]
	}
	b.mu.Unlock()

	batch, err := b.collate(items)
	if err != nil {
		return zero, err
	}
	return pinValue("Sample", batch, b.pinMemory)
}

// Stats returns a point-in-time snapshot of buffer activity counters.
// Safe to call concurrently.
func (b *Buffer[T, B]) Stats() Stats {
	return b.stats.Snapshot()
}

// Close shuts the buffer down: outstanding prefetch tasks are cancelled,
// worker goroutines are joined, and the cached clock is stopped. It is
// safe to call Close multiple times; subsequent calls are no-ops.
//
// After Close, Sample on a prefetch-enabled buffer must not be called.
func (b *Buffer[T, B]) Close() error {
	b.closeOnce.Do(func() {
		if b.prefetch != nil {
			b.prefetch.Close()
		}
		b.stats.Close()
	})
	return nil
}
