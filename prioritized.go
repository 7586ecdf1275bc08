// prioritized.go: Public API - prioritized experience replay buffer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package replay

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// DefaultEps is the conventional delta added to raw priorities so the
// buffer never stores a null priority.
const DefaultEps = 1e-8

// PriorityConfig holds configuration options for creating a
// PrioritizedBuffer. Capacity, Alpha, and Collate are required; Eps is
// used verbatim (the positional constructors apply DefaultEps).
type PriorityConfig[T, B any] struct {
	// Capacity is the maximum number of payloads retained (required, > 0).
	Capacity int `json:"capacity"`

	// CapacityStr is the capacity as a string (e.g. "64K", "2M").
	// Preferred over Capacity for string-based configuration; setting
	// both is an error.
	CapacityStr string `json:"capacity_str"`

	// Alpha is the priority exponent: stored priority is (p + Eps)^Alpha.
	// Must be strictly positive; values near 0 approach uniform sampling.
	Alpha float64 `json:"alpha"`

	// Beta is the importance-sampling exponent: sampled weights are
	// (rho_i / rho_min)^(-Beta). Must be >= 0.
	Beta float64 `json:"beta"`

	// Eps is the delta added to raw priorities before exponentiation.
	// Must be >= 0. The zero value really is zero; use DefaultEps for the
	// conventional stabilizer.
	Eps float64 `json:"eps"`

	// Collate assembles gathered payloads into one batch (required).
	Collate CollateFunc[T, B] `json:"-"`

	// PinMemory requests host-pinned output when the batch type
	// implements Pinner.
	PinMemory bool `json:"pin_memory"`

	// Prefetch is the number of sample batches built ahead of the
	// consumer. 0 disables prefetching.
	Prefetch int `json:"prefetch"`

	// SampleTimeout bounds how long a single Sample call may block,
	// including the wait on a prefetched future. 0 disables the bound.
	SampleTimeout time.Duration `json:"sample_timeout"`

	// SampleTimeoutStr is the sample timeout as a string (e.g. "250ms",
	// "2s"). Preferred over SampleTimeout for string-based
	// configuration; setting both is an error.
	SampleTimeoutStr string `json:"sample_timeout_str"`

	// Seed seeds the sampling RNG. 0 draws a seed from crypto/rand.
	Seed int64 `json:"seed"`

	// ErrorCallback is invoked for errors raised inside background
	// prefetch workers.
	ErrorCallback func(operation string, err error) `json:"-"`
}

// resolve parses the string-based configuration fields and validates the
// result, returning the effective capacity and sample timeout.
func (c *PriorityConfig[T, B]) resolve() (capacity int, timeout time.Duration, err error) {
	capacity, err = resolveCapacity("NewPrioritizedBuffer", c.Capacity, c.CapacityStr)
	if err != nil {
		return 0, 0, err
	}
	timeout, err = resolveTimeout("NewPrioritizedBuffer", c.SampleTimeout, c.SampleTimeoutStr)
	if err != nil {
		return 0, 0, err
	}
	if capacity <= 0 {
		return 0, 0, errOpf("NewPrioritizedBuffer", ErrInvalidArgument, "capacity must be > 0, got %d", capacity)
	}
	if c.Alpha <= 0 {
		return 0, 0, errOpf("NewPrioritizedBuffer", ErrInvalidArgument, "alpha must be strictly greater than 0, got %v", c.Alpha)
	}
	if c.Beta < 0 {
		return 0, 0, errOpf("NewPrioritizedBuffer", ErrInvalidArgument, "beta must be greater or equal to 0, got %v", c.Beta)
	}
	if c.Eps < 0 {
		return 0, 0, errOpf("NewPrioritizedBuffer", ErrInvalidArgument, "eps must be greater or equal to 0, got %v", c.Eps)
	}
	if c.Collate == nil {
		return 0, 0, errOpf("NewPrioritizedBuffer", ErrInvalidArgument, "collate function is required")
	}
	if c.Prefetch < 0 {
		return 0, 0, errOpf("NewPrioritizedBuffer", ErrInvalidArgument, "prefetch must be >= 0, got %d", c.Prefetch)
	}
	return capacity, timeout, nil
}

// prioritizedSample bundles one sampled batch with its importance-sampling
// weights and the slots it was drawn from, so the prefetch pipeline can
// carry all three through a single future.
type prioritizedSample[B any] struct {
	batch   B
	weights []float64
	indices []int
}

// PrioritizedBuffer is a replay buffer with priority-weighted sampling as
// presented in "Schaul, T.; Quan, J.; Antonoglou, I.; and Silver, D. 2015.
// Prioritized experience replay" (https://arxiv.org/abs/1511.05952).
//
// Each slot carries a stored priority rho = (p + eps)^alpha maintained in a
// sum tree and a min tree. Sample draws slots by inverse-CDF over the sum
// tree and returns importance-sampling weights w = (rho / rho_min)^(-beta),
// so w is in (0, 1] with w = 1 at the minimum-priority slot.
//
// PrioritizedBuffer is safe for concurrent use. The replay mutex guards
// storage, both trees, and the max-priority watermark; every sample
// gathers a consistent snapshot of the aggregates and the slots it reads.
type PrioritizedBuffer[T, B any] struct {
	capacity      int
	alpha         float64
	beta          float64
	eps           float64
	collate       CollateFunc[T, B]
	pinMemory     bool
	sampleTimeout time.Duration

	mu          sync.Mutex // the replay lock: guards ring, trees, watermark, rng
	ring        *ring[T]
	sum         *sumTree
	min         *minTree
	maxPriority float64
	rng         *rand.Rand

	prefetch *prefetchPool[prioritizedSample[B]]
	stats    *stats

	closeOnce sync.Once
}

// NewPrioritizedBuffer creates a prioritized replay buffer from a detailed
// configuration.
//
// Returns ErrInvalidArgument if the configuration is malformed.
func NewPrioritizedBuffer[T, B any](config *PriorityConfig[T, B]) (*PrioritizedBuffer[T, B], error) {
	if config == nil {
		return nil, errOpf("NewPrioritizedBuffer", ErrInvalidArgument, "config cannot be nil")
	}
	capacity, timeout, err := config.resolve()
	if err != nil {
		return nil, err
	}

	seed := config.Seed
	if seed == 0 {
		seed = randomSeed()
	}

	p := &PrioritizedBuffer[T, B]{
		capacity:      capacity,
		alpha:         config.Alpha,
		beta:          config.Beta,
		eps:           config.Eps,
		collate:       config.Collate,
		pinMemory:     config.PinMemory,
		sampleTimeout: timeout,
		ring:          newRing[T](capacity),
		sum:           newSumTree(capacity),
		min:           newMinTree(capacity),
		maxPriority:   1.0,
		rng:           rand.New(rand.NewSource(seed)),
		stats:         newStats(),
	}
	if config.Prefetch > 0 {
		p.prefetch = newPrefetchPool(config.Prefetch, p.sampleInline, config.ErrorCallback)
	}
	return p, nil
}

// NewPrioritizedSliceBuffer creates a prioritized buffer whose batches are
// plain slices of the payload type, with the element-wise Stack collate
// and the conventional DefaultEps stabilizer.
func NewPrioritizedSliceBuffer[T any](capacity int, alpha, beta float64) (*PrioritizedBuffer[T, []T], error) {
	return NewPrioritizedBuffer(&PriorityConfig[T, []T]{
		Capacity: capacity,
		Alpha:    alpha,
		Beta:     beta,
		Eps:      DefaultEps,
		Collate:  Stack[T],
	})
}

// Alpha returns the priority exponent.
func (p *PrioritizedBuffer[T, B]) Alpha() float64 { return p.alpha }

// Beta returns the importance-sampling exponent.
func (p *PrioritizedBuffer[T, B]) Beta() float64 { return p.beta }

// Eps returns the priority stabilizer delta.
func (p *PrioritizedBuffer[T, B]) Eps() float64 { return p.eps }

// MaxPriority returns the monotonically non-decreasing high-watermark of
// observed raw priorities. It seeds the stored priority of entries added
// without an explicit priority.
func (p *PrioritizedBuffer[T, B]) MaxPriority() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPriority
}

// Len returns the current occupancy of the buffer.
func (p *PrioritizedBuffer[T, B]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.Len()
}

// Cap returns the fixed capacity of the buffer.
func (p *PrioritizedBuffer[T, B]) Cap() int { return p.capacity }

// Cursor returns the next write position in the ring.
func (p *PrioritizedBuffer[T, B]) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.cursor
}

// defaultPriorityLocked returns the stored priority seeded for entries
// added without an explicit raw priority. Caller must hold p.mu.
func (p *PrioritizedBuffer[T, B]) defaultPriorityLocked() float64 {
	return math.Pow(p.maxPriority+p.eps, p.alpha)
}

func validatePriorities(op string, priorities []float64) error {
	for _, raw := range priorities {
		if raw < 0 || math.IsNaN(raw) {
			return errOpf(op, ErrInvalidArgument, "priority must be a non-negative value, got %v", raw)
		}
	}
	return nil
}

// Add places a single payload in the buffer with the given raw priority.
// At most one priority may be passed; when omitted, the stored priority is
// seeded from the max-priority watermark: (maxPriority + eps)^alpha.
// Returns the slot the payload was written to.
//
// Returns ErrInvalidArgument for a negative priority or more than one
// priority argument.
func (p *PrioritizedBuffer[T, B]) Add(v T, priority ...float64) (int, error) {
	if len(priority) > 1 {
		return 0, errOpf("Add", ErrInvalidArgument, "at most one priority accepted, got %d", len(priority))
	}
	if err := validatePriorities("Add", priority); err != nil {
		return 0, err
	}

	p.mu.Lock()
	var rho float64
	if len(priority) == 1 {
		raw := priority[0]
		if raw > p.maxPriority {
			p.maxPriority = raw
		}
		rho = math.Pow(raw+p.eps, p.alpha)
	} else {
		rho = p.defaultPriorityLocked()
	}
	evicted := 0
	if p.ring.Len() == p.capacity {
		evicted = 1
	}
	slot := p.ring.Add(v)
	p.sum.set(slot, rho)
	p.min.set(slot, rho)
	p.mu.Unlock()

	p.stats.recordAdd(1, evicted)
	return slot, nil
}

// Extend writes a batch of payloads starting at the cursor, wrapping and
// overwriting as needed, and returns the slots written to in order.
// Priorities may be omitted (every entry seeds from the watermark), a
// single value (broadcast to the whole batch), or one value per payload.
//
// A per-payload priority slice combined with a batch larger than capacity
// is rejected: a batch that laps the ring makes the alignment between
// priorities and surviving slots ambiguous. Scalar and omitted priorities
// follow the ring's normal oversized-batch handling, where the last
// capacity payloads survive.
func (p *PrioritizedBuffer[T, B]) Extend(values []T, priorities ...float64) ([]int, error) {
	b := len(values)
	if b == 0 {
		return nil, errOp("Extend", ErrInvalidArgument)
	}
	switch len(priorities) {
	case 0, 1:
	case b:
		if b > p.capacity {
			return nil, errOpf("Extend", ErrInvalidArgument,
				"per-element priorities with batch size %d > capacity %d", b, p.capacity)
		}
	default:
		return nil, errOpf("Extend", ErrInvalidArgument,
			"priorities should be empty, a single value, or one per payload: got %d for %d payloads", len(priorities), b)
	}
	if err := validatePriorities("Extend", priorities); err != nil {
		return nil, err
	}

	p.mu.Lock()
	rhos := make([]float64, b)
	switch len(priorities) {
	case 0:
		rho := p.defaultPriorityLocked()
		for i := range rhos {
			rhos[i] = rho
		}
	case 1:
		raw := priorities[0]
		if raw > p.maxPriority {
			p.maxPriority = raw
		}
		rho := math.Pow(raw+p.eps, p.alpha)
		for i := range rhos {
			rhos[i] = rho
		}
	default:
		for _, raw := range priorities {
			if raw > p.maxPriority {
				p.maxPriority = raw
			}
		}
		for i, raw := range priorities {
			rhos[i] = math.Pow(raw+p.eps, p.alpha)
		}
	}
	evicted := p.ring.Len() + b - p.capacity
	slots, err := p.ring.Extend(values)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.sum.setMany(slots, rhos)
	p.min.setMany(slots, rhos)
	p.mu.Unlock()

	if evicted < 0 {
		evicted = 0
	}
	p.stats.recordAdd(b, evicted)
	return slots, nil
}

// Sample draws k slots from the priority-weighted distribution, collates
// their payloads, and returns the batch along with the importance-sampling
// weights and the sampled slots. Weights satisfy 0 < w <= 1, with w = 1 at
// the minimum-priority slot.
//
// With prefetching enabled, results are delivered in submission order and
// reflect buffer state at or after their submission time.
//
// Returns ErrInvalidState when the buffer is empty or when the sum-tree
// total or min-tree minimum is not strictly positive. A configured
// SampleTimeout bounds the whole call.
func (p *PrioritizedBuffer[T, B]) Sample(ctx context.Context, k int) (B, []float64, []int, error) {
	if k <= 0 {
		var zero prioritizedSample[B]
		return zero.batch, nil, nil, errOpf("Sample", ErrInvalidArgument, "batch size must be > 0, got %d", k)
	}
	if p.sampleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.sampleTimeout)
		defer cancel()
	}

	if p.prefetch == nil {
		s, err := p.sampleInline(ctx, k)
		if err != nil {
			return s.batch, nil, nil, err
		}
		p.stats.recordSample(false)
		return s.batch, s.weights, s.indices, nil
	}

	s, prefetched, err := p.prefetch.Next(ctx, k)
	if err != nil {
		return s.batch, nil, nil, err
	}
	p.stats.recordSample(prefetched)
	return s.batch, s.weights, s.indices, nil
}

// sampleInline draws one prioritized batch. The tree aggregates, the
// sampled slots, their payloads, and their stored priorities are read as
// one consistent snapshot under the replay lock; collation, weight
// computation, and pinning run after it is released.
func (p *PrioritizedBuffer[T, B]) sampleInline(ctx context.Context, k int) (prioritizedSample[B], error) {
	var zero prioritizedSample[B]
	if k <= 0 {
		return zero, errOpf("Sample", ErrInvalidArgument, "batch size must be > 0, got %d", k)
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	p.mu.Lock()
	n := p.ring.Len()
	if n == 0 {
		p.mu.Unlock()
		return zero, errOpf("Sample", ErrInvalidState, "buffer is empty")
	}
	pSum := p.sum.query(0, p.capacity)
	pMin := p.min.query(0, p.capacity)
	if pSum <= 0 {
		p.mu.Unlock()
		return zero, errOpf("Sample", ErrInvalidState, "sum of priorities must be strictly positive, got %v", pSum)
	}
	if pMin <= 0 {
		p.mu.Unlock()
		return zero, errOpf("Sample", ErrInvalidState, "minimum priority must be strictly positive, got %v", pMin)
	}

	masses := make([]float64, k)
	for i := range masses {
		masses[i] = p.rng.Float64() * pSum
	}
	indices, err := p.sum.scanLowerBoundMany(masses)
	if err != nil {
		p.mu.Unlock()
		return zero, err
	}
	// Clamp to the occupied range: the scan may land on power-of-two
	// padding or not-yet-filled leaves at the float boundary.
	items := make([]T, k)
	rhos := make([]float64, k)
	for i, idx := range indices {
		if idx > n-1 {
			idx = n - 1
			indices[i] = idx
		}
		items[i] = p.ring.storage[idx]
		rhos[i] = p.sum.leaf(idx)
	}
	p.mu.Unlock()

	batch, err := p.collate(items)
	if err != nil {
		return zero, err
	}
	batch, err = pinValue("Sample", batch, p.pinMemory)
	if err != nil {
		return zero, err
	}

	weights := make([]float64, k)
	for i, rho := range rhos {
		weights[i] = math.Pow(rho/pMin, -p.beta)
	}
	return prioritizedSample[B]{batch: batch, weights: weights, indices: indices}, nil
}

// Get returns the payload stored at the given slot together with its
// current importance-sampling weight, computed against the live min-tree
// minimum.
//
// Returns ErrOutOfRange if index is outside [0, Len()) and ErrInvalidState
// if the min-tree minimum is not strictly positive.
func (p *PrioritizedBuffer[T, B]) Get(index int) (T, float64, error) {
	var zero T
	p.mu.Lock()
	pMin := p.min.query(0, p.capacity)
	if pMin <= 0 {
		p.mu.Unlock()
		return zero, 0, errOpf("Get", ErrInvalidState, "minimum priority must be strictly positive, got %v", pMin)
	}
	v, err := p.ring.At(index)
	if err != nil {
		p.mu.Unlock()
		return zero, 0, err
	}
	rho := p.sum.leaf(index)
	p.mu.Unlock()

	v, err = pinValue("Get", v, p.pinMemory)
	if err != nil {
		return zero, 0, err
	}
	return v, math.Pow(rho/pMin, -p.beta), nil
}

// UpdatePriority rewrites the stored priority of the given slots. A single
// priority is broadcast to every index; otherwise one priority per index
// is required. Repeated indices resolve last-write-wins. The max-priority
// watermark is raised to the largest raw priority seen.
//
// Returns ErrInvalidArgument for negative priorities or mismatched
// lengths, and ErrOutOfRange for slots outside [0, Len()).
func (p *PrioritizedBuffer[T, B]) UpdatePriority(indices []int, priorities []float64) error {
	if len(indices) == 0 {
		return errOpf("UpdatePriority", ErrInvalidArgument, "no indices given")
	}
	if len(priorities) != 1 && len(priorities) != len(indices) {
		return errOpf("UpdatePriority", ErrInvalidArgument,
			"priorities should be a single value or one per index: got %d for %d indices", len(priorities), len(indices))
	}
	if err := validatePriorities("UpdatePriority", priorities); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.ring.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return errOpf("UpdatePriority", ErrOutOfRange, "index %d outside [0, %d)", idx, n)
		}
	}

	for _, raw := range priorities {
		if raw > p.maxPriority {
			p.maxPriority = raw
		}
	}
	rhos := make([]float64, len(indices))
	for i := range rhos {
		raw := priorities[0]
		if len(priorities) > 1 {
			raw = priorities[i]
		}
		rhos[i] = math.Pow(raw+p.eps, p.alpha)
	}
	p.sum.setMany(indices, rhos)
	p.min.setMany(indices, rhos)
	return nil
}

// UpdatePriorityOne is the scalar convenience form of UpdatePriority.
func (p *PrioritizedBuffer[T, B]) UpdatePriorityOne(index int, priority float64) error {
	return p.UpdatePriority([]int{index}, []float64{priority})
}

// Stats returns a point-in-time snapshot of buffer activity counters.
func (p *PrioritizedBuffer[T, B]) Stats() Stats {
	return p.stats.Snapshot()
}

// Close shuts the buffer down: outstanding prefetch tasks are cancelled,
// worker goroutines are joined, and the cached clock is stopped. Safe to
// call multiple times.
func (p *PrioritizedBuffer[T, B]) Close() error {
	p.closeOnce.Do(func() {
		if p.prefetch != nil {
			p.prefetch.Close()
		}
		p.stats.Close()
	})
	return nil
}
