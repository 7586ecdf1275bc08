// record.go: Public API - structured-record prioritized replay buffer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package replay

import (
	"context"
	"math"
	"time"
)

const (
	// DefaultPriorityKey is the record key the priority value is read
	// from when none is configured.
	DefaultPriorityKey = "td_error"

	// IndexKey is the record key the assigned slot is written back under
	// on Add/Extend, so a later UpdatePriority can address the entry.
	IndexKey = "index"

	// WeightKey is the batch key the importance-sampling weights are
	// written under when Sample is called with returnWeight.
	WeightKey = "_weight"
)

// RecordConfig holds configuration options for creating a RecordBuffer.
type RecordConfig struct {
	// Capacity is the maximum number of records retained (required, > 0).
	Capacity int `json:"capacity"`

	// CapacityStr is the capacity as a string (e.g. "64K", "2M").
	// Preferred over Capacity for string-based configuration; setting
	// both is an error.
	CapacityStr string `json:"capacity_str"`

	// Alpha is the priority exponent (required, > 0).
	Alpha float64 `json:"alpha"`

	// Beta is the importance-sampling exponent (>= 0).
	Beta float64 `json:"beta"`

	// Eps is the delta added to raw priorities before exponentiation,
	// used verbatim. The positional constructor applies DefaultEps.
	Eps float64 `json:"eps"`

	// PriorityKey is the record key the priority value is read from.
	// Empty means DefaultPriorityKey.
	PriorityKey string `json:"priority_key"`

	// PinMemory requests host-pinned output when the collated batch
	// implements Pinner.
	PinMemory bool `json:"pin_memory"`

	// Prefetch is the number of sample batches built ahead of the
	// consumer. 0 disables prefetching.
	Prefetch int `json:"prefetch"`

	// SampleTimeout bounds how long a single Sample call may block.
	// 0 disables the bound.
	SampleTimeout time.Duration `json:"sample_timeout"`

	// SampleTimeoutStr is the sample timeout as a string (e.g. "250ms").
	// Preferred over SampleTimeout for string-based configuration;
	// setting both is an error.
	SampleTimeoutStr string `json:"sample_timeout_str"`

	// Seed seeds the sampling RNG. 0 draws a seed from crypto/rand.
	Seed int64 `json:"seed"`

	// ErrorCallback is invoked for errors raised inside background
	// prefetch workers.
	ErrorCallback func(operation string, err error) `json:"-"`
}

// RecordBuffer is a structured-record wrapper around a prioritized buffer.
// Records added to it carry their own priority under a configurable key,
// the assigned slot is written back into the record under IndexKey, and
// UpdatePriority takes a whole record instead of an index/priority pair.
//
// The wrapper stores the caller's record value directly; the index
// back-write is visible to the caller, matching the behavior consumers of
// this pattern rely on to route priorities back after a learning step.
type RecordBuffer struct {
	buf         *PrioritizedBuffer[Record, RecordBatch]
	priorityKey string
}

// NewRecordBuffer creates a record buffer with the StackRecords collate,
// the DefaultPriorityKey, and the conventional DefaultEps stabilizer.
func NewRecordBuffer(capacity int, alpha, beta float64) (*RecordBuffer, error) {
	return NewRecordBufferWithConfig(&RecordConfig{
		Capacity: capacity,
		Alpha:    alpha,
		Beta:     beta,
		Eps:      DefaultEps,
	})
}

// NewRecordBufferWithConfig creates a record buffer from a detailed
// configuration.
//
// Returns ErrInvalidArgument if the configuration is malformed.
func NewRecordBufferWithConfig(config *RecordConfig) (*RecordBuffer, error) {
	if config == nil {
		return nil, errOpf("NewRecordBuffer", ErrInvalidArgument, "config cannot be nil")
	}
	key := config.PriorityKey
	if key == "" {
		key = DefaultPriorityKey
	}
	buf, err := NewPrioritizedBuffer(&PriorityConfig[Record, RecordBatch]{
		Capacity:         config.Capacity,
		CapacityStr:      config.CapacityStr,
		Alpha:            config.Alpha,
		Beta:             config.Beta,
		Eps:              config.Eps,
		Collate:          StackRecords,
		PinMemory:        config.PinMemory,
		Prefetch:         config.Prefetch,
		SampleTimeout:    config.SampleTimeout,
		SampleTimeoutStr: config.SampleTimeoutStr,
		Seed:             config.Seed,
		ErrorCallback:    config.ErrorCallback,
	})
	if err != nil {
		return nil, err
	}
	return &RecordBuffer{buf: buf, priorityKey: key}, nil
}

// PriorityKey returns the record key priorities are read from.
func (rb *RecordBuffer) PriorityKey() string { return rb.priorityKey }

// Len returns the current occupancy of the buffer.
func (rb *RecordBuffer) Len() int { return rb.buf.Len() }

// Cap returns the fixed capacity of the buffer.
func (rb *RecordBuffer) Cap() int { return rb.buf.Cap() }

// priorityValue converts the value stored under the priority key to a raw
// priority. Numeric scalars of the common widths are accepted; anything
// else is a malformed priority.
func priorityValue(op string, v any) (float64, error) {
	var raw float64
	switch x := v.(type) {
	case float64:
		raw = x
	case float32:
		raw = float64(x)
	case int:
		raw = float64(x)
	case int64:
		raw = float64(x)
	default:
		return 0, errOpf(op, ErrInvalidArgument, "priority value has type %T, expected a numeric scalar", v)
	}
	if raw < 0 || math.IsNaN(raw) {
		return 0, errOpf(op, ErrInvalidArgument, "priority must be a non-negative value, got %v", raw)
	}
	return raw, nil
}

// extractPriority reads the raw priority from r, reporting whether the
// key was present at all.
func (rb *RecordBuffer) extractPriority(op string, r Record) (raw float64, ok bool, err error) {
	v, present := r[rb.priorityKey]
	if !present {
		return 0, false, nil
	}
	raw, err = priorityValue(op, v)
	return raw, err == nil, err
}

// Add places a single record in the buffer. The raw priority is read from
// the record's priority key when present, otherwise the stored priority is
// seeded from the max-priority watermark. The assigned slot is written
// into the record under IndexKey before the replay lock is released, so a
// concurrent sample never observes the record without its index.
//
// Returns the slot the record was written to.
func (rb *RecordBuffer) Add(r Record) (int, error) {
	raw, hasPriority, err := rb.extractPriority("Add", r)
	if err != nil {
		return 0, err
	}

	// The replay lock must span the priority write and the index
	// back-write as one critical region; going through the prioritized
	// Add would require a reentrant lock, so the region is inlined here.
	p := rb.buf
	p.mu.Lock()
	var rho float64
	if hasPriority {
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
	slot := p.ring.Add(r)
	p.sum.set(slot, rho)
	p.min.set(slot, rho)
	r[IndexKey] = slot
	p.mu.Unlock()

	p.stats.recordAdd(1, evicted)
	return slot, nil
}

// Extend places a batch of records in the buffer, reading each record's
// priority from its priority key (falling back to the watermark seed per
// record) and writing the assigned slot back into each record.
//
// Because record batches always carry per-record priorities, a batch
// larger than capacity is rejected: the alignment between priorities and
// surviving slots would be ambiguous once the batch laps the ring.
func (rb *RecordBuffer) Extend(records []Record) ([]int, error) {
	b := len(records)
	if b == 0 {
		return nil, errOp("Extend", ErrInvalidArgument)
	}
	if b > rb.buf.capacity {
		return nil, errOpf("Extend", ErrInvalidArgument,
			"batch size %d > capacity %d", b, rb.buf.capacity)
	}

	raws := make([]float64, b)
	provided := make([]bool, b)
	for i, r := range records {
		raw, ok, err := rb.extractPriority("Extend", r)
		if err != nil {
			return nil, err
		}
		raws[i] = raw
		provided[i] = ok
	}

	p := rb.buf
	p.mu.Lock()
	for i, ok := range provided {
		if ok && raws[i] > p.maxPriority {
			p.maxPriority = raws[i]
		}
	}
	rhos := make([]float64, b)
	for i := range rhos {
		if provided[i] {
			rhos[i] = math.Pow(raws[i]+p.eps, p.alpha)
		} else {
			rhos[i] = p.defaultPriorityLocked()
		}
	}
	evicted := p.ring.Len() + b - p.capacity
	slots, err := p.ring.Extend(records)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.sum.setMany(slots, rhos)
	p.min.setMany(slots, rhos)
	for i, r := range records {
		r[IndexKey] = slots[i]
	}
	p.mu.Unlock()

	if evicted < 0 {
		evicted = 0
	}
	p.stats.recordAdd(b, evicted)
	return slots, nil
}

// UpdatePriority rewrites the stored priority of the record's slot, using
// the record's priority key and the IndexKey written by Add/Extend.
//
// Returns ErrInvalidArgument when either key is missing or malformed.
func (rb *RecordBuffer) UpdatePriority(r Record) error {
	v, present := r[rb.priorityKey]
	if !present {
		return errOpf("UpdatePriority", ErrInvalidArgument, "record has no %q key", rb.priorityKey)
	}
	raw, err := priorityValue("UpdatePriority", v)
	if err != nil {
		return err
	}

	iv, present := r[IndexKey]
	if !present {
		return errOpf("UpdatePriority", ErrInvalidArgument, "record has no %q key", IndexKey)
	}
	var index int
	switch x := iv.(type) {
	case int:
		index = x
	case int64:
		index = int(x)
	default:
		return errOpf("UpdatePriority", ErrInvalidArgument, "index value has type %T, expected an integer", iv)
	}

	return rb.buf.UpdatePriorityOne(index, raw)
}

// Sample draws k records from the priority-weighted distribution and
// returns them as a collated batch. With returnWeight, the batch carries
// the importance-sampling weights under WeightKey, one per sampled record.
func (rb *RecordBuffer) Sample(ctx context.Context, k int, returnWeight bool) (RecordBatch, error) {
	batch, weights, _, err := rb.buf.Sample(ctx, k)
	if err != nil {
		return nil, err
	}
	if returnWeight {
		ws := make([]any, len(weights))
		for i, w := range weights {
			ws[i] = w
		}
		batch[WeightKey] = ws
	}
	return batch, nil
}

// Get returns the record stored at the given slot together with its
// current importance-sampling weight.
func (rb *RecordBuffer) Get(index int) (Record, float64, error) {
	return rb.buf.Get(index)
}

// Stats returns a point-in-time snapshot of buffer activity counters.
func (rb *RecordBuffer) Stats() Stats { return rb.buf.Stats() }

// Close shuts the underlying prioritized buffer down. Safe to call
// multiple times.
func (rb *RecordBuffer) Close() error { return rb.buf.Close() }
