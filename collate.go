// collate.go: payload stacking adapters
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package replay

// CollateFunc assembles a list of gathered payloads into a single batched
// payload. It is the only place in the package that interprets the
// structure of T; everywhere else a payload is an opaque value.
type CollateFunc[T, B any] func(items []T) (B, error)

// Stack is the default collate for payloads that are themselves the
// per-slot representation of one sample (e.g. a fixed-shape feature
// vector): the gathered slice already has the sampled items as its new
// leading axis, so stacking is a direct, allocation-free pass-through.
func Stack[T any](items []T) ([]T, error) {
	return items, nil
}

// Record is a structured, opaque payload keyed by field name.
type Record map[string]any

// RecordBatch is the collated form of a slice of Record: each field is
// stacked along a new leading axis formed by appending, in sample order,
// the value each record held for that key.
type RecordBatch map[string][]any

// StackRecords is the default collate for Record payloads. It requires
// every record to carry the same key set; a mismatch is reported as
// ErrInvalidArgument rather than silently dropping or padding fields.
func StackRecords(items []Record) (RecordBatch, error) {
	if len(items) == 0 {
		return RecordBatch{}, nil
	}
	keys := make([]string, 0, len(items[0]))
	for k := range items[0] {
		keys = append(keys, k)
	}
	out := make(RecordBatch, len(keys))
	for _, k := range keys {
		out[k] = make([]any, 0, len(items))
	}
	for _, rec := range items {
		if len(rec) != len(keys) {
			return nil, errOpf("StackRecords", ErrInvalidArgument, "record key-set mismatch: expected %d keys, got %d", len(keys), len(rec))
		}
		for _, k := range keys {
			v, ok := rec[k]
			if !ok {
				return nil, errOpf("StackRecords", ErrInvalidArgument, "record missing key %q", k)
			}
			out[k] = append(out[k], v)
		}
	}
	return out, nil
}
