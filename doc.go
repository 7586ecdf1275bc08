// Package replay provides bounded, concurrent experience replay buffers
// for off-policy learning pipelines.
//
// Two variants are offered: a uniform Buffer that samples stored payloads
// with replacement, and a PrioritizedBuffer that samples proportionally to
// per-slot priorities maintained in sum/min segment trees, returning
// importance-sampling weights alongside each batch. A RecordBuffer wraps
// the prioritized variant for structured map-shaped payloads that carry
// their own priority.
//
// Payloads are opaque to the buffers: only the injected collate function
// interprets their structure. Storage is a fixed-capacity circular ring -
// once full, each write overwrites the oldest entry.
//
// # Quick Start
//
// Uniform replay over an application payload type:
//
//	buf, err := replay.NewSliceBuffer[Transition](100_000)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer buf.Close()
//
//	buf.Add(tr)
//	batch, err := buf.Sample(ctx, 256)
//
// # Prioritized Replay
//
// Prioritized replay with the conventional exponents:
//
//	buf, err := replay.NewPrioritizedSliceBuffer[Transition](100_000, 0.6, 0.4)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer buf.Close()
//
//	slot, _ := buf.Add(tr, tdError)
//	batch, weights, indices, err := buf.Sample(ctx, 256)
//	// ... learning step ...
//	buf.UpdatePriority(indices, newPriorities)
//
// Sampling draws k masses uniformly over the priority sum and locates each
// by inverse-CDF descent of the sum tree, so both updates and draws are
// O(log N). Weights are (rho_i / rho_min)^(-beta), in (0, 1] with 1 at the
// minimum-priority slot.
//
// # Advanced Configuration
//
// Full control with detailed configuration:
//
//	buf, err := replay.NewPrioritizedBuffer(&replay.PriorityConfig[Transition, TransitionBatch]{
//		Capacity:  1_000_000,
//		Alpha:     0.7,
//		Beta:      0.5,
//		Eps:       replay.DefaultEps,
//		Collate:   collateTransitions,
//		PinMemory: true,
//		Prefetch:  2,
//		ErrorCallback: func(operation string, err error) {
//			log.Printf("replay error (%s): %v", operation, err)
//		},
//	})
//
// # String-Based Configuration
//
// Capacity and sample timeout can be supplied as strings, convenient when
// values come from env vars, flags, or config files:
//
//	buf, err := replay.NewBuffer(&replay.BufferConfig[Transition, []Transition]{
//		CapacityStr:      "500K",  // preferred over Capacity
//		SampleTimeoutStr: "250ms", // preferred over SampleTimeout
//		Collate:          replay.Stack[Transition],
//	})
//
// Count formats (CapacityStr): plain integers or K/M/G suffixes, case
// insensitive ("64K", "2m"). Duration formats (SampleTimeoutStr):
// standard Go durations plus d/w/y ("250ms", "30s", "7d"). Setting both
// the numeric and string form of one value is an error. The parsers are
// also exported as ParseCount and ParseTimeout.
//
// # Prefetching
//
// With Prefetch > 0, a small worker pool keeps up to that many sample
// batches built ahead of the consumer. Sample then pops the head of the
// work-ahead queue and refills it, delivering results strictly in
// submission order. Prefetched batches reflect buffer state at or after
// their submission time; disable prefetch when every batch must observe
// the latest writes.
//
// # Memory Pinning
//
// When PinMemory is set, payloads and batches that implement Pinner are
// replaced by their host-pinned copies on the way out of Get, GetBatch,
// and Sample. Values that do not implement Pinner pass through unchanged,
// so the feature is inert without an accelerator-backed payload type. Pin
// failures surface as ErrBackendFailure wrapping the collaborator's error.
//
// # Thread Safety
//
// All buffer methods are safe for concurrent use by any number of
// producers and consumers plus the background prefetch workers. A single
// replay mutex guards storage and trees; collation, weight computation,
// and pinning run outside it on locally owned data.
//
// # Error Handling
//
// Errors are classified by four sentinels - ErrInvalidArgument,
// ErrOutOfRange, ErrInvalidState, ErrBackendFailure - wrapped with the
// failing operation. Match with errors.Is:
//
//	if _, err := buf.Sample(ctx, 256); errors.Is(err, replay.ErrInvalidState) {
//		// buffer empty or priorities exhausted
//	}
//
// Add and Extend are all-or-nothing: on failure the ring and trees remain
// in their pre-call state.
//
// # Best Practices
//
// 1. Always call Close() when shutting down (use defer) so prefetch
// workers and the cached clock are released.
// 2. Keep raw priorities strictly positive, or rely on a non-zero Eps:
// the weight denominator carries no stabilizer of its own.
// 3. Use a fixed Seed for reproducible sampling in tests.
// 4. Monitor activity in production via Stats().
package replay
