// uniform_test.go: unit tests for the uniform replay buffer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package replay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewBuffer_Validation(t *testing.T) {
	tests := []struct {
		name   string
		config *BufferConfig[int, []int]
	}{
		{name: "NilConfig", config: nil},
		{name: "ZeroCapacity", config: &BufferConfig[int, []int]{Collate: Stack[int]}},
		{name: "NegativeCapacity", config: &BufferConfig[int, []int]{Capacity: -1, Collate: Stack[int]}},
		{name: "NilCollate", config: &BufferConfig[int, []int]{Capacity: 4}},
		{name: "NegativePrefetch", config: &BufferConfig[int, []int]{Capacity: 4, Collate: Stack[int], Prefetch: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBuffer(tt.config); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("NewBuffer: err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestBufferConfig_StringFields(t *testing.T) {
	t.Run("CapacityStrResolves", func(t *testing.T) {
		buf, err := NewBuffer(&BufferConfig[int, []int]{
			CapacityStr: "2K",
			Collate:     Stack[int],
		})
		if err != nil {
			t.Fatalf("NewBuffer error: %v", err)
		}
		defer buf.Close()
		if buf.Cap() != 2000 {
			t.Errorf("Cap() = %d, want 2000", buf.Cap())
		}
	})

	t.Run("SampleTimeoutStrResolves", func(t *testing.T) {
		buf, err := NewBuffer(&BufferConfig[int, []int]{
			Capacity:         4,
			Collate:          Stack[int],
			SampleTimeoutStr: "30s",
		})
		if err != nil {
			t.Fatalf("NewBuffer error: %v", err)
		}
		defer buf.Close()
		if buf.sampleTimeout != 30*time.Second {
			t.Errorf("sampleTimeout = %v, want 30s", buf.sampleTimeout)
		}

		buf.Add(1)
		if _, err := buf.Sample(context.Background(), 2); err != nil {
			t.Errorf("Sample under timeout error: %v", err)
		}
	})

	invalid := []struct {
		name   string
		config *BufferConfig[int, []int]
	}{
		{
			name: "BothCapacityForms",
			config: &BufferConfig[int, []int]{
				Capacity: 4, CapacityStr: "4", Collate: Stack[int],
			},
		},
		{
			name: "MalformedCapacityStr",
			config: &BufferConfig[int, []int]{
				CapacityStr: "lots", Collate: Stack[int],
			},
		},
		{
			name: "BothTimeoutForms",
			config: &BufferConfig[int, []int]{
				Capacity: 4, Collate: Stack[int],
				SampleTimeout: time.Second, SampleTimeoutStr: "1s",
			},
		},
		{
			name: "MalformedTimeoutStr",
			config: &BufferConfig[int, []int]{
				Capacity: 4, Collate: Stack[int], SampleTimeoutStr: "soon",
			},
		},
		{
			name: "NegativeTimeout",
			config: &BufferConfig[int, []int]{
				Capacity: 4, Collate: Stack[int], SampleTimeout: -time.Second,
			},
		},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBuffer(tt.config); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("NewBuffer: err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestBuffer_AddGetSample(t *testing.T) {
	buf, err := NewSliceBuffer[string](4)
	if err != nil {
		t.Fatalf("NewSliceBuffer error: %v", err)
	}
	defer buf.Close()

	for i, v := range []string{"A", "B", "C"} {
		if slot := buf.Add(v); slot != i {
			t.Errorf("Add(%q) = slot %d, want %d", v, slot, i)
		}
	}
	if buf.Len() != 3 {
		t.Errorf("Len() = %d, want 3", buf.Len())
	}
	if buf.Cap() != 4 {
		t.Errorf("Cap() = %d, want 4", buf.Cap())
	}

	got, err := buf.Get(1)
	if err != nil {
		t.Fatalf("Get(1) error: %v", err)
	}
	if got != "B" {
		t.Errorf("Get(1) = %q, want B", got)
	}
	if _, err := buf.Get(3); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Get(3): err = %v, want ErrOutOfRange", err)
	}

	batch, err := buf.Sample(context.Background(), 8)
	if err != nil {
		t.Fatalf("Sample error: %v", err)
	}
	if len(batch) != 8 {
		t.Fatalf("Sample returned %d items, want 8", len(batch))
	}
	stored := map[string]bool{"A": true, "B": true, "C": true}
	for _, v := range batch {
		if !stored[v] {
			t.Errorf("sampled %q, not a stored payload", v)
		}
	}
}

func TestBuffer_AddWrapAround(t *testing.T) {
	buf, err := NewSliceBuffer[string](4)
	if err != nil {
		t.Fatalf("NewSliceBuffer error: %v", err)
	}
	defer buf.Close()

	for _, v := range []string{"A", "B", "C", "D", "E", "F"} {
		buf.Add(v)
	}

	want := []string{"E", "F", "C", "D"}
	for i, w := range want {
		got, err := buf.Get(i)
		if err != nil {
			t.Fatalf("Get(%d) error: %v", i, err)
		}
		if got != w {
			t.Errorf("slot %d = %q, want %q", i, got, w)
		}
	}
	if buf.Cursor() != 2 {
		t.Errorf("Cursor() = %d, want 2", buf.Cursor())
	}
	if buf.Len() != 4 {
		t.Errorf("Len() = %d, want 4", buf.Len())
	}
}

func TestBuffer_Extend(t *testing.T) {
	buf, err := NewSliceBuffer[string](4)
	if err != nil {
		t.Fatalf("NewSliceBuffer error: %v", err)
	}
	defer buf.Close()

	slots, err := buf.Extend([]string{"A", "B", "C", "D", "E"})
	if err != nil {
		t.Fatalf("Extend error: %v", err)
	}
	wantSlots := []int{0, 1, 2, 3, 0}
	for i := range wantSlots {
		if slots[i] != wantSlots[i] {
			t.Errorf("slots[%d] = %d, want %d", i, slots[i], wantSlots[i])
		}
	}

	batch, err := buf.GetBatch([]int{0, 1, 2, 3})
	if err != nil {
		t.Fatalf("GetBatch error: %v", err)
	}
	want := []string{"E", "B", "C", "D"}
	for i := range want {
		if batch[i] != want[i] {
			t.Errorf("batch[%d] = %q, want %q", i, batch[i], want[i])
		}
	}

	if _, err := buf.Extend(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Extend(nil): err = %v, want ErrInvalidArgument", err)
	}
	if _, err := buf.GetBatch([]int{0, 7}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("GetBatch out of range: err = %v, want ErrOutOfRange", err)
	}
}

func TestBuffer_Sample_Errors(t *testing.T) {
	buf, err := NewSliceBuffer[int](4)
	if err != nil {
		t.Fatalf("NewSliceBuffer error: %v", err)
	}
	defer buf.Close()

	if _, err := buf.Sample(context.Background(), 2); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Sample on empty buffer: err = %v, want ErrInvalidState", err)
	}

	buf.Add(1)
	if _, err := buf.Sample(context.Background(), 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Sample(0): err = %v, want ErrInvalidArgument", err)
	}
}

func TestBuffer_SampleCoversAllSlots(t *testing.T) {
	buf, err := NewBuffer(&BufferConfig[int, []int]{
		Capacity: 4,
		Collate:  Stack[int],
		Seed:     3,
	})
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}
	defer buf.Close()

	for i := 0; i < 4; i++ {
		buf.Add(i)
	}

	batch, err := buf.Sample(context.Background(), 1000)
	if err != nil {
		t.Fatalf("Sample error: %v", err)
	}
	counts := make(map[int]int)
	for _, v := range batch {
		counts[v]++
	}
	for i := 0; i < 4; i++ {
		if counts[i] == 0 {
			t.Errorf("slot payload %d never sampled in 1000 draws", i)
		}
	}
}

func TestBuffer_SampleWithPrefetch(t *testing.T) {
	buf, err := NewBuffer(&BufferConfig[int, []int]{
		Capacity: 8,
		Collate:  Stack[int],
		Prefetch: 2,
	})
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}
	defer buf.Close()

	for i := 0; i < 8; i++ {
		buf.Add(i)
	}

	for iter := 0; iter < 20; iter++ {
		batch, err := buf.Sample(context.Background(), 4)
		if err != nil {
			t.Fatalf("Sample #%d error: %v", iter, err)
		}
		if len(batch) != 4 {
			t.Fatalf("Sample #%d returned %d items, want 4", iter, len(batch))
		}
		for _, v := range batch {
			if v < 0 || v >= 8 {
				t.Fatalf("Sample #%d returned %d, not a stored payload", iter, v)
			}
		}
	}

	st := buf.Stats()
	if st.PrefetchHits == 0 {
		t.Error("expected at least one prefetch hit across 20 samples")
	}
}

func TestBuffer_ConcurrentAddSample(t *testing.T) {
	buf, err := NewBuffer(&BufferConfig[int, []int]{
		Capacity: 8,
		Collate:  Stack[int],
		Prefetch: 2,
	})
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}
	defer buf.Close()

	buf.Add(0) // avoid sampling an empty buffer on the first draws

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
				buf.Add(i)
			}
		}
	}()

	for iter := 0; iter < 1000; iter++ {
		batch, err := buf.Sample(context.Background(), 4)
		if err != nil {
			t.Errorf("Sample #%d error: %v", iter, err)
			break
		}
		if len(batch) != 4 {
			t.Errorf("Sample #%d returned %d items, want 4", iter, len(batch))
			break
		}
	}

	close(stop)
	wg.Wait()
}

// pinnableBatch is a collated batch that supports host pinning.
type pinnableBatch struct {
	items  []int
	pinned bool
}

func (b pinnableBatch) PinMemory() (any, error) {
	b.pinned = true
	return b, nil
}

type failingPinBatch struct{}

func (failingPinBatch) PinMemory() (any, error) {
	return nil, errors.New("cudaHostRegister failed")
}

func TestBuffer_PinMemory(t *testing.T) {
	buf, err := NewBuffer(&BufferConfig[int, pinnableBatch]{
		Capacity: 4,
		Collate: func(items []int) (pinnableBatch, error) {
			return pinnableBatch{items: items}, nil
		},
		PinMemory: true,
	})
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}
	defer buf.Close()

	buf.Add(1)
	batch, err := buf.Sample(context.Background(), 2)
	if err != nil {
		t.Fatalf("Sample error: %v", err)
	}
	if !batch.pinned {
		t.Error("sampled batch not pinned with PinMemory enabled")
	}

	unpinned, err := NewBuffer(&BufferConfig[int, pinnableBatch]{
		Capacity: 4,
		Collate: func(items []int) (pinnableBatch, error) {
			return pinnableBatch{items: items}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}
	defer unpinned.Close()

	unpinned.Add(1)
	batch, err = unpinned.Sample(context.Background(), 2)
	if err != nil {
		t.Fatalf("Sample error: %v", err)
	}
	if batch.pinned {
		t.Error("batch pinned with PinMemory disabled")
	}
}

func TestBuffer_PinMemoryFailure(t *testing.T) {
	buf, err := NewBuffer(&BufferConfig[int, failingPinBatch]{
		Capacity: 4,
		Collate: func(items []int) (failingPinBatch, error) {
			return failingPinBatch{}, nil
		},
		PinMemory: true,
	})
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}
	defer buf.Close()

	buf.Add(1)
	if _, err := buf.Sample(context.Background(), 1); !errors.Is(err, ErrBackendFailure) {
		t.Errorf("Sample with failing pin: err = %v, want ErrBackendFailure", err)
	}
}

func TestBuffer_Stats(t *testing.T) {
	buf, err := NewSliceBuffer[int](2)
	if err != nil {
		t.Fatalf("NewSliceBuffer error: %v", err)
	}
	defer buf.Close()

	buf.Add(1)
	buf.Add(2)
	buf.Add(3) // evicts slot 0
	if _, err := buf.Extend([]int{4, 5}); err != nil {
		t.Fatalf("Extend error: %v", err)
	}
	if _, err := buf.Sample(context.Background(), 2); err != nil {
		t.Fatalf("Sample error: %v", err)
	}

	st := buf.Stats()
	if st.Adds != 5 {
		t.Errorf("Stats.Adds = %d, want 5", st.Adds)
	}
	if st.Evictions != 3 {
		t.Errorf("Stats.Evictions = %d, want 3", st.Evictions)
	}
	if st.Samples != 1 {
		t.Errorf("Stats.Samples = %d, want 1", st.Samples)
	}
	if st.LastAddUnixMilli == 0 {
		t.Error("Stats.LastAddUnixMilli not stamped")
	}
}

func TestBuffer_CloseIdempotent(t *testing.T) {
	buf, err := NewBuffer(&BufferConfig[int, []int]{
		Capacity: 4,
		Collate:  Stack[int],
		Prefetch: 2,
	})
	if err != nil {
		t.Fatalf("NewBuffer error: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("first Close error: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
}
