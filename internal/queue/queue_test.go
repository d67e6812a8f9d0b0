package queue

import (
	"sync"
	"testing"
	"time"
)

func TestPushBatchAtomic(t *testing.T) {
	q := New[int]("test", 100)

	if !q.Push(make([]int, 100)) {
		t.Fatal("expected first batch to fit")
	}
	if q.Push([]int{1}) {
		t.Fatal("expected push to full queue to fail")
	}
	if q.Len() != 100 {
		t.Fatalf("expected len 100, got %d", q.Len())
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped item, got %d", q.Dropped())
	}
}

func TestPushRejectsWholeBatch(t *testing.T) {
	q := New[int]("test", 100)
	first := make([]int, 40)
	for i := range first {
		first[i] = i
	}
	if !q.Push(first) || !q.Push(make([]int, 40)) {
		t.Fatal("expected first two batches to fit")
	}
	if q.Push(make([]int, 40)) {
		t.Fatal("expected third batch of 40 to be rejected")
	}
	if q.Len() != 80 {
		t.Fatalf("expected len 80, got %d", q.Len())
	}

	batch, ok := q.TryPopBatch(50)
	if !ok || len(batch) != 50 {
		t.Fatalf("expected 50 items, got %d (ok=%v)", len(batch), ok)
	}
	for i := 0; i < 40; i++ {
		if batch[i] != i {
			t.Fatalf("expected FIFO order, item %d = %d", i, batch[i])
		}
	}
	if q.Len() != 30 {
		t.Fatalf("expected len 30 after pop, got %d", q.Len())
	}
}

func TestOversizedBatchDropped(t *testing.T) {
	q := New[int]("test", 10, WithPolicy(Block), WithBlockTimeout(time.Second))
	start := time.Now()
	if q.Push(make([]int, 11)) {
		t.Fatal("expected oversized batch to be rejected")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("oversized batch must not wait for room")
	}
}

func TestTryPopEmpty(t *testing.T) {
	q := New[float32]("test", 4)
	if batch, ok := q.TryPopBatch(10); ok || batch != nil {
		t.Fatalf("expected empty pop, got %v %v", batch, ok)
	}
	if !q.IsEmpty() {
		t.Fatal("expected empty queue")
	}
}

func TestPopBatchBlocksUntilPush(t *testing.T) {
	q := New[int]("test", 10)
	got := make(chan []int, 1)
	go func() {
		batch, _ := q.PopBatch(10)
		got <- batch
	}()

	select {
	case <-got:
		t.Fatal("PopBatch returned before any push")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push([]int{7, 8})
	select {
	case batch := <-got:
		if len(batch) != 2 || batch[0] != 7 || batch[1] != 8 {
			t.Fatalf("unexpected batch %v", batch)
		}
	case <-time.After(time.Second):
		t.Fatal("PopBatch did not wake after push")
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	q := New[int]("test", 10)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.PopBatch(10)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected PopBatch to report closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake PopBatch")
	}
}

func TestCloseKeepsItemsPoppable(t *testing.T) {
	q := New[int]("test", 10)
	q.Push([]int{1, 2, 3})
	q.Close()
	if q.Push([]int{4}) {
		t.Fatal("expected push after close to fail")
	}
	if q.Drained() {
		t.Fatal("queue with items must not report drained")
	}
	batch, ok := q.PopBatch(10)
	if !ok || len(batch) != 3 {
		t.Fatalf("expected remaining items, got %v %v", batch, ok)
	}
	if !q.Drained() {
		t.Fatal("expected drained after final pop")
	}
}

func TestBlockPolicyWaitsForRoom(t *testing.T) {
	q := New[int]("test", 4, WithPolicy(Block), WithBlockTimeout(time.Second))
	q.Push([]int{1, 2, 3, 4})

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.TryPopBatch(2)
	}()
	if !q.Push([]int{5, 6}) {
		t.Fatal("expected blocked push to succeed once room freed")
	}
	batch, _ := q.TryPopBatch(10)
	if len(batch) != 4 || batch[2] != 5 || batch[3] != 6 {
		t.Fatalf("unexpected contents %v", batch)
	}
}

func TestBlockPolicyTimesOut(t *testing.T) {
	q := New[int]("test", 2, WithPolicy(Block), WithBlockTimeout(30*time.Millisecond))
	q.Push([]int{1, 2})
	if q.Push([]int{3}) {
		t.Fatal("expected push to time out")
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", q.Dropped())
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	const (
		producers = 4
		batches   = 250
		batchSize = 8
	)
	q := New[int]("test", 64, WithPolicy(Block), WithBlockTimeout(time.Second))

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for b := 0; b < batches; b++ {
				batch := make([]int, batchSize)
				for i := range batch {
					batch[i] = p*1_000_000 + b*batchSize + i
				}
				q.Push(batch)
				if q.Len() > q.Cap() {
					t.Errorf("len %d exceeds cap %d", q.Len(), q.Cap())
				}
			}
		}(p)
	}

	seen := make(map[int]int)
	last := make(map[int]int)
	var mu sync.Mutex
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			batch, ok := q.PopBatch(16)
			if !ok {
				return
			}
			if len(batch) == 0 {
				t.Error("PopBatch returned an empty batch")
			}
			mu.Lock()
			for _, v := range batch {
				seen[v]++
				p := v / 1_000_000
				if prev, ok := last[p]; ok && v <= prev {
					t.Errorf("producer %d out of order: %d after %d", p, v, prev)
				}
				last[p] = v
			}
			mu.Unlock()
		}
	}()

	wg.Wait()
	q.Close()
	<-consumed

	total := uint64(len(seen)) + q.Dropped()
	if total != producers*batches*batchSize {
		t.Fatalf("expected %d items accounted for, got %d", producers*batches*batchSize, total)
	}
	for v, n := range seen {
		if n != 1 {
			t.Fatalf("item %d seen %d times", v, n)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	if ParsePolicy("block") != Block {
		t.Fatal("expected block policy")
	}
	if ParsePolicy("drop") != Drop || ParsePolicy("") != Drop {
		t.Fatal("expected drop policy")
	}
}
