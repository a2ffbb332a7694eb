package lockshard

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestWithSerializesSameKey(t *testing.T) {
	tbl := New()

	var counter int64
	var wg sync.WaitGroup

	for range 50 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			tbl.With("upload:src/a.txt", func() {
				cur := atomic.AddInt64(&counter, 1)
				if cur != 1 {
					t.Errorf("expected exclusive access, got concurrent count %d", cur)
				}
				atomic.AddInt64(&counter, -1)
			})
		}()
	}

	wg.Wait()
}

func TestSameKeySameShard(t *testing.T) {
	tbl := New()

	a := tbl.shardFor("move_/a/b")
	b := tbl.shardFor("move_/a/b")

	if a != b {
		t.Error("expected the same key to always resolve to the same shard")
	}
}
