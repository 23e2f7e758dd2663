package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// storeFake counts persistent existence checks and serves canned answers.
type storeFake struct {
	mu     sync.Mutex
	stored map[string]bool
	calls  int
	err    error
}

func (s *storeFake) exists(ctx context.Context, accountID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	return s.stored[accountID+"/"+id], nil
}

func TestIsDuplicate_CacheMissThenStoreHit(t *testing.T) {
	st := &storeFake{stored: map[string]bool{"acc/m1": true}}
	d := New(0, st.exists)

	dup, err := d.IsDuplicate(context.Background(), "acc", "m1")
	if err != nil || !dup {
		t.Fatalf("IsDuplicate = (%v, %v), want (true, nil)", dup, err)
	}
	if st.calls != 1 {
		t.Fatalf("store calls = %d, want 1", st.calls)
	}

	// The positive answer is now cached; the store is not consulted again.
	dup, err = d.IsDuplicate(context.Background(), "acc", "m1")
	if err != nil || !dup {
		t.Fatalf("second IsDuplicate = (%v, %v), want (true, nil)", dup, err)
	}
	if st.calls != 1 {
		t.Fatalf("store calls after cache hit = %d, want 1", st.calls)
	}
}

func TestIsDuplicate_NewMessage(t *testing.T) {
	st := &storeFake{stored: map[string]bool{}}
	d := New(0, st.exists)

	dup, err := d.IsDuplicate(context.Background(), "acc", "m1")
	if err != nil || dup {
		t.Fatalf("IsDuplicate = (%v, %v), want (false, nil)", dup, err)
	}

	d.MarkSeen("acc", "m1")
	dup, err = d.IsDuplicate(context.Background(), "acc", "m1")
	if err != nil || !dup {
		t.Fatalf("after MarkSeen = (%v, %v), want (true, nil)", dup, err)
	}
	if st.calls != 1 {
		t.Fatalf("store calls = %d, want 1 (MarkSeen must satisfy the cache)", st.calls)
	}
}

func TestIsDuplicate_AccountsScoped(t *testing.T) {
	d := New(0, nil)
	d.MarkSeen("a", "m1")

	if dup, _ := d.IsDuplicate(context.Background(), "b", "m1"); dup {
		t.Fatalf("same id under a different account must not be a duplicate")
	}
}

func TestIsDuplicate_StoreErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	st := &storeFake{err: boom}
	d := New(0, st.exists)

	_, err := d.IsDuplicate(context.Background(), "acc", "m1")
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestMarkSeen_BoundedEviction(t *testing.T) {
	d := New(2, nil)
	d.MarkSeen("acc", "m1")
	d.MarkSeen("acc", "m2")
	d.MarkSeen("acc", "m3")

	if dup, _ := d.IsDuplicate(context.Background(), "acc", "m1"); dup {
		t.Fatalf("oldest entry should have been evicted")
	}
	for _, id := range []string{"m2", "m3"} {
		if dup, _ := d.IsDuplicate(context.Background(), "acc", id); !dup {
			t.Fatalf("entry %q should still be cached", id)
		}
	}
}

func TestMarkSeen_Concurrent(t *testing.T) {
	d := New(0, nil)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := string(rune('a' + i%26))
				d.MarkSeen("acc", id)
				d.IsDuplicate(context.Background(), "acc", id)
			}
		}(w)
	}
	wg.Wait()
}
