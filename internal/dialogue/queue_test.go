package dialogue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestQueuePreservesPerChatOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue()

	var mu sync.Mutex
	got := map[int64][]int{}

	for i := 0; i < 50; i++ {
		for _, chat := range []int64{1, 2} {
			i, chat := i, chat
			if !q.Submit(chat, func() {
				mu.Lock()
				got[chat] = append(got[chat], i)
				mu.Unlock()
			}) {
				t.Fatalf("submit rejected")
			}
		}
	}

	q.Close()
	if err := q.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	for _, chat := range []int64{1, 2} {
		if diff := cmp.Diff(want, got[chat]); diff != "" {
			t.Fatalf("chat %d out of order (-want +got):\n%s", chat, diff)
		}
	}
	if q.Pending() != 0 {
		t.Fatalf("expected drained queue, got %d pending chats", q.Pending())
	}
}

func TestQueueSerialisesWithinChatAndParallelisesAcross(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewQueue()
	release := make(chan struct{})
	secondRan := make(chan struct{})
	otherRan := make(chan struct{})

	q.Submit(1, func() { <-release })
	q.Submit(1, func() { close(secondRan) })
	q.Submit(2, func() { close(otherRan) })

	select {
	case <-otherRan:
	case <-time.After(time.Second):
		t.Fatalf("other chat was blocked by chat 1")
	}

	select {
	case <-secondRan:
		t.Fatalf("second job for chat 1 ran before the first finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)

	select {
	case <-secondRan:
	case <-time.After(time.Second):
		t.Fatalf("second job for chat 1 never ran")
	}

	q.Close()
	if err := q.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
}

func TestQueueRejectsAfterClose(t *testing.T) {
	q := NewQueue()
	q.Close()

	if q.Submit(1, func() {}) {
		t.Fatalf("expected submit to be rejected after close")
	}
}

func TestQueueWaitHonorsContext(t *testing.T) {
	q := NewQueue()
	release := make(chan struct{})
	q.Submit(1, func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := q.Wait(ctx); err == nil {
		t.Fatalf("expected Wait to time out")
	}

	close(release)
	if err := q.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
}

func TestStoreDefaultsToStart(t *testing.T) {
	s := NewStore()

	if got := s.Get(7); got != StateStart {
		t.Fatalf("expected start state, got %s", got)
	}

	s.Set(7, StateNotify)
	if got := s.Get(7); got != StateNotify {
		t.Fatalf("expected notify state, got %s", got)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one pending chat, got %d", s.Len())
	}

	s.Reset(7)
	if s.Get(7) != StateStart || s.Len() != 0 {
		t.Fatalf("expected reset to clear chat state")
	}
}
