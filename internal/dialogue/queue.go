package dialogue

import (
	"context"
	"sync"
)

// Queue runs submitted jobs one at a time per chat, in submission order.
// Different chats proceed in parallel. A chat's worker goroutine exits once
// its backlog drains.
type Queue struct {
	mu     sync.Mutex
	chats  map[int64][]func()
	closed bool
	wg     sync.WaitGroup
}

func NewQueue() *Queue {
	return &Queue{chats: make(map[int64][]func())}
}

// Submit enqueues job for chatID. It returns false after Close.
func (q *Queue) Submit(chatID int64, job func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	backlog, running := q.chats[chatID]
	q.chats[chatID] = append(backlog, job)
	if !running {
		q.wg.Add(1)
		go q.drain(chatID)
	}

	return true
}

func (q *Queue) drain(chatID int64) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		backlog := q.chats[chatID]
		if len(backlog) == 0 {
			delete(q.chats, chatID)
			q.mu.Unlock()
			return
		}
		job := backlog[0]
		backlog[0] = nil
		q.chats[chatID] = backlog[1:]
		q.mu.Unlock()

		job()
	}
}

// Close rejects further submissions. Queued jobs still run.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Wait blocks until every queued job has finished or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports the number of chats with queued or running work.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.chats)
}
