// Package dialogue implements the per-chat command state machine shared by
// every mirror.
package dialogue

import "sync"

// State is the conversation state of one chat with one mirror.
type State int

const (
	StateStart State = iota
	StateCreateMirror
	StateNotify
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateCreateMirror:
		return "create_mirror"
	case StateNotify:
		return "notify"
	default:
		return "unknown"
	}
}

// Store holds conversation state per chat. The zero state is StateStart, so
// chats in that state are not kept.
type Store struct {
	mu     sync.Mutex
	states map[int64]State
}

func NewStore() *Store {
	return &Store{states: make(map[int64]State)}
}

func (s *Store) Get(chatID int64) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.states[chatID]
}

func (s *Store) Set(chatID int64, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state == StateStart {
		delete(s.states, chatID)
		return
	}
	s.states[chatID] = state
}

func (s *Store) Reset(chatID int64) {
	s.Set(chatID, StateStart)
}

// Len reports how many chats are waiting on a follow-up message.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.states)
}
