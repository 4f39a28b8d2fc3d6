// ABOUTME: Per-conversation aggregation buffers with debounced flush timers
// ABOUTME: Guarantees at most one live flush timer per conversation at any time

package buffer

import (
	"log/slog"
	"sync"
	"time"
)

// FlushFunc receives a conversation's full ordered batch when its debounce
// window elapses. The entry is already removed from the store when it runs, so
// a failed dispatch never re-queues the batch.
type FlushFunc func(threadID string, messages []string)

// entry is one conversation's pending batch. gen identifies the timer that
// currently owns the entry; a fired timer with a stale gen lost the race to a
// newer append and must not flush.
type entry struct {
	messages []string
	timer    *time.Timer
	gen      uint64
}

// Store maps conversation ids to in-memory aggregation buffers. Appending a
// message always cancels the previous flush timer before scheduling a new one,
// so bursts collapse into a single flush carrying the whole batch in arrival
// order.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	window  time.Duration
	flush   FlushFunc
	logger  *slog.Logger
	closed  bool
}

// New creates a store that flushes each conversation's batch through fn after
// window of inactivity. Pass nil logger for the default.
func New(window time.Duration, fn FlushFunc, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries: make(map[string]*entry),
		window:  window,
		flush:   fn,
		logger:  logger.With("component", "buffer"),
	}
}

// Append adds text to the conversation's pending batch and resets its flush
// timer. This is the debounce primitive: N rapid appends produce exactly one
// flush with all N messages.
func (s *Store) Append(threadID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	e, ok := s.entries[threadID]
	if !ok {
		e = &entry{}
		s.entries[threadID] = e
	} else if e.timer != nil {
		e.timer.Stop()
	}

	e.messages = append(e.messages, text)
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(s.window, func() {
		s.fire(threadID, gen)
	})

	s.logger.Debug("message buffered",
		"thread_id", threadID,
		"pending", len(e.messages),
	)
}

// fire runs when a flush timer elapses. It removes the entry and hands the
// batch to the flush func, unless a newer append superseded this timer while
// it was waiting on the lock.
func (s *Store) fire(threadID string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[threadID]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, threadID)
	messages := e.messages
	s.mu.Unlock()

	s.logger.Debug("flushing conversation",
		"thread_id", threadID,
		"messages", len(messages),
	)
	s.flush(threadID, messages)
}

// Pending returns a copy of the conversation's buffered messages, or nil if no
// buffer exists.
func (s *Store) Pending(threadID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[threadID]
	if !ok {
		return nil
	}
	out := make([]string, len(e.messages))
	copy(out, e.messages)
	return out
}

// Len returns the number of conversations with a pending buffer.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close cancels all outstanding flush timers and drops the buffers. Safe to
// call multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
}
