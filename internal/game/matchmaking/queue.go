// Package matchmaking pairs waiting sessions in strict arrival order.
package matchmaking

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/blockbattle/internal/game/session"
	"github.com/cory-johannsen/blockbattle/internal/observability"
	"github.com/cory-johannsen/blockbattle/internal/protocol"
)

// Queue is a single FIFO of sessions waiting for an opponent.
// All methods are safe for concurrent use; Enqueue and Cancel are mutually
// exclusive under one queue-wide lock.
type Queue struct {
	mu      sync.Mutex
	waiting []*session.ConnectionSession
	logger  *zap.Logger
}

// NewQueue creates an empty Queue.
//
// Precondition: logger must be non-nil.
func NewQueue(logger *zap.Logger) *Queue {
	return &Queue{logger: logger}
}

// Enqueue pairs s with the oldest waiting session of another user, or queues
// s when there is none. Torn-down sessions still in line are dropped first.
//
// Postcondition: When partner is non-nil it has been removed from the queue,
// belongs to a different user, and s was not inserted. A torn-down s is never
// queued. Otherwise s is queued exactly once, has been sent a searching
// status, and position is its 1-based place in line.
func (q *Queue) Enqueue(s *session.ConnectionSession) (partner *session.ConnectionSession, position int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.prune()
	if s.Closed() {
		return nil, 0
	}
	if idx := q.indexOf(s); idx >= 0 {
		q.notify(s, idx+1)
		return nil, idx + 1
	}

	for i, w := range q.waiting {
		if w.UserID == s.UserID {
			continue
		}
		partner = w
		q.remove(i)
		q.logger.Info("match found",
			zap.String("username", s.Username),
			zap.String("opponent", partner.Username),
		)
		return partner, 0
	}

	q.waiting = append(q.waiting, s)
	position = len(q.waiting)
	observability.SetQueueDepth(position)
	q.logger.Info("player queued", zap.String("username", s.Username), zap.Int("position", position))
	q.notify(s, position)
	return nil, position
}

// Cancel removes s from the queue.
//
// Postcondition: s is not queued. Returns true if it was.
func (q *Queue) Cancel(s *session.ConnectionSession) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(s)
	if idx < 0 {
		return false
	}
	q.remove(idx)
	q.logger.Info("player left queue", zap.String("username", s.Username))
	return true
}

func (q *Queue) remove(idx int) {
	copy(q.waiting[idx:], q.waiting[idx+1:])
	q.waiting[len(q.waiting)-1] = nil
	q.waiting = q.waiting[:len(q.waiting)-1]
	observability.SetQueueDepth(len(q.waiting))
}

// prune drops sessions whose connection was torn down while they waited.
func (q *Queue) prune() {
	for i := len(q.waiting) - 1; i >= 0; i-- {
		if w := q.waiting[i]; w.Closed() {
			q.remove(i)
			q.logger.Info("dropped disconnected player from queue", zap.String("username", w.Username))
		}
	}
}

// Len returns the number of waiting sessions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Position returns s's 1-based place in line, or 0 when s is not queued.
func (q *Queue) Position(s *session.ConnectionSession) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexOf(s) + 1
}

func (q *Queue) indexOf(s *session.ConnectionSession) int {
	for i, w := range q.waiting {
		if w == s {
			return i
		}
	}
	return -1
}

func (q *Queue) notify(s *session.ConnectionSession, position int) {
	err := s.Send(protocol.MatchmakingStatus{Status: protocol.StatusSearching, QueuePosition: position})
	if err != nil {
		q.logger.Warn("sending queue status", zap.String("username", s.Username), zap.Error(err))
	}
}
