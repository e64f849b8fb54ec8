// Package session tracks authenticated connections and the match each one is in.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cory-johannsen/blockbattle/internal/account"
	"github.com/cory-johannsen/blockbattle/internal/protocol"
)

// Transport is the outbound half of one live connection.
type Transport interface {
	// Send queues one encoded frame for delivery.
	Send(data []byte) error
	// Close shuts the connection down after pending frames are flushed.
	Close() error
	// RemoteAddr identifies the peer for logging.
	RemoteAddr() string
}

// Room is the match a session is bound to while playing.
type Room interface {
	// ID returns the match identifier.
	ID() string
	// Relay forwards from's opaque snapshot to the other player.
	Relay(from *ConnectionSession, state json.RawMessage) error
	// Report ends the match using from's self-reported result.
	Report(ctx context.Context, from *ConnectionSession, result string) error
	// Forfeit ends the match with leaver's opponent as winner.
	Forfeit(ctx context.Context, leaver *ConnectionSession) bool
}

// ConnectionSession is the runtime record of one authenticated connection.
// All methods are safe for concurrent use.
type ConnectionSession struct {
	// ID uniquely identifies this connection session.
	ID string
	// UserID is the owning account id.
	UserID int64
	// Username is the owning account name.
	Username string

	transport Transport

	mu     sync.Mutex
	stats  account.Stats
	room   Room
	closed bool
}

// New binds an authenticated profile to a live transport.
//
// Precondition: transport must be non-nil.
// Postcondition: Returns a session that is not in a match.
func New(transport Transport, profile account.Profile) *ConnectionSession {
	return &ConnectionSession{
		ID:        uuid.NewString(),
		UserID:    profile.UserID,
		Username:  profile.Username,
		transport: transport,
		stats:     profile.Stats,
	}
}

// Stats returns the cached stats snapshot taken at login.
func (s *ConnectionSession) Stats() account.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Profile returns the session's identity and cached stats.
func (s *ConnectionSession) Profile() account.Profile {
	return account.Profile{UserID: s.UserID, Username: s.Username, Stats: s.Stats()}
}

// Send encodes msg and queues it on the transport.
//
// Postcondition: Returns a non-nil error if encoding fails or the transport
// rejects the frame.
func (s *ConnectionSession) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.transport.Send(data); err != nil {
		return fmt.Errorf("sending %s to %s: %w", msg.Type(), s.Username, err)
	}
	return nil
}

// RemoteAddr returns the peer address of the underlying transport.
func (s *ConnectionSession) RemoteAddr() string {
	return s.transport.RemoteAddr()
}

// Close closes the underlying transport.
func (s *ConnectionSession) Close() error {
	return s.transport.Close()
}

// Attach binds the session to room.
//
// Postcondition: Returns false and leaves the session unbound once MarkClosed
// has been called. Otherwise InMatch reports true until Release(room).
func (s *ConnectionSession) Attach(room Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.room = room
	return true
}

// MarkClosed flags the session as torn down and returns the room it is bound
// to, or nil.
//
// Postcondition: Every later Attach fails, so the returned room is the last
// one the session will ever join.
func (s *ConnectionSession) MarkClosed() Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.room
}

// Closed reports whether MarkClosed has been called.
func (s *ConnectionSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Release unbinds the session from room. It is a no-op when the session has
// since been bound to a different room.
func (s *ConnectionSession) Release(room Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == room {
		s.room = nil
	}
}

// Room returns the bound room, or nil.
func (s *ConnectionSession) Room() Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// InMatch reports whether the session is bound to a room.
func (s *ConnectionSession) InMatch() bool {
	return s.Room() != nil
}
