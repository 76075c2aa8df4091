// Package registry tracks the authenticated sessions of one gateway process.
// It is the single source of truth for "who is connected" and enforces the
// at-most-one-socket-per-device_id invariant via displacement.
package registry

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"

	"phbgateway/internal/protocol"
)

// outboundQueueSize bounds the per-session write queue. Delivery is
// fire-and-forget: a full queue drops the frame rather than blocking the
// relay.
const outboundQueueSize = 64

// Session is the in-memory record of a live, authenticated socket. All
// outbound frames pass through its queue; a dedicated writer goroutine in
// the transport drains it, which serializes writes per socket.
type Session struct {
	ID              string
	DeviceID        string
	Role            string
	DevicePublicKey ed25519.PublicKey // role=device only
	CreatedAt       time.Time

	outbound chan []byte

	mu          sync.Mutex
	closed      bool
	done        chan struct{}
	closeCode   int
	closeReason string
}

// NewSession allocates a session with an opaque id.
func NewSession(deviceID, role string, devicePub ed25519.PublicKey) *Session {
	return &Session{
		ID:              uuid.NewString(),
		DeviceID:        deviceID,
		Role:            role,
		DevicePublicKey: devicePub,
		CreatedAt:       time.Now().UTC(),
		outbound:        make(chan []byte, outboundQueueSize),
		done:            make(chan struct{}),
	}
}

// Send queues a frame for delivery. It reports false when the session is
// closed or its queue is full; callers treat both as a best-effort drop.
func (s *Session) Send(frame []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// Outbound is drained by the session's writer goroutine.
func (s *Session) Outbound() <-chan []byte { return s.outbound }

// Close marks the session closed with the given close frame. Only the first
// call wins; later calls are no-ops.
func (s *Session) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	close(s.done)
}

// Done is closed once the session has been told to shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseFrame returns the code and reason recorded by Close.
func (s *Session) CloseFrame() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

// Registry maps device_id to the currently live session. A mutex-guarded map
// is sufficient: reads are a hash lookup plus pointer copy and the write rate
// is bounded by connect/disconnect events.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func New() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register installs s as the live session for its device_id. If another
// session holds the slot it is closed with 4409 and returned; the replacement
// happens atomically, so no reader ever observes both.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	displaced := r.sessions[s.DeviceID]
	if displaced != nil {
		displaced.Close(protocol.CloseSuperseded, protocol.ReasonSuperseded)
	}
	r.sessions[s.DeviceID] = s
	return displaced
}

// Lookup returns the live session for a device_id.
func (r *Registry) Lookup(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[deviceID]
	return s, ok
}

// Unregister removes s if it still owns its slot. A displaced session
// unregistering late must not evict its successor.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.DeviceID]; ok && cur.ID == s.ID {
		delete(r.sessions, s.DeviceID)
	}
}

// BroadcastTargets snapshots every session except the one identified by
// excludeSessionID. Pairing sessions never receive broadcasts; they only
// exist to shuttle their own pairing exchange.
func (r *Registry) BroadcastTargets(excludeSessionID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.ID != excludeSessionID && s.Role != protocol.RolePairing {
			targets = append(targets, s)
		}
	}
	return targets
}

// All snapshots every connected session, pairing sockets included.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	return all
}

// Desktop returns the connected desktop session, if any.
func (r *Registry) Desktop() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Role == protocol.RoleDesktop {
			return s, true
		}
	}
	return nil, false
}

// DeviceIDs lists the device_ids of all connected sessions.
func (r *Registry) DeviceIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
