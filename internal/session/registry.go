// ABOUTME: Session registry mapping opaque session IDs to generation-tagged transports
// ABOUTME: Owns session lifecycle: creation, lookup, teardown, and the shutdown sweep

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session lookup errors.
var (
	// ErrNotFound is returned for an unknown, non-empty session ID.
	ErrNotFound = errors.New("session not found")
	// ErrProtocolMismatch is returned when a session established on one
	// protocol generation is presented to an endpoint of the other.
	ErrProtocolMismatch = errors.New("session uses a different transport protocol")
	// ErrDuplicateID is returned when registering a transport-generated ID
	// that is already live.
	ErrDuplicateID = errors.New("session ID already registered")
)

// Generation identifies which wire-protocol style a session was established
// under. A session never changes generation and its ID is never reused for
// the other.
type Generation int

const (
	// GenerationModern is the bidirectional Streamable HTTP transport.
	GenerationModern Generation = iota
	// GenerationLegacy is the deprecated SSE-stream-plus-callback transport.
	GenerationLegacy
)

func (g Generation) String() string {
	switch g {
	case GenerationModern:
		return "modern"
	case GenerationLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Transport is the handle a session exclusively owns for its lifetime.
// Send queues an outbound frame for delivery to the client; transports
// without an outbound channel reject it. Close releases transport resources
// and discards any in-flight output.
type Transport interface {
	Send(frame []byte) error
	Close() error
}

// Session is one live protocol session. The registry exclusively owns it
// from creation until removal.
type Session struct {
	ID         string
	Generation Generation
	CallerKey  string // re-validated per call on the legacy message path
	Transport  Transport
	CreatedAt  time.Time

	// mu serializes frame processing so responses within one session are
	// emitted in request order. No ordering holds across sessions.
	mu sync.Mutex
}

// Lock acquires the session's ordering mutex.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's ordering mutex.
func (s *Session) Unlock() { s.mu.Unlock() }

// Registry is the process-wide session table. It is constructed once per
// process, passed explicitly to the router, and torn down on shutdown —
// never reached through package globals.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "sessions"),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new Modern-generation session under a fresh
// cryptographically random identifier.
func (r *Registry) Create(callerKey string, transport Transport) *Session {
	sess := &Session{
		ID:         uuid.NewString(),
		Generation: GenerationModern,
		CallerKey:  callerKey,
		Transport:  transport,
		CreatedAt:  time.Now(),
	}
	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", sess.ID, "generation", sess.Generation.String())
	return sess
}

// CreateWithID registers a Legacy-generation session under a
// transport-generated identifier, before any message exchange on it.
func (r *Registry) CreateWithID(id, callerKey string, transport Transport) (*Session, error) {
	sess := &Session{
		ID:         id,
		Generation: GenerationLegacy,
		CallerKey:  callerKey,
		Transport:  transport,
		CreatedAt:  time.Now(),
	}
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateID
	}
	r.sessions[id] = sess
	r.mu.Unlock()

	r.logger.Info("session created", "session_id", id, "generation", sess.Generation.String())
	return sess, nil
}

// Get looks up a session and checks it against the generation implied by the
// calling endpoint. The generation check is an exhaustive tag match, not a
// type probe.
func (r *Registry) Get(id string, generation Generation) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if sess.Generation != generation {
		return nil, ErrProtocolMismatch
	}
	return sess, nil
}

// Remove deletes the session from the registry and then closes its
// transport. Removal happens first so a concurrent lookup never observes a
// half-closed session. Returns false if the ID was not registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	if sess.Transport != nil {
		if err := sess.Transport.Close(); err != nil {
			r.logger.Warn("transport close failed", "session_id", id, "error", err)
		}
	}
	r.logger.Info("session removed", "session_id", id)
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll sweeps every registered session on shutdown. Individual close
// failures are logged and the sweep continues.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		if sess.Transport == nil {
			continue
		}
		if err := sess.Transport.Close(); err != nil {
			r.logger.Warn("closing session during shutdown", "session_id", sess.ID, "error", err)
		}
	}
	r.logger.Info("session sweep complete", "count", len(sessions))
}
