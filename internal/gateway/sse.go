// ABOUTME: Legacy-generation transport: SSE stream establishment plus message callback
// ABOUTME: Implements GET /sse and POST /messages with per-call key re-validation

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/mcpdoor/mcpdoor/internal/session"
)

// sseOutboundBuffer bounds queued frames per legacy session.
const sseOutboundBuffer = 16

// ErrTransportClosed is returned when sending on a closed legacy transport.
var ErrTransportClosed = errors.New("transport already closed")

// sseTransport is the Legacy generation's transport handle: a one-way event
// stream the session's responses are posted back through. The transport
// generates its own session identifier.
type sseTransport struct {
	sessionID string
	out       chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSSETransport() *sseTransport {
	return &sseTransport{
		sessionID: uuid.NewString(),
		out:       make(chan []byte, sseOutboundBuffer),
		done:      make(chan struct{}),
	}
}

// Send queues a marshaled response frame for the stream writer.
func (t *sseTransport) Send(frame []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	select {
	case t.out <- frame:
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

// Close releases the stream. Queued frames not yet written are discarded.
// Safe to call multiple times.
func (t *sseTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// handleSSE establishes a Legacy-generation stream. The session is created
// implicitly, registered before any message exchange, and torn down when the
// client disconnects.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	callerKey := r.URL.Query().Get(apiKeyParam)
	if _, _, authErr := s.resolveCaller(r.Context(), callerKey); authErr != nil {
		s.writeError(w, authErr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	transport := newSSETransport()
	sess, err := s.sessions.CreateWithID(transport.sessionID, callerKey, transport)
	if err != nil {
		// uuid collision is not a practical concern; this guards misuse.
		s.writeError(w, &apiError{
			status:  http.StatusInternalServerError,
			code:    JSONRPCInternalError,
			message: "Internal server error",
		})
		return
	}
	if s.onSessionInit != nil {
		s.onSessionInit(sess)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// The endpoint event tells the client where to POST its messages.
	s.writeSSEEvent(w, "endpoint", "/messages?sessionId="+transport.sessionID)
	flusher.Flush()

	s.logger.Info("sse stream established", "session_id", transport.sessionID)

	defer s.sessions.Remove(transport.sessionID)
	for {
		select {
		case <-r.Context().Done():
			// Client disconnect cancels any response still in flight.
			return
		case <-transport.done:
			// Closed by session removal or the shutdown sweep.
			return
		case frame := <-transport.out:
			s.writeSSEEvent(w, "message", string(frame))
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one event in wire format.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event, data string) {
	if _, err := w.Write([]byte("event: " + event + "\ndata: " + data + "\n\n")); err != nil {
		s.logger.Warn("failed to write sse event", "event", event, "error", err)
	}
}

// handleMessages is the Legacy-generation message-submission endpoint.
// The session's stored caller key is re-validated on every call, expiry,
// quota, and decryption included.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		s.writeError(w, &apiError{
			status:  http.StatusBadRequest,
			code:    CodeBadSession,
			message: "Bad Request: No valid session ID provided",
		})
		return
	}

	sess, err := s.sessions.Get(sessionID, session.GenerationLegacy)
	if err != nil {
		s.writeError(w, s.mapSessionError(err))
		return
	}

	// No provider call is made unless the stored key still resolves.
	secret, _, authErr := s.resolveCaller(r.Context(), sess.CallerKey)
	if authErr != nil {
		s.writeError(w, authErr)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.writeRPCError(w, http.StatusBadRequest, nil, JSONRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.writeRPCError(w, http.StatusBadRequest, nil, JSONRPCInvalidRequest, "request body too large")
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeRPCError(w, http.StatusBadRequest, nil, JSONRPCParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeRPCError(w, http.StatusBadRequest, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version")
		return
	}

	s.logger.Debug("legacy message",
		"method", req.Method,
		"session_id", sessionID,
		"is_notification", req.IsNotification(),
	)

	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Responses travel back over the SSE stream, in request order. The
	// generation check above already routed us to a streaming transport;
	// the frame goes through the session's own handle.
	sess.Lock()
	resp := s.dispatch(r.Context(), secret, req)
	frame, err := json.Marshal(resp)
	if err == nil {
		err = sess.Transport.Send(frame)
	}
	sess.Unlock()

	if errors.Is(err, ErrTransportClosed) {
		s.writeError(w, &apiError{
			status:  http.StatusNotFound,
			code:    CodeBadSession,
			message: "Bad Request: Session not found",
		})
		return
	}
	if err != nil {
		s.writeError(w, &apiError{
			status:  http.StatusInternalServerError,
			code:    JSONRPCInternalError,
			message: "Internal server error",
		})
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
