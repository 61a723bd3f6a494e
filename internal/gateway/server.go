// ABOUTME: Protocol router: the single HTTP front door for one provider instance
// ABOUTME: Resolves caller keys, routes sessions by generation, and dispatches tool calls

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcpdoor/mcpdoor/internal/keycache"
	"github.com/mcpdoor/mcpdoor/internal/secrets"
	"github.com/mcpdoor/mcpdoor/internal/session"
	"github.com/mcpdoor/mcpdoor/internal/tools"
)

// protocolVersion is the Streamable HTTP protocol version advertised in
// initialize responses.
const protocolVersion = "2025-03-26"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// sessionHeader carries the Modern-generation session identifier.
const sessionHeader = "Mcp-Session-Id"

// apiKeyParam is the query parameter carrying the opaque caller key.
const apiKeyParam = "apiKey"

// Mode selects how caller keys are authenticated.
type Mode string

const (
	// ModeLocal injects a single shared downstream secret from configuration
	// and bypasses per-call credential lookup.
	ModeLocal Mode = "local"
	// ModeRemote resolves every call through the credential cache.
	ModeRemote Mode = "remote"
)

// Resolver is the credential cache's contract as seen by the router.
type Resolver interface {
	Resolve(ctx context.Context, callerKey string) (keycache.Resolved, error)
}

// Config holds configuration for the gateway server.
type Config struct {
	Resolver   Resolver // required in remote mode
	Sessions   *session.Registry
	Dispatcher tools.Dispatcher
	Logger     *slog.Logger
	ProviderID string
	Version    string
	Mode       Mode
	// LocalSecret is the shared downstream secret used in local mode.
	LocalSecret string
	// OnSessionInit, if set, is invoked once for each newly created session
	// after its transport is registered and ready.
	OnSessionInit func(sess *session.Session)
}

// Server routes inbound protocol traffic for one provider instance.
// It owns no provider I/O; tool execution is strictly the Dispatcher's job.
type Server struct {
	resolver      Resolver
	sessions      *session.Registry
	dispatcher    tools.Dispatcher
	logger        *slog.Logger
	providerID    string
	version       string
	mode          Mode
	localSecret   string
	onSessionInit func(sess *session.Session)
}

// NewServer creates a gateway server from the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session registry is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("tool dispatcher is required")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeLocal
	}
	if mode != ModeLocal && mode != ModeRemote {
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
	if mode == ModeRemote && cfg.Resolver == nil {
		return nil, errors.New("resolver is required in remote mode")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	return &Server{
		resolver:      cfg.Resolver,
		sessions:      cfg.Sessions,
		dispatcher:    cfg.Dispatcher,
		logger:        logger.With("component", "gateway"),
		providerID:    cfg.ProviderID,
		version:       version,
		mode:          mode,
		localSecret:   cfg.LocalSecret,
		onSessionInit: cfg.OnSessionInit,
	}, nil
}

// RegisterRoutes registers all gateway endpoints on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/sse", s.handleSSE)
	mux.HandleFunc("/messages", s.handleMessages)
	mux.HandleFunc("/health", s.handleHealth)
}

// apiError is a protocol-level failure: an HTTP status plus the JSON-RPC
// error envelope every failure path returns.
type apiError struct {
	status  int
	code    int
	message string
}

// resolveCaller authenticates the request per the configured mode and
// returns the downstream secret to hand to the dispatcher. The missing-key
// check runs before any session state is touched.
func (s *Server) resolveCaller(ctx context.Context, callerKey string) (string, string, *apiError) {
	if s.mode == ModeLocal {
		return s.localSecret, "", nil
	}

	if callerKey == "" {
		return "", "", &apiError{
			status:  http.StatusUnauthorized,
			code:    CodeUnauthorized,
			message: "Unauthorized: Missing API key",
		}
	}

	resolved, err := s.resolver.Resolve(ctx, callerKey)
	if err != nil {
		return "", "", s.mapResolveError(err)
	}
	return resolved.Secret, callerKey, nil
}

// mapResolveError converts credential cache failures into protocol envelopes.
// All auth failures share one message so responses never reveal whether a key
// exists, is expired, or is over quota.
func (s *Server) mapResolveError(err error) *apiError {
	switch {
	case errors.Is(err, keycache.ErrNotFound),
		errors.Is(err, keycache.ErrExpired),
		errors.Is(err, keycache.ErrRateLimited),
		errors.Is(err, secrets.ErrCorruptCredential):
		return &apiError{
			status:  http.StatusUnauthorized,
			code:    CodeUnauthorized,
			message: "Unauthorized: Invalid API key",
		}
	default:
		s.logger.Error("credential resolution failed", "error", err)
		return &apiError{
			status:  http.StatusInternalServerError,
			code:    JSONRPCInternalError,
			message: "Internal server error",
		}
	}
}

// handleMCP is the single Modern-generation endpoint supporting POST and
// DELETE per the Streamable HTTP transport. Server-initiated streams are
// not supported, so GET answers the same way a sessionless request does.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleMCPPost(w, r)
	case http.MethodDelete:
		s.handleMCPDelete(w, r)
	case http.MethodGet:
		// A sessionless GET gets the session envelope; with a session the
		// request is asking for a server-initiated stream, which this
		// endpoint does not offer.
		if r.Header.Get(sessionHeader) == "" {
			s.writeError(w, &apiError{
				status:  http.StatusBadRequest,
				code:    CodeBadSession,
				message: "Bad Request: No valid session ID provided",
			})
			return
		}
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleMCPPost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	// Authenticate before touching any session state.
	secret, callerKey, authErr := s.resolveCaller(r.Context(), r.URL.Query().Get(apiKeyParam))
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

	sessionID := r.Header.Get(sessionHeader)

	var sess *session.Session
	if req.Method == "initialize" && sessionID == "" {
		// First request of a Modern session: register it under a fresh
		// unguessable identifier before answering.
		sess = s.sessions.Create(callerKey, noopTransport{})
		if s.onSessionInit != nil {
			s.onSessionInit(sess)
		}
		w.Header().Set(sessionHeader, sess.ID)
	} else {
		if sessionID == "" {
			s.writeError(w, &apiError{
				status:  http.StatusBadRequest,
				code:    CodeBadSession,
				message: "Bad Request: No valid session ID provided",
			})
			return
		}
		sess, err = s.sessions.Get(sessionID, session.GenerationModern)
		if err != nil {
			s.writeError(w, s.mapSessionError(err))
			return
		}
	}

	s.logger.Debug("mcp request",
		"method", req.Method,
		"session_id", sess.ID,
		"is_notification", req.IsNotification(),
	)

	// Notifications are accepted with no body.
	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Frames within one session are processed in request order.
	sess.Lock()
	resp := s.dispatch(r.Context(), secret, req)
	sess.Unlock()

	s.writeJSON(w, http.StatusOK, resp)
}

// handleMCPDelete terminates a Modern session.
func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	if _, _, authErr := s.resolveCaller(r.Context(), r.URL.Query().Get(apiKeyParam)); authErr != nil {
		s.writeError(w, authErr)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		s.writeError(w, &apiError{
			status:  http.StatusBadRequest,
			code:    CodeBadSession,
			message: "Bad Request: No valid session ID provided",
		})
		return
	}

	if _, err := s.sessions.Get(sessionID, session.GenerationModern); err != nil {
		s.writeError(w, s.mapSessionError(err))
		return
	}

	s.sessions.Remove(sessionID)
	s.logger.Info("session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// mapSessionError converts registry failures into protocol envelopes.
func (s *Server) mapSessionError(err error) *apiError {
	switch {
	case errors.Is(err, session.ErrProtocolMismatch):
		return &apiError{
			status:  http.StatusBadRequest,
			code:    CodeBadSession,
			message: "Bad Request: Session exists but uses a different transport protocol",
		}
	case errors.Is(err, session.ErrNotFound):
		return &apiError{
			status:  http.StatusNotFound,
			code:    CodeBadSession,
			message: "Bad Request: Session not found",
		}
	default:
		return &apiError{
			status:  http.StatusInternalServerError,
			code:    JSONRPCInternalError,
			message: "Internal server error",
		}
	}
}

// dispatch handles one decoded request frame, shared by both generations.
func (s *Server) dispatch(ctx context.Context, secret string, req JSONRPCRequest) JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo: ServerInfo{
				Name:    "mcpdoor/" + s.providerID,
				Version: s.version,
			},
		})
	case "ping":
		return s.result(req.ID, map[string]any{})
	case "tools/list":
		infos := s.dispatcher.Tools()
		result := ListToolsResult{Tools: make([]ToolInfo, len(infos))}
		for i, info := range infos {
			result.Tools[i] = ToolInfo{
				Name:        info.Name,
				Description: info.Description,
				InputSchema: info.InputSchema,
			}
		}
		return s.result(req.ID, result)
	case "tools/call":
		return s.callTool(ctx, secret, req)
	default:
		return s.rpcError(req.ID, JSONRPCMethodNotFound, "method not found")
	}
}

// callTool invokes the dispatcher with the resolved secret and the decoded
// operation name and arguments.
func (s *Server) callTool(ctx context.Context, secret string, req JSONRPCRequest) JSONRPCResponse {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return s.rpcError(req.ID, JSONRPCInvalidParams, "invalid params")
		}
	}
	if params.Name == "" {
		return s.rpcError(req.ID, JSONRPCInvalidParams, "tool name is required")
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	s.logger.Debug("tools/call", "tool_name", params.Name)

	result, err := s.dispatcher.Call(ctx, secret, params.Name, args)
	if err != nil {
		if errors.Is(err, tools.ErrToolNotFound) {
			return s.rpcError(req.ID, JSONRPCInvalidParams, "tool not found")
		}
		// Upstream provider failure: passed through as tool output,
		// unmodified, never retried here.
		s.logger.Warn("tool execution failed", "tool_name", params.Name, "error", err)
		return s.result(req.ID, textResult(err.Error(), true))
	}

	return s.result(req.ID, textResult(result.Content, result.IsError))
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"provider":  s.providerID,
		"sessions":  s.sessions.Len(),
	})
}

func (s *Server) result(id json.RawMessage, result any) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) rpcError(id json.RawMessage, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

// writeError writes the standard failure envelope with id null.
func (s *Server) writeError(w http.ResponseWriter, apiErr *apiError) {
	s.writeJSON(w, apiErr.status, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      json.RawMessage("null"),
		Error:   &JSONRPCError{Code: apiErr.code, Message: apiErr.message},
	})
}

// writeRPCError writes a request-scoped JSON-RPC error envelope.
func (s *Server) writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	s.writeJSON(w, status, JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// errNoOutboundStream signals a send attempted on a transport that answers
// inline instead of streaming.
var errNoOutboundStream = errors.New("transport has no outbound stream")

// noopTransport is the Modern generation's transport handle. Streamable HTTP
// answers on the request's own response body, so there is no outbound stream
// to send on and closing releases nothing.
type noopTransport struct{}

func (noopTransport) Send([]byte) error { return errNoOutboundStream }

func (noopTransport) Close() error { return nil }
