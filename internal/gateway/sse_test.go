// ABOUTME: Tests for the legacy SSE transport and cross-generation isolation
// ABOUTME: Exercises stream establishment, message callbacks, and re-validation

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpdoor/mcpdoor/internal/keycache"
)

// sseClient holds an open legacy stream and its parsed endpoint.
type sseClient struct {
	sessionID string
	events    chan sseEvent
	cancel    context.CancelFunc
}

type sseEvent struct {
	name string
	data string
}

// openSSE establishes a legacy stream and returns the assigned session ID
// parsed from the endpoint event.
func openSSE(t *testing.T, baseURL, query string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sse"+query, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		var current sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				current.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if current.name != "" {
					events <- current
					current = sseEvent{}
				}
			}
		}
		close(events)
	}()

	endpoint := waitEvent(t, events, "endpoint")
	sessionID := strings.TrimPrefix(endpoint.data, "/messages?sessionId=")
	require.NotEmpty(t, sessionID)

	client := &sseClient{sessionID: sessionID, events: events, cancel: cancel}
	t.Cleanup(cancel)
	return client
}

func waitEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("stream closed waiting for %q event", name)
			}
			if event.name == name {
				return event
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q event", name)
		}
	}
}

func postMessage(t *testing.T, baseURL, sessionID string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(
		baseURL+"/messages?sessionId="+sessionID,
		"application/json",
		bytes.NewReader(body),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) JSONRPCResponse {
	t.Helper()
	var envelope JSONRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return envelope
}

func TestSSEEstablishesLegacySession(t *testing.T) {
	g := newTestGateway(t, ModeRemote)
	srv := httptest.NewServer(g.mux)
	t.Cleanup(srv.Close)

	client := openSSE(t, srv.URL, "?apiKey=good-key")
	assert.Equal(t, 1, g.sessions.Len())

	// tools/call round-trip: POST returns 202, the response arrives on the stream.
	resp := postMessage(t, srv.URL, client.sessionID, rpcBody(t, 1, "tools/call", map[string]any{
		"name":      "maps_geocode",
		"arguments": map[string]string{"address": "x"},
	}))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	message := waitEvent(t, client.events, "message")
	var rpcResp JSONRPCResponse
	require.NoError(t, json.Unmarshal([]byte(message.data), &rpcResp))
	require.Nil(t, rpcResp.Error)

	raw, err := json.Marshal(rpcResp.Result)
	require.NoError(t, err)
	var result CallToolResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Contains(t, result.Content[0].Text, "sk-downstream")
}

func TestSSETransportSendAfterClose(t *testing.T) {
	tr := newSSETransport()
	require.NoError(t, tr.Close())

	err := tr.Send([]byte(`{"jsonrpc":"2.0","id":1}`))
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestModernTransportRejectsStreamSends(t *testing.T) {
	// Streamable HTTP answers inline; its transport handle accepts nothing.
	err := noopTransport{}.Send([]byte(`{"jsonrpc":"2.0","id":1}`))
	assert.Error(t, err)
	require.NoError(t, noopTransport{}.Close())
}

func TestSSERejectsMissingKey(t *testing.T) {
	g := newTestGateway(t, ModeRemote)
	srv := httptest.NewServer(g.mux)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, g.sessions.Len())
}

func TestMessagesUnknownSession(t *testing.T) {
	g := newTestGateway(t, ModeRemote)
	srv := httptest.NewServer(g.mux)
	t.Cleanup(srv.Close)

	resp := postMessage(t, srv.URL, "never-registered", rpcBody(t, 1, "tools/call", map[string]any{
		"name": "maps_geocode",
	}))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	envelope := decodeEnvelope(t, resp)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, CodeBadSession, envelope.Error.Code)

	// No provider call was made.
	assert.Equal(t, 0, *g.calls)
}

func TestMessagesMissingSessionID(t *testing.T) {
	g := newTestGateway(t, ModeRemote)
	srv := httptest.NewServer(g.mux)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/messages", "application/json", bytes.NewReader(rpcBody(t, 1, "ping", nil)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProtocolGenerationIsolation(t *testing.T) {
	g := newTestGateway(t, ModeRemote)
	srv := httptest.NewServer(g.mux)
	t.Cleanup(srv.Close)

	// A legacy session ID presented to the modern endpoint mismatches.
	legacy := openSSE(t, srv.URL, "?apiKey=good-key")
	rr := g.post(t, "/mcp?apiKey=good-key", legacy.sessionID, rpcBody(t, 1, "tools/list", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	envelope := decodeRPC(t, rr)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, CodeBadSession, envelope.Error.Code)

	// And a modern session ID presented to the legacy endpoint mismatches.
	modern := g.initialize(t, "/mcp?apiKey=good-key")
	resp := postMessage(t, srv.URL, modern, rpcBody(t, 1, "ping", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	envelope = decodeEnvelope(t, resp)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, CodeBadSession, envelope.Error.Code)
}

func TestMessagesRevalidatesStoredKey(t *testing.T) {
	g := newTestGateway(t, ModeRemote)
	srv := httptest.NewServer(g.mux)
	t.Cleanup(srv.Close)

	client := openSSE(t, srv.URL, "?apiKey=good-key")

	// The key expires after the stream was established; the message path
	// re-validates and rejects without touching the provider.
	g.resolver.errs["good-key"] = keycache.ErrExpired
	resp := postMessage(t, srv.URL, client.sessionID, rpcBody(t, 1, "tools/call", map[string]any{
		"name": "maps_geocode",
	}))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, *g.calls)
}

func TestSSEDisconnectRemovesSession(t *testing.T) {
	g := newTestGateway(t, ModeRemote)
	srv := httptest.NewServer(g.mux)
	t.Cleanup(srv.Close)

	client := openSSE(t, srv.URL, "?apiKey=good-key")
	require.Equal(t, 1, g.sessions.Len())

	client.cancel()

	deadline := time.Now().Add(2 * time.Second)
	for g.sessions.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after client disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSENotificationNoStreamEcho(t *testing.T) {
	g := newTestGateway(t, ModeRemote)
	srv := httptest.NewServer(g.mux)
	t.Cleanup(srv.Close)

	client := openSSE(t, srv.URL, "?apiKey=good-key")

	resp := postMessage(t, srv.URL, client.sessionID, rpcBody(t, nil, "notifications/initialized", nil))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case event := <-client.events:
		t.Fatalf("unexpected stream event for notification: %+v", event)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSSELocalMode(t *testing.T) {
	g := newTestGateway(t, ModeLocal)
	srv := httptest.NewServer(g.mux)
	t.Cleanup(srv.Close)

	// Local mode needs no apiKey on either leg.
	client := openSSE(t, srv.URL, "")
	resp := postMessage(t, srv.URL, client.sessionID, rpcBody(t, 1, "tools/call", map[string]any{
		"name": "maps_geocode",
	}))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	message := waitEvent(t, client.events, "message")
	assert.Contains(t, message.data, "local-secret")
}
