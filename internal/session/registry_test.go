// ABOUTME: Tests for the session registry
// ABOUTME: Covers generation isolation, lifecycle, and the shutdown sweep

package session

import (
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records sent frames, counts closes, and optionally fails them.
type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   int
	closeErr error
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.closeErr
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestCreateAssignsRandomID(t *testing.T) {
	r := NewRegistry(slog.Default())

	a := r.Create("k1", &fakeTransport{})
	b := r.Create("k1", &fakeTransport{})

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, GenerationModern, a.Generation)
	assert.Equal(t, 2, r.Len())
}

func TestCreateWithID(t *testing.T) {
	r := NewRegistry(slog.Default())

	sess, err := r.CreateWithID("legacy-1", "k1", &fakeTransport{})
	require.NoError(t, err)
	assert.Equal(t, GenerationLegacy, sess.Generation)
	assert.Equal(t, "k1", sess.CallerKey)

	_, err = r.CreateWithID("legacy-1", "k2", &fakeTransport{})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetUnknownSession(t *testing.T) {
	r := NewRegistry(slog.Default())

	_, err := r.Get("nope", GenerationModern)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGenerationIsolation(t *testing.T) {
	r := NewRegistry(slog.Default())

	modern := r.Create("k1", &fakeTransport{})
	legacy, err := r.CreateWithID("legacy-1", "k1", &fakeTransport{})
	require.NoError(t, err)

	// A modern session presented to a legacy endpoint mismatches, and vice versa.
	_, err = r.Get(modern.ID, GenerationLegacy)
	assert.ErrorIs(t, err, ErrProtocolMismatch)
	_, err = r.Get(legacy.ID, GenerationModern)
	assert.ErrorIs(t, err, ErrProtocolMismatch)

	got, err := r.Get(modern.ID, GenerationModern)
	require.NoError(t, err)
	assert.Same(t, modern, got)
}

func TestRemoveClosesTransport(t *testing.T) {
	r := NewRegistry(slog.Default())
	transport := &fakeTransport{}
	sess := r.Create("k1", transport)

	assert.True(t, r.Remove(sess.ID))
	assert.Equal(t, 1, transport.closeCount())

	// The ID is invalid after removal.
	_, err := r.Get(sess.ID, GenerationModern)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, r.Remove(sess.ID))
}

func TestCloseAllToleratesFailures(t *testing.T) {
	r := NewRegistry(slog.Default())

	failing := &fakeTransport{closeErr: errors.New("already closed")}
	ok1 := &fakeTransport{}
	ok2 := &fakeTransport{}
	r.Create("k1", failing)
	r.Create("k2", ok1)
	_, err := r.CreateWithID("legacy-1", "k3", ok2)
	require.NoError(t, err)

	r.CloseAll()

	// The failing close does not abort the sweep.
	assert.Equal(t, 1, failing.closeCount())
	assert.Equal(t, 1, ok1.closeCount())
	assert.Equal(t, 1, ok2.closeCount())
	assert.Equal(t, 0, r.Len())
}

func TestGenerationString(t *testing.T) {
	assert.Equal(t, "modern", GenerationModern.String())
	assert.Equal(t, "legacy", GenerationLegacy.String())
	assert.Equal(t, "unknown", Generation(99).String())
}
