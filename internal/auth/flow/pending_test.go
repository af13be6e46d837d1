package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingConsumeOnce(t *testing.T) {
	s := NewPendingStore(time.Minute, 0)
	defer s.Stop()

	s.Put("state-1", Pending{Verifier: "v1"})
	require.Equal(t, 1, s.Len())

	p, ok := s.Consume("state-1")
	require.True(t, ok)
	assert.Equal(t, "v1", p.Verifier)
	assert.False(t, p.ExpiresAt.IsZero())

	_, ok = s.Consume("state-1")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestPendingUnknownState(t *testing.T) {
	s := NewPendingStore(time.Minute, 0)
	s.Put("state-1", Pending{Verifier: "v1"})

	_, ok := s.Consume("state-2")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len(), "unknown state must not disturb other entries")
}

func TestPendingExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewPendingStore(10*time.Minute, 0)
	s.now = func() time.Time { return now }

	s.Put("old", Pending{})
	now = now.Add(11 * time.Minute)

	_, ok := s.Consume("old")
	assert.False(t, ok)

	s.Put("fresh", Pending{})
	now = now.Add(11 * time.Minute)
	assert.Equal(t, 0, s.Len())
}

func TestPendingIgnoresEmptyState(t *testing.T) {
	s := NewPendingStore(0, 0)
	assert.Equal(t, DefaultPendingTTL, s.TTL())
	s.Put("  ", Pending{})
	assert.Equal(t, 0, s.Len())
}

func TestPendingStopIsIdempotent(t *testing.T) {
	s := NewPendingStore(time.Minute, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}
