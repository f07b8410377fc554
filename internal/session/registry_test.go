package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/domain"
	"github.com/xiaot623/huddle/internal/venue"
)

func TestRegistryAddGet(t *testing.T) {
	r := NewRegistry(time.Minute, zap.NewNop())
	s := start(t, "sess_reg", scenarioParties(), testConfig(venue.NewMemory("jam-spot")))

	require.NoError(t, r.Add(s))
	assert.Error(t, r.Add(s))

	got, err := r.Get("sess_reg")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, r.List(), 1)
}

func TestRegistryEvictsAfterGrace(t *testing.T) {
	r := NewRegistry(time.Minute, zap.NewNop())
	ended := start(t, "sess_ended", scenarioParties(), testConfig(venue.NewMemory("jam-spot")))
	live := start(t, "sess_live", scenarioParties(), testConfig(venue.NewMemory("jam-spot")))
	require.NoError(t, r.Add(ended))
	require.NoError(t, r.Add(live))

	waitFor(t, ended, domain.EventTypeAwaitingDecision)
	require.NoError(t, ended.Cancel(context.Background()))
	waitFor(t, ended, domain.EventTypeAbandoned)

	assert.Equal(t, 0, r.sweep(time.Now()), "still within grace")
	assert.Equal(t, 1, r.sweep(time.Now().Add(2*time.Minute)))

	_, err := r.Get("sess_ended")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.Get("sess_live")
	assert.NoError(t, err)
}

func TestRegistryRunEviction(t *testing.T) {
	r := NewRegistry(0, zap.NewNop())
	s := start(t, "sess_sweep", scenarioParties(), testConfig(venue.NewMemory("jam-spot")))
	require.NoError(t, r.Add(s))
	waitFor(t, s, domain.EventTypeAwaitingDecision)
	require.NoError(t, s.Cancel(context.Background()))
	waitFor(t, s, domain.EventTypeAbandoned)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.RunEviction(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRegistryShutdownAbandonsLiveSessions(t *testing.T) {
	r := NewRegistry(time.Minute, zap.NewNop())
	s := start(t, "sess_shutdown", scenarioParties(), testConfig(venue.NewMemory("jam-spot")))
	require.NoError(t, r.Add(s))
	waitFor(t, s, domain.EventTypeAwaitingDecision)

	go func() {
		for range s.Events() {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Equal(t, domain.StageAbandoned, s.Snapshot().Stage)
}
