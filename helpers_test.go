package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store   *MemoryStore
	hub     *Hub
	clock   *FakeClock
	cfg     GameConfig
	rules   Rules
	updater *playerUpdater
	gateway *Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, mem *MemoryStore) *testEnv {
	t.Helper()
	cfg := defaultGameConfig()
	require.NoError(t, mem.EnsureWorld(context.Background(), cfg.StartingDepth))

	env := &testEnv{
		store: mem,
		hub:   NewHub(16),
		clock: NewFakeClock(testEpoch),
		cfg:   cfg,
		rules: Rules{GainMultiplier: cfg.GainMultiplier},
	}
	env.updater = newPlayerUpdater(mem, 5)
	env.updater.backoff = time.Millisecond
	env.gateway = NewGateway(mem, env.hub, env.rules, env.clock, cfg, env.updater, time.Second)
	return env
}

func (e *testEnv) join(t *testing.T, username string) Player {
	t.Helper()
	p, _, err := e.gateway.Join(context.Background(), username)
	require.NoError(t, err)
	return p
}

func (e *testEnv) reactor(pageSize, workers int) *Reactor {
	return NewReactor(e.store, e.rules, e.clock, e.updater, pageSize, workers)
}

// scriptedRand replays draws in order and then repeats the last one.
type scriptedRand struct {
	draws []float64
	i     int
}

func (r *scriptedRand) Float64() float64 {
	if len(r.draws) == 0 {
		return 0.99
	}
	v := r.draws[r.i]
	if r.i < len(r.draws)-1 {
		r.i++
	}
	return v
}

func ptr(v float64) *float64 { return &v }

func requireActionError(t *testing.T, err error, code string) *ActionError {
	t.Helper()
	require.Error(t, err)
	actionErr, ok := err.(*ActionError)
	require.True(t, ok, "expected *ActionError, got %T", err)
	require.Equal(t, code, actionErr.Code())
	return actionErr
}

func receive(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscriber closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
	return Message{}
}

func decodeEnvelope(t *testing.T, body []byte, data interface{}) string {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(body, &env))
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env.Type
}

// SetDepth overwrites the world depth without bumping the version.
func (s *MemoryStore) SetDepth(depth float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.world == nil {
		s.world = &World{}
	}
	s.world.Depth = depth
}
