package main

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	p, isNew, err := env.gateway.Join(ctx, "  ada ")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "ada", p.Username)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, 50.0, p.Collectible)
	assert.Equal(t, 50.0, p.Cap)
	assert.Nil(t, p.ReferenceDepth)
	assert.True(t, p.Alive)
	assert.Equal(t, testEpoch, p.StartTime)

	again, isNew, err := env.gateway.Join(ctx, "ada")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, p.ID, again.ID)

	for _, bad := range []string{"", "a", "   ", "this-name-is-far-too-long", "bad\tname"} {
		_, _, err := env.gateway.Join(ctx, bad)
		actionErr := requireActionError(t, err, string(KindInvalidInput))
		assert.False(t, actionErr.Transient())
	}
}

func TestPlayerNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.gateway.Player(context.Background(), "nobody")
	actionErr := requireActionError(t, err, string(KindNotFound))
	assert.Contains(t, actionErr.Message, "nobody")

	_, err = env.gateway.Collect(context.Background(), "nobody")
	requireActionError(t, err, string(KindNotFound))
	_, err = env.gateway.Exchange(context.Background(), "nobody")
	requireActionError(t, err, string(KindNotFound))
	_, err = env.gateway.History(context.Background(), "nobody")
	requireActionError(t, err, string(KindNotFound))
}

func TestExchangePublishesAndPersists(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.join(t, "ada")
	sub := env.hub.Subscribe()
	defer env.hub.Unsubscribe(sub)

	res, err := env.gateway.Exchange(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, "exchanged a pearl for a coin at 500 m, 49.0 pearls left", res.Message)
	assert.Equal(t, 49.0, res.Player.Collectible)
	assert.Equal(t, int64(1), res.Player.Tokens)
	assert.Equal(t, int64(1), res.Player.ExchangedCount)
	assert.Equal(t, 500.0, *res.Player.ReferenceDepth)

	var updates []PlayerUpdate
	msg := receive(t, sub)
	assert.Equal(t, EventPlayersUpdated, decodeEnvelope(t, msg.Body, &updates))
	require.Len(t, updates, 1)
	assert.Equal(t, "ada", updates[0].Username)
	assert.Equal(t, "exchanged a pearl for a coin at 500 m", updates[0].ActionDescription)

	stored, err := env.gateway.Player(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, res.Player, stored)
}

func TestExchangeLastPearlEndsTheGame(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.join(t, "ada")

	_, err := env.gateway.Exchange(ctx, "ada")
	require.NoError(t, err)
	_, err = env.gateway.UpdateSettings(ctx, SettingsInput{
		Username:       "ada",
		CollectibleCap: ptr(1),
		EatThreshold:   ptr(0.005),
		PlayThreshold:  ptr(0.05),
	})
	require.NoError(t, err)

	env.store.SetDepth(480)
	_, err = env.gateway.Exchange(ctx, "ada")
	requireActionError(t, err, string(ReasonTooDeep))

	env.store.SetDepth(470)
	res, err := env.gateway.Exchange(ctx, "ada")
	require.NoError(t, err)
	assert.Contains(t, res.Message, "no longer active")
	assert.False(t, res.Player.Alive)
	assert.Equal(t, 0.0, res.Player.Collectible)
	require.NotNil(t, res.Player.DeathTime)

	_, err = env.gateway.Exchange(ctx, "ada")
	requireActionError(t, err, string(ReasonDead))
	_, err = env.gateway.Collect(ctx, "ada")
	requireActionError(t, err, string(ReasonDead))
	_, err = env.gateway.UpdateSettings(ctx, SettingsInput{Username: "ada", EatThreshold: ptr(0.1), PlayThreshold: ptr(0.1)})
	requireActionError(t, err, string(ReasonDead))
}

func TestCollectWithoutReferenceLeavesStateAlone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := newPlayer("ada", env.cfg, testEpoch)
	p.Collectible = 10
	_, err := env.store.CreatePlayer(ctx, p)
	require.NoError(t, err)

	_, err = env.gateway.Collect(ctx, "ada")
	requireActionError(t, err, string(ReasonNoReference))

	after, err := env.store.LoadPlayer(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(0), after.Version)
	assert.Equal(t, 10.0, after.Collectible)
}

func TestCollectAfterDive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.join(t, "ada")
	_, err := env.gateway.Exchange(ctx, "ada")
	require.NoError(t, err)

	_, err = env.gateway.Collect(ctx, "ada")
	requireActionError(t, err, string(ReasonTooShallow))

	env.store.SetDepth(560)
	res, err := env.gateway.Collect(ctx, "ada")
	require.NoError(t, err)
	assert.InDelta(t, 1.24, res.Gain, 1e-9)
	assert.Equal(t, 50.0, res.Player.Collectible)
	assert.Equal(t, "collected +1.24 pearls at 560 m, now 50.0", res.Message)

	_, err = env.gateway.Collect(ctx, "ada")
	requireActionError(t, err, string(ReasonAtCap))
}

func TestConcurrentExchangeOfLastPearl(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.join(t, "ada")
	_, err := env.gateway.UpdateSettings(ctx, SettingsInput{
		Username:       "ada",
		CollectibleCap: ptr(1),
		EatThreshold:   ptr(0.005),
		PlayThreshold:  ptr(0.05),
	})
	require.NoError(t, err)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.gateway.Exchange(ctx, "ada")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		actionErr, ok := err.(*ActionError)
		require.True(t, ok, "unexpected error %v", err)
		assert.Contains(t, []string{string(ReasonDead), string(ReasonInsufficientCollectible)}, actionErr.Code())
	}
	assert.Equal(t, 1, succeeded)

	p, err := env.store.LoadPlayer(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.Collectible)
	assert.Equal(t, int64(1), p.Tokens)
	assert.False(t, p.Alive)
}

type conflictingStore struct {
	*MemoryStore
}

func (s *conflictingStore) ApplyPlayerChange(ctx context.Context, change PlayerChange) (Player, error) {
	return Player{}, ErrVersionConflict
}

func TestExchangeGivesUpAfterRepeatedConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.join(t, "ada")

	store := &conflictingStore{MemoryStore: env.store}
	updater := newPlayerUpdater(store, 3)
	updater.backoff = 0
	g := NewGateway(store, env.hub, env.rules, env.clock, env.cfg, updater, 0)

	_, err := g.Exchange(context.Background(), "ada")
	actionErr := requireActionError(t, err, string(KindConflictRetryExhausted))
	assert.True(t, actionErr.Transient())
}

func TestUpdateSettings(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.join(t, "ada")

	invalid := []SettingsInput{
		{Username: "ada"},
		{Username: "ada", EatThreshold: ptr(0.1)},
		{Username: "ada", EatThreshold: ptr(1.5), PlayThreshold: ptr(0.1)},
		{Username: "ada", EatThreshold: ptr(0.1), PlayThreshold: ptr(-0.1)},
		{Username: "ada", EatThreshold: ptr(0.1), PlayThreshold: ptr(0.1), CollectibleCap: ptr(0.5)},
		{Username: "ada", EatThreshold: ptr(0.1), PlayThreshold: ptr(0.1), CollectibleCap: ptr(51)},
		{EatThreshold: ptr(0.1), PlayThreshold: ptr(0.1)},
	}
	for _, in := range invalid {
		_, err := env.gateway.UpdateSettings(ctx, in)
		requireActionError(t, err, string(KindInvalidInput))
	}

	p, err := env.gateway.UpdateSettings(ctx, SettingsInput{
		Username:       "ada",
		CollectibleCap: ptr(10),
		EatThreshold:   ptr(0.2),
		PlayThreshold:  ptr(0.1),
	})
	require.NoError(t, err)
	assert.Equal(t, 10.0, p.Cap)
	assert.Equal(t, 10.0, p.Collectible)
	assert.Equal(t, 0.2, p.EatThreshold)
	assert.Equal(t, 0.1, p.PlayThreshold)

	// Raising the cap again does not refill the pool.
	p, err = env.gateway.UpdateSettings(ctx, SettingsInput{
		Username:       "ada",
		CollectibleCap: ptr(50),
		EatThreshold:   ptr(0.2),
		PlayThreshold:  ptr(0.1),
	})
	require.NoError(t, err)
	assert.Equal(t, 50.0, p.Cap)
	assert.Equal(t, 10.0, p.Collectible)
}

func TestHistoryIsMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.join(t, "ada")

	_, err := env.gateway.Exchange(ctx, "ada")
	require.NoError(t, err)
	env.clock.Advance(10e9)
	env.store.SetDepth(470)
	_, err = env.gateway.Exchange(ctx, "ada")
	require.NoError(t, err)

	events, err := env.gateway.History(ctx, "ada")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 470.0, events[0].Depth)
	assert.Equal(t, 500.0, events[1].Depth)
	assert.True(t, events[0].ExchangeTime.After(events[1].ExchangeTime))
	assert.Equal(t, "ada", events[0].Username)
}

func TestLeaderboard(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	seed := []Player{
		{ID: "1", Username: "ada", Tokens: 3, ExchangedCount: 3, Alive: true},
		{ID: "2", Username: "bob", Tokens: 7, ExchangedCount: 7, Alive: true},
		{ID: "3", Username: "cid", Tokens: 3, ExchangedCount: 5, Alive: true},
		{ID: "4", Username: "dan", Tokens: 3, ExchangedCount: 3, Alive: false},
	}
	for _, p := range seed {
		_, err := env.store.CreatePlayer(ctx, p)
		require.NoError(t, err)
	}

	top, err := env.gateway.Leaderboard(ctx, 0)
	require.NoError(t, err)
	names := make([]string, 0, len(top))
	for _, p := range top {
		names = append(names, p.Username)
	}
	assert.Equal(t, []string{"bob", "cid", "ada", "dan"}, names)

	top, err = env.gateway.Leaderboard(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, top, 2)
}
