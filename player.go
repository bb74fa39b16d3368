package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

const conflictBackoff = 15 * time.Millisecond

// PlayerView is the JSON shape of a player returned by the HTTP routes.
type PlayerView struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Collectible    float64    `json:"collectible"`
	CollectibleCap float64    `json:"collectibleCap"`
	ExchangedCount int64      `json:"exchangedCount"`
	Tokens         int64      `json:"tokens"`
	ReferenceDepth *float64   `json:"referenceDepth"`
	Alive          bool       `json:"alive"`
	DeathTime      *time.Time `json:"deathTime,omitempty"`
	EatThreshold   float64    `json:"eatThreshold"`
	PlayThreshold  float64    `json:"playThreshold"`
	StartTime      time.Time  `json:"startTime"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func viewPlayer(p Player) *PlayerView {
	return &PlayerView{
		ID:             p.ID,
		Username:       p.Username,
		Collectible:    p.Collectible,
		CollectibleCap: p.Cap,
		ExchangedCount: p.ExchangedCount,
		Tokens:         p.Tokens,
		ReferenceDepth: p.ReferenceDepth,
		Alive:          p.Alive,
		DeathTime:      p.DeathTime,
		EatThreshold:   p.EatThreshold,
		PlayThreshold:  p.PlayThreshold,
		StartTime:      p.StartTime,
		CreatedAt:      p.CreatedAt,
	}
}

func newPlayer(username string, cfg GameConfig, now time.Time) Player {
	return Player{
		ID:            uuid.NewString(),
		Username:      username,
		Collectible:   cfg.StartingCollectible,
		Cap:           cfg.CollectibleCap,
		Alive:         true,
		EatThreshold:  cfg.EatThreshold,
		PlayThreshold: cfg.PlayThreshold,
		CreatedAt:     now,
		StartTime:     now,
	}
}

// LoadOrCreatePlayer returns the existing player for username or creates
// one with defaults. The bool reports whether the player is new.
func LoadOrCreatePlayer(ctx context.Context, store Store, cfg GameConfig, clock Clock, username string) (Player, bool, error) {
	username = strings.TrimSpace(username)
	if msg, ok := validateUsername(username); !ok {
		return Player{}, false, invalidInput(msg)
	}

	p, err := store.LoadPlayer(ctx, username)
	if err == nil {
		return p, false, nil
	}
	if !errors.Is(err, ErrPlayerNotFound) {
		return Player{}, false, classifyError(username, err)
	}

	created, err := store.CreatePlayer(ctx, newPlayer(username, cfg, clock.Now()))
	if errors.Is(err, ErrPlayerExists) {
		// Lost a race with a concurrent join for the same name.
		p, err := store.LoadPlayer(ctx, username)
		if err != nil {
			return Player{}, false, classifyError(username, err)
		}
		return p, false, nil
	}
	if err != nil {
		return Player{}, false, classifyError(username, err)
	}
	return created, true, nil
}

// decideFunc computes the transition for a fresh snapshot of the player.
// A nil outcome with a nil error means there is nothing to write.
type decideFunc func(ctx context.Context, p Player) (*Outcome, error)

// playerUpdater runs read-decide-write cycles with optimistic concurrency.
// A version conflict reloads the player and decides again.
type playerUpdater struct {
	store   Store
	retries int
	backoff time.Duration
}

func newPlayerUpdater(store Store, retries int) *playerUpdater {
	if retries < 1 {
		retries = 1
	}
	return &playerUpdater{store: store, retries: retries, backoff: conflictBackoff}
}

// update applies decide to username. initial, when set, is used as the
// first snapshot instead of reading from the store.
func (u *playerUpdater) update(ctx context.Context, username string, initial *Player, decide decideFunc) (Player, *Outcome, error) {
	delay := u.backoff
	for attempt := 0; attempt < u.retries; attempt++ {
		var current Player
		if attempt == 0 && initial != nil {
			current = initial.clone()
		} else {
			p, err := u.store.LoadPlayer(ctx, username)
			if err != nil {
				return Player{}, nil, err
			}
			current = p
		}

		outcome, err := decide(ctx, current)
		if err != nil {
			return current, nil, err
		}
		if outcome == nil {
			return current, nil, nil
		}

		outcome.Player.Version = current.Version
		updated, err := u.store.ApplyPlayerChange(ctx, outcome.change())
		if err == nil {
			outcome.Player = updated
			return updated, outcome, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Player{}, nil, err
		}

		if attempt == u.retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Player{}, nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return Player{}, nil, errConflictExhausted
}
