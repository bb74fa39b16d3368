package main

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPlayerNotFound   = errors.New("player not found")
	ErrPlayerExists     = errors.New("player already exists")
	ErrVersionConflict  = errors.New("player version conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrWorldMissing     = errors.New("world record missing")
)

// World is the singleton row driven by the clock. Version doubles as the
// tick number.
type World struct {
	Depth      float64
	LastUpdate time.Time
	Version    int64
}

type Player struct {
	ID             string
	Username       string
	Collectible    float64
	Cap            float64
	ExchangedCount int64
	Tokens         int64
	ReferenceDepth *float64
	Alive          bool
	DeathTime      *time.Time
	EatThreshold   float64
	PlayThreshold  float64
	CreatedAt      time.Time
	StartTime      time.Time
	LastTick       int64
	Version        int64
}

// ExchangeEvent is one outstanding entry in a player's redemption queue.
type ExchangeEvent struct {
	ID           int64
	PlayerID     string
	Username     string
	Depth        float64
	ExchangeTime time.Time
}

// PlayerChange is committed atomically: the player row is written only if
// its stored version still equals Player.Version, and the ledger edits land
// in the same transaction.
type PlayerChange struct {
	Player        Player
	AppendEvent   *ExchangeEvent
	RedeemEventID int64
}

type Store interface {
	EnsureWorld(ctx context.Context, startingDepth float64) error
	LoadWorld(ctx context.Context) (World, error)
	// AdvanceWorld adds change to the depth (clamped at zero) in one atomic
	// step and bumps the version.
	AdvanceWorld(ctx context.Context, change float64, at time.Time) (World, error)

	CreatePlayer(ctx context.Context, p Player) (Player, error)
	LoadPlayer(ctx context.Context, username string) (Player, error)
	// ListAlivePlayers pages through alive players ordered by username,
	// starting strictly after afterUsername.
	ListAlivePlayers(ctx context.Context, afterUsername string, limit int) ([]Player, error)
	ApplyPlayerChange(ctx context.Context, change PlayerChange) (Player, error)
	TopPlayers(ctx context.Context, limit int) ([]Player, error)

	// OutstandingEvents returns the player's queue, oldest first.
	OutstandingEvents(ctx context.Context, playerID string) ([]ExchangeEvent, error)

	Close() error
}

func (p Player) clone() Player {
	out := p
	if p.ReferenceDepth != nil {
		d := *p.ReferenceDepth
		out.ReferenceDepth = &d
	}
	if p.DeathTime != nil {
		t := *p.DeathTime
		out.DeathTime = &t
	}
	return out
}
