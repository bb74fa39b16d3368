package main

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// Gateway serves the request-driven side of the game: it validates the
// preconditions for a transition against current state, commits it with
// the same optimistic update the reactor uses and publishes the delta.
type Gateway struct {
	store   Store
	hub     *Hub
	rules   Rules
	clock   Clock
	cfg     GameConfig
	updater *playerUpdater
	timeout time.Duration
}

func NewGateway(store Store, hub *Hub, rules Rules, clock Clock, cfg GameConfig, updater *playerUpdater, timeout time.Duration) *Gateway {
	return &Gateway{
		store:   store,
		hub:     hub,
		rules:   rules,
		clock:   clock,
		cfg:     cfg,
		updater: updater,
		timeout: timeout,
	}
}

type ActionResult struct {
	Message string
	Gain    float64
	Player  Player
}

type SettingsInput struct {
	Username       string   `json:"username"`
	CollectibleCap *float64 `json:"collectibleCap,omitempty"`
	EatThreshold   *float64 `json:"eatThreshold"`
	PlayThreshold  *float64 `json:"playThreshold"`
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Gateway) publish(outcome *Outcome) {
	if outcome == nil {
		return
	}
	g.hub.PublishPlayers([]PlayerUpdate{newPlayerUpdate(outcome.Player, outcome.Describe())})
}

func normalizeUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", invalidInput("username is required")
	}
	return username, nil
}

func (g *Gateway) Join(ctx context.Context, username string) (Player, bool, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return LoadOrCreatePlayer(ctx, g.store, g.cfg, g.clock, username)
}

func (g *Gateway) Player(ctx context.Context, username string) (Player, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return Player{}, err
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	p, err := g.store.LoadPlayer(ctx, username)
	if err != nil {
		return Player{}, classifyError(username, err)
	}
	return p, nil
}

func (g *Gateway) World(ctx context.Context) (World, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	w, err := g.store.LoadWorld(ctx)
	if err != nil {
		return World{}, classifyError("", err)
	}
	return w, nil
}

// Collect redeems the player's oldest exchange that the current depth has
// moved far enough past.
func (g *Gateway) Collect(ctx context.Context, username string) (ActionResult, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return ActionResult{}, err
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	_, outcome, err := g.updater.update(ctx, username, nil, func(ctx context.Context, p Player) (*Outcome, error) {
		world, err := g.store.LoadWorld(ctx)
		if err != nil {
			return nil, err
		}
		var events []ExchangeEvent
		if p.Alive && p.Collectible < p.Cap {
			events, err = g.store.OutstandingEvents(ctx, p.ID)
			if err != nil {
				return nil, err
			}
		}
		out, err := g.rules.ManualCollect(p, events, world.Depth)
		if err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return ActionResult{}, classifyError(username, err)
	}

	g.publish(outcome)
	return ActionResult{
		Message: fmt.Sprintf("collected +%.2f pearls at %.0f m, now %.1f",
			outcome.Gain, outcome.Depth, outcome.Player.Collectible),
		Gain:   outcome.Gain,
		Player: outcome.Player,
	}, nil
}

// Exchange trades one pearl for a coin at the current depth.
func (g *Gateway) Exchange(ctx context.Context, username string) (ActionResult, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return ActionResult{}, err
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	_, outcome, err := g.updater.update(ctx, username, nil, func(ctx context.Context, p Player) (*Outcome, error) {
		world, err := g.store.LoadWorld(ctx)
		if err != nil {
			return nil, err
		}
		out, err := g.rules.ManualExchange(p, world.Depth, g.clock.Now())
		if err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return ActionResult{}, classifyError(username, err)
	}

	g.publish(outcome)
	msg := fmt.Sprintf("exchanged a pearl for a coin at %.0f m, %.1f pearls left",
		outcome.Depth, outcome.Player.Collectible)
	if outcome.Died {
		msg = fmt.Sprintf("exchanged the last pearl at %.0f m; the serpent flew away with the chest and is no longer active",
			outcome.Depth)
	}
	return ActionResult{Message: msg, Player: outcome.Player}, nil
}

func validateSettings(in SettingsInput, maxCap float64) error {
	if in.EatThreshold == nil || in.PlayThreshold == nil {
		return invalidInput("eatThreshold and playThreshold are required")
	}
	if !validFraction(*in.EatThreshold) {
		return invalidInput("eatThreshold must be within [0,1]")
	}
	if !validFraction(*in.PlayThreshold) {
		return invalidInput("playThreshold must be within [0,1]")
	}
	if c := in.CollectibleCap; c != nil {
		if !(*c >= 1 && *c <= maxCap) {
			return invalidInput(fmt.Sprintf("collectibleCap must be within [1,%.0f]", maxCap))
		}
	}
	return nil
}

// UpdateSettings changes the player's sensitivity thresholds and,
// optionally, lowers or restores the pearl cap. Pearls above a lowered cap
// are clamped.
func (g *Gateway) UpdateSettings(ctx context.Context, in SettingsInput) (Player, error) {
	username, err := normalizeUsername(in.Username)
	if err != nil {
		return Player{}, err
	}
	if err := validateSettings(in, g.cfg.CollectibleCap); err != nil {
		return Player{}, err
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	updated, outcome, err := g.updater.update(ctx, username, nil, func(ctx context.Context, p Player) (*Outcome, error) {
		if !p.Alive {
			return nil, preconditionFailed(ReasonDead, "the serpent has already flown away")
		}
		next := p.clone()
		next.EatThreshold = *in.EatThreshold
		next.PlayThreshold = *in.PlayThreshold
		if in.CollectibleCap != nil {
			next.Cap = *in.CollectibleCap
			if next.Collectible > next.Cap {
				next.Collectible = next.Cap
			}
		}
		return &Outcome{Transition: TransitionSettings, Player: next}, nil
	})
	if err != nil {
		return Player{}, classifyError(username, err)
	}
	g.publish(outcome)
	return updated, nil
}

// History lists the player's outstanding exchanges, most recent first.
func (g *Gateway) History(ctx context.Context, username string) ([]ExchangeEvent, error) {
	username, err := normalizeUsername(username)
	if err != nil {
		return nil, err
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	p, err := g.store.LoadPlayer(ctx, username)
	if err != nil {
		return nil, classifyError(username, err)
	}
	events, err := g.store.OutstandingEvents(ctx, p.ID)
	if err != nil {
		return nil, classifyError(username, err)
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (g *Gateway) Leaderboard(ctx context.Context, limit int) ([]Player, error) {
	if limit < 1 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	players, err := g.store.TopPlayers(ctx, limit)
	if err != nil {
		return nil, classifyError("", err)
	}
	return players, nil
}
