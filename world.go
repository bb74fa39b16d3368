package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync/atomic"
	"time"
)

var ErrTickInProgress = errors.New("tick pass already running")

// RandomSource is satisfied by *rand.Rand.
type RandomSource interface {
	Float64() float64
}

// WorldClock drifts the global depth and, when a reactor is attached,
// drives the per-player pass for the same tick. It is the only writer of
// the world record.
type WorldClock struct {
	store   Store
	hub     *Hub
	reactor *Reactor
	clock   Clock
	rng     RandomSource
	cfg     GameConfig
	running atomic.Bool
}

func NewWorldClock(store Store, hub *Hub, reactor *Reactor, clock Clock, rng RandomSource, cfg GameConfig) *WorldClock {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &WorldClock{
		store:   store,
		hub:     hub,
		reactor: reactor,
		clock:   clock,
		rng:     rng,
		cfg:     cfg,
	}
}

// depthChange maps a uniform draw in [0,1) onto the random walk step.
func (c *WorldClock) depthChange(r float64) float64 {
	switch {
	case r < c.cfg.DeeperProbability:
		return c.cfg.DepthStep
	case r < c.cfg.DeeperProbability+c.cfg.ShallowerProbability:
		return -c.cfg.DepthStep
	default:
		return 0
	}
}

// Tick runs one full pass. Passes never overlap: a call made while another
// is in flight returns ErrTickInProgress without touching anything.
func (c *WorldClock) Tick(ctx context.Context) (World, error) {
	if !c.running.CompareAndSwap(false, true) {
		log.Println("Tick skipped: previous pass still running")
		return World{}, ErrTickInProgress
	}
	defer c.running.Store(false)

	change := c.depthChange(c.rng.Float64())
	now := c.clock.Now()
	world, err := c.store.AdvanceWorld(ctx, change, now)
	if err != nil {
		log.Printf("Tick failed: depth update err=%v", err)
		return World{}, err
	}
	log.Printf("Tick %d: depth=%.0f change=%+.0f observers=%d dropped=%d",
		world.Version, world.Depth, change, c.hub.Count(), c.hub.Dropped())
	c.hub.PublishDepth(world, c.clock.Now())

	if c.reactor == nil {
		return world, nil
	}
	updates, err := c.reactor.React(ctx, world)
	if err != nil {
		log.Printf("Tick %d: reactor pass incomplete: %v", world.Version, err)
	}
	if len(updates) > 0 {
		log.Printf("Tick %d: %d players updated", world.Version, len(updates))
		c.hub.PublishPlayers(updates)
	}
	return world, nil
}
