package main

import (
	"context"
	"log"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Reactor applies the automatic transitions to every alive player once per
// tick.
type Reactor struct {
	store    Store
	rules    Rules
	clock    Clock
	updater  *playerUpdater
	pageSize int
	workers  int
}

func NewReactor(store Store, rules Rules, clock Clock, updater *playerUpdater, pageSize int, workers int) *Reactor {
	if pageSize < 1 {
		pageSize = 200
	}
	if workers < 1 {
		workers = 1
	}
	return &Reactor{
		store:    store,
		rules:    rules,
		clock:    clock,
		updater:  updater,
		pageSize: pageSize,
		workers:  workers,
	}
}

// React runs one pass against world and returns the updates of every
// player it mutated, sorted by username. A failure for one player is
// logged and skipped; a failure to list players ends the pass early and is
// returned along with whatever was already applied.
func (r *Reactor) React(ctx context.Context, world World) ([]PlayerUpdate, error) {
	var (
		mu      sync.Mutex
		updates []PlayerUpdate
		after   string
	)

	for {
		page, err := r.store.ListAlivePlayers(ctx, after, r.pageSize)
		if err != nil {
			sortUpdates(updates)
			return updates, err
		}
		if len(page) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(r.workers)
		for i := range page {
			p := page[i]
			g.Go(func() error {
				update, err := r.reactPlayer(ctx, world, p)
				if err != nil {
					log.Printf("reactor: player=%s tick=%d err=%v", p.Username, world.Version, err)
					return nil
				}
				if update != nil {
					mu.Lock()
					updates = append(updates, *update)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(page) < r.pageSize {
			break
		}
		after = page[len(page)-1].Username
	}

	sortUpdates(updates)
	return updates, nil
}

func (r *Reactor) reactPlayer(ctx context.Context, world World, p Player) (*PlayerUpdate, error) {
	_, outcome, err := r.updater.update(ctx, p.Username, &p, func(ctx context.Context, cur Player) (*Outcome, error) {
		if !cur.Alive || cur.LastTick >= world.Version {
			return nil, nil
		}
		var events []ExchangeEvent
		if cur.Collectible < cur.Cap && cur.ReferenceDepth != nil {
			var err error
			events, err = r.store.OutstandingEvents(ctx, cur.ID)
			if err != nil {
				return nil, err
			}
		}
		out := r.rules.Tick(cur, events, world.Depth, r.clock.Now())
		if out.Transition == TransitionNone {
			return nil, nil
		}
		out.Player.LastTick = world.Version
		return &out, nil
	})
	if err != nil || outcome == nil {
		return nil, err
	}
	update := newPlayerUpdate(outcome.Player, outcome.Describe())
	return &update, nil
}

func sortUpdates(updates []PlayerUpdate) {
	sort.Slice(updates, func(i, j int) bool {
		return updates[i].Username < updates[j].Username
	})
}
