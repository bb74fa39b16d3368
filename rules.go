package main

import (
	"fmt"
	"math"
	"time"
)

type Transition string

const (
	TransitionNone     Transition = ""
	TransitionCollect  Transition = "collect"
	TransitionExchange Transition = "exchange"
	TransitionSettings Transition = "settings"
)

// Rules holds the tuning shared by the reactor and the gateway so both
// apply identical formulas.
type Rules struct {
	GainMultiplier float64
}

// Outcome is the result of one transition applied to a player snapshot.
type Outcome struct {
	Transition Transition
	Player     Player
	Depth      float64
	Gain       float64
	Redeemed   *ExchangeEvent
	Appended   *ExchangeEvent
	Died       bool
}

func (o Outcome) change() PlayerChange {
	c := PlayerChange{Player: o.Player, AppendEvent: o.Appended}
	if o.Redeemed != nil {
		c.RedeemEventID = o.Redeemed.ID
	}
	return c
}

// collectThreshold is the depth an exchange made at eventDepth must be
// exceeded by before it can be redeemed.
func collectThreshold(eventDepth, eatThreshold float64) float64 {
	return eventDepth * (1 + eatThreshold)
}

// shallowThreshold is the depth at or above which a new exchange is allowed.
func shallowThreshold(referenceDepth, playThreshold float64) float64 {
	return referenceDepth * (1 - playThreshold)
}

// thresholdSlack is the rounding allowance for a threshold product, so a
// depth exactly on ref*(1±t) compares as the bound it reads as.
func thresholdSlack(thr float64) float64 {
	return 1e-9 * math.Max(1, math.Abs(thr))
}

// pastThreshold reports whether depth is strictly beyond thr.
func pastThreshold(depth, thr float64) bool {
	return depth > thr+thresholdSlack(thr)
}

// oldestRedeemable returns the first queued event (queue is oldest first)
// whose depth the current depth has moved far enough past.
func oldestRedeemable(events []ExchangeEvent, eatThreshold, depth float64) (ExchangeEvent, bool) {
	for _, ev := range events {
		if pastThreshold(depth, collectThreshold(ev.Depth, eatThreshold)) {
			return ev, true
		}
	}
	return ExchangeEvent{}, false
}

// Gain returns the pearls earned by redeeming an exchange made at
// eventDepth while the world sits at depth. An exchange at the surface is
// measured against one meter.
func (r Rules) Gain(eventDepth, depth float64) float64 {
	base := math.Max(eventDepth, 1)
	bonus := (depth - eventDepth) / base
	return 1 + bonus*r.GainMultiplier
}

// shallowEnough reports whether depth permits an exchange for p.
func shallowEnough(p Player, depth float64) bool {
	if p.ReferenceDepth == nil {
		return true
	}
	return !pastThreshold(depth, shallowThreshold(*p.ReferenceDepth, p.PlayThreshold))
}

func (r Rules) applyCollect(p Player, ev ExchangeEvent, depth float64) Outcome {
	next := p.clone()
	gain := r.Gain(ev.Depth, depth)
	next.Collectible = math.Min(next.Cap, next.Collectible+gain)
	redeemed := ev
	return Outcome{
		Transition: TransitionCollect,
		Player:     next,
		Depth:      depth,
		Gain:       gain,
		Redeemed:   &redeemed,
	}
}

func (r Rules) applyExchange(p Player, depth float64, now time.Time) Outcome {
	next := p.clone()
	next.Collectible--
	next.ExchangedCount++
	next.Tokens++
	ref := depth
	next.ReferenceDepth = &ref

	died := false
	if next.Collectible <= 0 {
		next.Collectible = 0
		next.Alive = false
		at := now
		next.DeathTime = &at
		died = true
	}
	return Outcome{
		Transition: TransitionExchange,
		Player:     next,
		Depth:      depth,
		Appended: &ExchangeEvent{
			PlayerID:     p.ID,
			Username:     p.Username,
			Depth:        depth,
			ExchangeTime: now,
		},
		Died: died,
	}
}

// Tick evaluates the automatic transitions for one player in priority
// order. At most one transition applies.
func (r Rules) Tick(p Player, events []ExchangeEvent, depth float64, now time.Time) Outcome {
	if !p.Alive {
		return Outcome{Player: p}
	}
	if p.Collectible < p.Cap {
		if ev, ok := oldestRedeemable(events, p.EatThreshold, depth); ok {
			return r.applyCollect(p, ev, depth)
		}
	}
	if p.Collectible >= p.Cap && shallowEnough(p, depth) {
		return r.applyExchange(p, depth, now)
	}
	return Outcome{Player: p}
}

// ManualCollect checks the collect preconditions in order and applies the
// transition when they hold.
func (r Rules) ManualCollect(p Player, events []ExchangeEvent, depth float64) (Outcome, error) {
	if !p.Alive {
		return Outcome{}, preconditionFailed(ReasonDead, "the serpent has already flown away")
	}
	if p.Collectible >= p.Cap {
		return Outcome{}, preconditionFailed(ReasonAtCap, fmt.Sprintf("pearls are already at the cap (%.1f)", p.Cap))
	}
	if p.ReferenceDepth == nil || len(events) == 0 {
		return Outcome{}, preconditionFailed(ReasonNoReference, "no outstanding exchange to collect against")
	}
	ev, ok := oldestRedeemable(events, p.EatThreshold, depth)
	if !ok {
		oldest := events[0]
		return Outcome{}, preconditionFailed(ReasonTooShallow, fmt.Sprintf(
			"depth %.0f m must exceed %.1f m", depth, collectThreshold(oldest.Depth, p.EatThreshold)))
	}
	return r.applyCollect(p, ev, depth), nil
}

// ManualExchange checks the exchange preconditions in order and applies the
// transition when they hold.
func (r Rules) ManualExchange(p Player, depth float64, now time.Time) (Outcome, error) {
	if !p.Alive {
		return Outcome{}, preconditionFailed(ReasonDead, "the serpent has already flown away")
	}
	if p.Collectible < 1 {
		return Outcome{}, preconditionFailed(ReasonInsufficientCollectible, "not enough pearls to exchange")
	}
	if !shallowEnough(p, depth) {
		return Outcome{}, preconditionFailed(ReasonTooDeep, fmt.Sprintf(
			"depth %.0f m must be at most %.1f m", depth, shallowThreshold(*p.ReferenceDepth, p.PlayThreshold)))
	}
	return r.applyExchange(p, depth, now), nil
}

// Describe renders the human-readable line carried in player updates.
func (o Outcome) Describe() string {
	switch o.Transition {
	case TransitionCollect:
		return fmt.Sprintf("collected a pearl at %.0f m (+%.2f)", o.Depth, o.Gain)
	case TransitionExchange:
		if o.Died {
			return fmt.Sprintf("exchanged the last pearl at %.0f m and flew away with the chest", o.Depth)
		}
		return fmt.Sprintf("exchanged a pearl for a coin at %.0f m", o.Depth)
	case TransitionSettings:
		return "updated settings"
	}
	return ""
}
