package main

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Used for local runs with
// STORE=memory and by the tests.
type MemoryStore struct {
	mu          sync.RWMutex
	world       *World
	players     map[string]*Player
	events      map[string][]ExchangeEvent
	nextEventID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players: make(map[string]*Player),
		events:  make(map[string][]ExchangeEvent),
	}
}

func (s *MemoryStore) EnsureWorld(ctx context.Context, startingDepth float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.world == nil {
		s.world = &World{Depth: math.Max(0, startingDepth), LastUpdate: time.Now().UTC()}
	}
	return nil
}

func (s *MemoryStore) LoadWorld(ctx context.Context) (World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.world == nil {
		return World{}, ErrWorldMissing
	}
	return *s.world, nil
}

func (s *MemoryStore) AdvanceWorld(ctx context.Context, change float64, at time.Time) (World, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.world == nil {
		return World{}, ErrWorldMissing
	}
	s.world.Depth = math.Max(0, s.world.Depth+change)
	s.world.LastUpdate = at
	s.world.Version++
	return *s.world, nil
}

func (s *MemoryStore) CreatePlayer(ctx context.Context, p Player) (Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[p.Username]; ok {
		return Player{}, ErrPlayerExists
	}
	stored := p.clone()
	s.players[p.Username] = &stored
	return stored.clone(), nil
}

func (s *MemoryStore) LoadPlayer(ctx context.Context, username string) (Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[username]
	if !ok {
		return Player{}, ErrPlayerNotFound
	}
	return p.clone(), nil
}

func (s *MemoryStore) ListAlivePlayers(ctx context.Context, afterUsername string, limit int) ([]Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.players))
	for name, p := range s.players {
		if p.Alive && name > afterUsername {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	out := make([]Player, 0, len(names))
	for _, name := range names {
		out = append(out, s.players[name].clone())
	}
	return out, nil
}

func (s *MemoryStore) ApplyPlayerChange(ctx context.Context, change PlayerChange) (Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.players[change.Player.Username]
	if !ok {
		return Player{}, ErrPlayerNotFound
	}
	if current.Version != change.Player.Version {
		return Player{}, ErrVersionConflict
	}

	queue := s.events[current.ID]
	if change.RedeemEventID != 0 {
		idx := -1
		for i, ev := range queue {
			if ev.ID == change.RedeemEventID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Player{}, ErrVersionConflict
		}
		queue = append(queue[:idx:idx], queue[idx+1:]...)
	}
	if change.AppendEvent != nil {
		s.nextEventID++
		ev := *change.AppendEvent
		ev.ID = s.nextEventID
		ev.PlayerID = current.ID
		queue = append(queue, ev)
	}
	s.events[current.ID] = queue

	next := change.Player.clone()
	next.ID = current.ID
	next.Username = current.Username
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	s.players[next.Username] = &next
	return next.clone(), nil
}

func (s *MemoryStore) TopPlayers(ctx context.Context, limit int) ([]Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tokens != out[j].Tokens {
			return out[i].Tokens > out[j].Tokens
		}
		if out[i].ExchangedCount != out[j].ExchangedCount {
			return out[i].ExchangedCount > out[j].ExchangedCount
		}
		return out[i].Username < out[j].Username
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) OutstandingEvents(ctx context.Context, playerID string) ([]ExchangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queue := s.events[playerID]
	out := make([]ExchangeEvent, len(queue))
	copy(out, queue)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExchangeTime.Equal(out[j].ExchangeTime) {
			return out[i].ExchangeTime.Before(out[j].ExchangeTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
