package main

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	EventDepthUpdate    = "depth_update"
	EventPlayersUpdated = "players_updated"
)

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type DepthUpdate struct {
	Depth      float64 `json:"depth"`
	LastUpdate string  `json:"lastUpdate"`
	ServerTime string  `json:"serverTime"`
}

type PlayerUpdate struct {
	Username          string  `json:"username"`
	Collectible       float64 `json:"collectible"`
	ExchangedCount    int64   `json:"exchangedCount"`
	Tokens            int64   `json:"tokens"`
	Alive             bool    `json:"alive"`
	ActionDescription string  `json:"actionDescription"`
}

func newPlayerUpdate(p Player, description string) PlayerUpdate {
	return PlayerUpdate{
		Username:          p.Username,
		Collectible:       p.Collectible,
		ExchangedCount:    p.ExchangedCount,
		Tokens:            p.Tokens,
		Alive:             p.Alive,
		ActionDescription: description,
	}
}

func newDepthUpdate(w World, now time.Time) DepthUpdate {
	return DepthUpdate{
		Depth:      w.Depth,
		LastUpdate: w.LastUpdate.UTC().Format(time.RFC3339),
		ServerTime: now.UTC().Format(time.RFC3339),
	}
}

// Message is one encoded envelope together with its type.
type Message struct {
	Type string
	Body []byte
}

type Subscriber struct {
	send chan Message
}

// C yields published messages. It is closed on unsubscribe.
func (s *Subscriber) C() <-chan Message { return s.send }

// Hub fans envelopes out to every subscriber. Slow subscribers drop
// messages instead of holding up the publisher.
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	buffer  int
	dropped atomic.Int64
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{subs: make(map[*Subscriber]struct{}), buffer: buffer}
}

func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{send: make(chan Message, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func encodeEnvelope(eventType string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: eventType, Data: data})
}

func (h *Hub) Publish(eventType string, v interface{}) {
	body, err := encodeEnvelope(eventType, v)
	if err != nil {
		log.Printf("broadcast encode failed: type=%s err=%v", eventType, err)
		return
	}
	out := Message{Type: eventType, Body: body}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- out:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) PublishDepth(w World, now time.Time) {
	h.Publish(EventDepthUpdate, newDepthUpdate(w, now))
}

// PublishPlayers sends one batched message for all updates.
func (h *Hub) PublishPlayers(updates []PlayerUpdate) {
	if len(updates) == 0 {
		return
	}
	h.Publish(EventPlayersUpdated, updates)
}
