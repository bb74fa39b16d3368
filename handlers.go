package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"
)

type ActionRequest struct {
	Username string `json:"username"`
}

type ActionResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Error   string      `json:"error,omitempty"`
	Gain    float64     `json:"gain,omitempty"`
	Player  *PlayerView `json:"player,omitempty"`
}

type JoinResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Error   string      `json:"error,omitempty"`
	IsNew   bool        `json:"isNew"`
	Player  *PlayerView `json:"player,omitempty"`
}

type PlayerResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Player  *PlayerView `json:"player,omitempty"`
}

type HistoryItem struct {
	ID           int64   `json:"id"`
	Username     string  `json:"username"`
	Depth        float64 `json:"depth"`
	ExchangeTime string  `json:"exchangeTime"`
}

type HistoryResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
	History []HistoryItem `json:"history"`
}

// App bundles what the HTTP routes need.
type App struct {
	Gateway    *Gateway
	Hub        *Hub
	Clock      Clock
	SSEEnabled bool
}

func registerRoutes(mux *http.ServeMux, app *App) {
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/api/depth", depthHandler(app))
	mux.HandleFunc("/join", joinHandler(app.Gateway))
	mux.HandleFunc("/player", playerHandler(app.Gateway))
	mux.HandleFunc("/collect", collectHandler(app.Gateway))
	mux.HandleFunc("/exchange", exchangeHandler(app.Gateway))
	mux.HandleFunc("/settings", settingsHandler(app.Gateway))
	mux.HandleFunc("/history/", historyHandler(app.Gateway))
	mux.HandleFunc("/leaderboard", leaderboardHandler(app.Gateway))
	mux.HandleFunc("/ws", wsHandler(app))
	if app.SSEEnabled {
		mux.HandleFunc("/events", eventsHandler(app))
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("response encode failed:", err)
	}
}

// failure turns a gateway error into its wire code, message and status.
// Expected outcomes answer 200; transient trouble answers 503.
func failure(err error) (string, string, int) {
	var actionErr *ActionError
	if !errors.As(err, &actionErr) {
		return string(KindStoreUnavailable), "internal error", http.StatusInternalServerError
	}
	status := http.StatusOK
	if actionErr.Transient() {
		status = http.StatusServiceUnavailable
		// The client went away; nothing is wrong on our side.
		if !errors.Is(actionErr, context.Canceled) {
			log.Println("action failed:", actionErr)
		}
	}
	return actionErr.Code(), actionErr.Message, status
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	return decoder.Decode(target)
}

func depthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		world, err := app.Gateway.World(r.Context())
		if err != nil {
			code, msg, _ := failure(err)
			writeJSON(w, http.StatusServiceUnavailable, ActionResponse{Success: false, Message: msg, Error: code})
			return
		}
		writeJSON(w, http.StatusOK, newDepthUpdate(world, app.Clock.Now()))
	}
}

func joinHandler(g *Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req ActionRequest
		if err := decodeRequest(w, r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, JoinResponse{Success: false, Message: "malformed request", Error: "INVALID_REQUEST"})
			return
		}

		player, isNew, err := g.Join(r.Context(), req.Username)
		if err != nil {
			code, msg, status := failure(err)
			writeJSON(w, status, JoinResponse{Success: false, Message: msg, Error: code})
			return
		}
		msg := "welcome back, " + player.Username
		if isNew {
			msg = "welcome, " + player.Username + "! your water serpent is ready to dive"
			log.Printf("Player joined: username=%s id=%s", player.Username, player.ID)
		}
		writeJSON(w, http.StatusOK, JoinResponse{Success: true, Message: msg, IsNew: isNew, Player: viewPlayer(player)})
	}
}

func playerHandler(g *Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		player, err := g.Player(r.Context(), r.URL.Query().Get("username"))
		if err != nil {
			code, msg, status := failure(err)
			writeJSON(w, status, PlayerResponse{Success: false, Message: msg, Error: code})
			return
		}
		writeJSON(w, http.StatusOK, PlayerResponse{Success: true, Player: viewPlayer(player)})
	}
}

func actionHandler(run func(r *http.Request, username string) (ActionResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req ActionRequest
		if err := decodeRequest(w, r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "malformed request", Error: "INVALID_REQUEST"})
			return
		}

		result, err := run(r, req.Username)
		if err != nil {
			code, msg, status := failure(err)
			writeJSON(w, status, ActionResponse{Success: false, Message: msg, Error: code})
			return
		}
		writeJSON(w, http.StatusOK, ActionResponse{
			Success: true,
			Message: result.Message,
			Gain:    result.Gain,
			Player:  viewPlayer(result.Player),
		})
	}
}

func collectHandler(g *Gateway) http.HandlerFunc {
	return actionHandler(func(r *http.Request, username string) (ActionResult, error) {
		return g.Collect(r.Context(), username)
	})
}

func exchangeHandler(g *Gateway) http.HandlerFunc {
	return actionHandler(func(r *http.Request, username string) (ActionResult, error) {
		return g.Exchange(r.Context(), username)
	})
}

func historyHandler(g *Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		username := strings.TrimPrefix(r.URL.Path, "/history/")
		events, err := g.History(r.Context(), username)
		if err != nil {
			code, msg, status := failure(err)
			writeJSON(w, status, HistoryResponse{Success: false, Message: msg, Error: code, History: []HistoryItem{}})
			return
		}

		items := make([]HistoryItem, 0, len(events))
		for _, ev := range events {
			items = append(items, HistoryItem{
				ID:           ev.ID,
				Username:     ev.Username,
				Depth:        ev.Depth,
				ExchangeTime: ev.ExchangeTime.UTC().Format(time.RFC3339),
			})
		}
		writeJSON(w, http.StatusOK, HistoryResponse{Success: true, History: items})
	}
}
