package main

import (
	"net/http"
	"strconv"
)

type LeaderboardEntry struct {
	Rank           int     `json:"rank"`
	Username       string  `json:"username"`
	Tokens         int64   `json:"tokens"`
	ExchangedCount int64   `json:"exchangedCount"`
	Collectible    float64 `json:"collectible"`
	Alive          bool    `json:"alive"`
}

type LeaderboardResponse struct {
	Success bool               `json:"success"`
	Message string             `json:"message,omitempty"`
	Error   string             `json:"error,omitempty"`
	Limit   int                `json:"limit"`
	Results []LeaderboardEntry `json:"results"`
}

func leaderboardHandler(g *Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		limit := parsePositiveInt(r.URL.Query().Get("limit"), defaultLeaderboardLimit)
		if limit > maxLeaderboardLimit {
			limit = maxLeaderboardLimit
		}

		players, err := g.Leaderboard(r.Context(), limit)
		if err != nil {
			code, msg, status := failure(err)
			writeJSON(w, status, LeaderboardResponse{Success: false, Message: msg, Error: code, Limit: limit, Results: []LeaderboardEntry{}})
			return
		}

		results := make([]LeaderboardEntry, 0, len(players))
		for i, p := range players {
			results = append(results, LeaderboardEntry{
				Rank:           i + 1,
				Username:       p.Username,
				Tokens:         p.Tokens,
				ExchangedCount: p.ExchangedCount,
				Collectible:    p.Collectible,
				Alive:          p.Alive,
			})
		}
		writeJSON(w, http.StatusOK, LeaderboardResponse{Success: true, Limit: limit, Results: results})
	}
}

func parsePositiveInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}
