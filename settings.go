package main

import (
	"net/http"
)

type SettingsResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Error   string      `json:"error,omitempty"`
	Player  *PlayerView `json:"player,omitempty"`
}

func settingsHandler(g *Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req SettingsInput
		if err := decodeRequest(w, r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, SettingsResponse{Success: false, Message: "malformed request", Error: "INVALID_REQUEST"})
			return
		}

		player, err := g.UpdateSettings(r.Context(), req)
		if err != nil {
			code, msg, status := failure(err)
			writeJSON(w, status, SettingsResponse{Success: false, Message: msg, Error: code})
			return
		}
		writeJSON(w, http.StatusOK, SettingsResponse{Success: true, Message: "settings saved", Player: viewPlayer(player)})
	}
}
