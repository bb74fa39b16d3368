package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

type BotConfig struct {
	Username   string  `json:"username"`
	Strategy   string  `json:"strategy"`
	MinGain    float64 `json:"minGain,omitempty"`
	MaxActions int     `json:"maxActions,omitempty"`
}

type BotState struct {
	Config       BotConfig
	Joined       bool
	ActionsTaken int
}

type PlayerView struct {
	Username       string   `json:"username"`
	Collectible    float64  `json:"collectible"`
	CollectibleCap float64  `json:"collectibleCap"`
	ExchangedCount int64    `json:"exchangedCount"`
	Tokens         int64    `json:"tokens"`
	ReferenceDepth *float64 `json:"referenceDepth"`
	Alive          bool     `json:"alive"`
	EatThreshold   float64  `json:"eatThreshold"`
	PlayThreshold  float64  `json:"playThreshold"`
}

type PlayerResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	IsNew   bool        `json:"isNew,omitempty"`
	Player  *PlayerView `json:"player,omitempty"`
}

type DepthResponse struct {
	Depth      float64 `json:"depth"`
	LastUpdate string  `json:"lastUpdate"`
	ServerTime string  `json:"serverTime"`
}

type ActionResponse struct {
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Error   string  `json:"error,omitempty"`
	Gain    float64 `json:"gain,omitempty"`
}

type HistoryResponse struct {
	Success bool `json:"success"`
	History []struct {
		Depth float64 `json:"depth"`
	} `json:"history"`
}

func main() {
	_ = godotenv.Load()

	if !botsEnabled() {
		logInfo("bots disabled")
		return
	}

	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("API_BASE_URL")), "/")
	if baseURL == "" {
		logError("API_BASE_URL is required")
		os.Exit(1)
	}

	bots, err := loadBots()
	if err != nil {
		logError(fmt.Sprintf("failed to load bots: %v", err))
		os.Exit(1)
	}
	if len(bots) == 0 {
		logInfo("no bots configured")
		return
	}

	if envBool("BOT_WATCH") {
		go watchFeed(baseURL)
	}

	minDelay := parseEnvInt("BOT_RATE_LIMIT_MIN_MS", 3000)
	maxDelay := parseEnvInt("BOT_RATE_LIMIT_MAX_MS", 12000)
	rounds := parseEnvInt("BOT_ROUNDS", 1)
	actionProbability := parseEnvFloat("BOT_ACTION_PROBABILITY", 1.0)

	states := make([]*BotState, 0, len(bots))
	for _, bot := range bots {
		states = append(states, &BotState{Config: bot})
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	client := &http.Client{Timeout: 15 * time.Second}

	for round := 0; round < rounds; round++ {
		rng.Shuffle(len(states), func(i, j int) {
			states[i], states[j] = states[j], states[i]
		})

		for _, bot := range states {
			if bot.Config.MaxActions > 0 && bot.ActionsTaken >= bot.Config.MaxActions {
				continue
			}
			if rng.Float64() > actionProbability {
				continue
			}

			if !bot.Joined {
				if err := join(client, baseURL, bot); err != nil {
					logError(fmt.Sprintf("join failed for %s: %v", bot.Config.Username, err))
					continue
				}
				bot.Joined = true
			}

			player, err := fetchPlayer(client, baseURL, bot.Config.Username)
			if err != nil {
				logError(fmt.Sprintf("player fetch failed for %s: %v", bot.Config.Username, err))
				continue
			}
			if !player.Alive {
				logInfo(fmt.Sprintf("%s has flown away, skipping", bot.Config.Username))
				continue
			}

			depth, err := fetchDepth(client, baseURL)
			if err != nil {
				logError(fmt.Sprintf("depth fetch failed: %v", err))
				continue
			}

			var oldest *float64
			if player.ReferenceDepth != nil {
				oldest, err = fetchOldestExchangeDepth(client, baseURL, bot.Config.Username)
				if err != nil {
					logError(fmt.Sprintf("history fetch failed for %s: %v", bot.Config.Username, err))
					continue
				}
			}

			action := decideAction(bot, player, depth.Depth, oldest)
			switch action {
			case "exchange", "collect":
				resp, err := act(client, baseURL, "/"+action, bot.Config.Username)
				if err != nil {
					logError(fmt.Sprintf("%s failed for %s: %v", action, bot.Config.Username, err))
				} else {
					logInfo(fmt.Sprintf("%s %s: %s", bot.Config.Username, action, resp.Message))
					bot.ActionsTaken++
				}
			default:
				logInfo(fmt.Sprintf("%s noop at %.0f m", bot.Config.Username, depth.Depth))
			}

			sleepJitter(rng, minDelay, maxDelay)
		}
	}
}

func botsEnabled() bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv("BOTS_ENABLED")))
	if value == "" {
		return true
	}
	return value == "true" || value == "1" || value == "yes" || value == "on"
}

func envBool(key string) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	return value == "true" || value == "1" || value == "yes" || value == "on"
}

func loadBots() ([]BotConfig, error) {
	if raw := strings.TrimSpace(os.Getenv("BOT_LIST")); raw != "" {
		var bots []BotConfig
		if err := json.Unmarshal([]byte(raw), &bots); err != nil {
			return nil, err
		}
		return bots, nil
	}
	if raw := strings.TrimSpace(os.Getenv("BOT_LIST_PATH")); raw != "" {
		path := filepath.Clean(raw)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var bots []BotConfig
		if err := json.Unmarshal(data, &bots); err != nil {
			return nil, err
		}
		return bots, nil
	}
	return nil, nil
}

func join(client *http.Client, baseURL string, bot *BotState) error {
	var response PlayerResponse
	if err := postJSON(client, baseURL+"/join", map[string]string{"username": bot.Config.Username}, &response); err != nil {
		return err
	}
	if !response.Success {
		return errors.New(response.Error + ": " + response.Message)
	}
	if response.IsNew {
		logInfo(fmt.Sprintf("%s joined as a new serpent", bot.Config.Username))
	}
	return nil
}

func fetchPlayer(client *http.Client, baseURL string, username string) (*PlayerView, error) {
	res, err := client.Get(baseURL + "/player?username=" + url.QueryEscape(username))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var response PlayerResponse
	if err := decodeJSON(res.Body, &response); err != nil {
		return nil, err
	}
	if !response.Success || response.Player == nil {
		return nil, errors.New(response.Error)
	}
	return response.Player, nil
}

func fetchDepth(client *http.Client, baseURL string) (*DepthResponse, error) {
	res, err := client.Get(baseURL + "/api/depth")
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var response DepthResponse
	if err := decodeJSON(res.Body, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// fetchOldestExchangeDepth returns the depth of the bot's oldest outstanding
// exchange, or nil when nothing is queued.
func fetchOldestExchangeDepth(client *http.Client, baseURL string, username string) (*float64, error) {
	res, err := client.Get(baseURL + "/history/" + url.PathEscape(username))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var response HistoryResponse
	if err := decodeJSON(res.Body, &response); err != nil {
		return nil, err
	}
	if len(response.History) == 0 {
		return nil, nil
	}
	d := response.History[len(response.History)-1].Depth
	return &d, nil
}

func act(client *http.Client, baseURL string, path string, username string) (*ActionResponse, error) {
	var response ActionResponse
	if err := postJSON(client, baseURL+path, map[string]string{"username": username}, &response); err != nil {
		return nil, err
	}
	if !response.Success {
		return nil, errors.New(response.Error + ": " + response.Message)
	}
	return &response, nil
}

// decideAction mirrors the server rules closely enough to avoid requests
// that are certain to fail.
func decideAction(bot *BotState, player *PlayerView, depth float64, oldest *float64) string {
	if player.Collectible < player.CollectibleCap && oldest != nil {
		threshold := *oldest * (1 + player.EatThreshold)
		if pastThreshold(depth, threshold) {
			gain := 1 + ((depth-*oldest)/maxFloat(*oldest, 1))*2
			if bot.Config.Strategy != "patient" || gain >= minGainFor(bot) {
				return "collect"
			}
		}
	}

	if player.Collectible < 1 {
		return "noop"
	}
	shallow := player.ReferenceDepth == nil || !pastThreshold(depth, *player.ReferenceDepth*(1-player.PlayThreshold))
	if !shallow {
		return "noop"
	}
	switch bot.Config.Strategy {
	case "patient":
		// Only cash out once the pool is full.
		if player.Collectible >= player.CollectibleCap {
			return "exchange"
		}
		return "noop"
	case "eager", "":
		fallthrough
	default:
		// Keep one pearl in reserve so the serpent stays in the game.
		if player.Collectible >= 2 {
			return "exchange"
		}
		return "noop"
	}
}

// pastThreshold matches the server's comparison: a depth on the rounded
// threshold product counts as on the bound.
func pastThreshold(depth, thr float64) bool {
	slack := 1e-9 * maxFloat(1, math.Abs(thr))
	return depth > thr+slack
}

func minGainFor(bot *BotState) float64 {
	if bot.Config.MinGain > 0 {
		return bot.Config.MinGain
	}
	return 1.2
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// watchFeed tails the websocket feed and logs depth changes.
func watchFeed(baseURL string) {
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
	for {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			logError(fmt.Sprintf("feed dial failed: %v", err))
			time.Sleep(5 * time.Second)
			continue
		}
		for {
			var env struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&env); err != nil {
				logError(fmt.Sprintf("feed read failed: %v", err))
				break
			}
			if env.Type == "depth_update" {
				var d DepthResponse
				if err := json.Unmarshal(env.Data, &d); err == nil {
					logInfo(fmt.Sprintf("feed: depth %.0f m", d.Depth))
				}
			}
		}
		_ = conn.Close()
		time.Sleep(time.Second)
	}
}

func postJSON(client *http.Client, endpoint string, payload interface{}, target interface{}) error {
	body, _ := json.Marshal(payload)
	res, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return decodeJSON(res.Body, target)
}

func decodeJSON(reader io.Reader, target interface{}) error {
	return json.NewDecoder(reader).Decode(target)
}

func sleepJitter(rng *rand.Rand, minMs int, maxMs int) {
	if minMs <= 0 {
		return
	}
	if maxMs < minMs {
		maxMs = minMs
	}
	jitter := rng.Intn(maxMs-minMs+1) + minMs
	time.Sleep(time.Duration(jitter) * time.Millisecond)
}

func parseEnvInt(key string, fallback int) int {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvFloat(key string, fallback float64) float64 {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func logInfo(message string) {
	log.Println("INFO", message)
}

func logError(message string) {
	log.Println("ERROR", message)
}
