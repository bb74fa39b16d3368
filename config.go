package main

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// GameConfig holds the tuning values. It can be loaded from a YAML file
// and overridden per field from the environment.
type GameConfig struct {
	StartingDepth        float64 `yaml:"starting_depth"`
	DepthStep            float64 `yaml:"depth_step"`
	DeeperProbability    float64 `yaml:"deeper_probability"`
	ShallowerProbability float64 `yaml:"shallower_probability"`
	CollectibleCap       float64 `yaml:"collectible_cap"`
	StartingCollectible  float64 `yaml:"starting_collectible"`
	EatThreshold         float64 `yaml:"eat_threshold"`
	PlayThreshold        float64 `yaml:"play_threshold"`
	GainMultiplier       float64 `yaml:"gain_multiplier"`
}

type ServerConfig struct {
	Env             string
	Port            string
	DatabaseURL     string
	StoreDriver     string
	TickInterval    time.Duration
	ActionTimeout   time.Duration
	ConflictRetries int
	// LeaderRetryInterval is how often a follower retries the clock lock.
	LeaderRetryInterval time.Duration
	ReactorPageSize     int
	ReactorWorkers      int
	ReactorEnabled      bool
	SSEEnabled          bool
	Game                GameConfig
}

func defaultGameConfig() GameConfig {
	return GameConfig{
		StartingDepth:        500,
		DepthStep:            50,
		DeeperProbability:    0.17,
		ShallowerProbability: 0.17,
		CollectibleCap:       50,
		StartingCollectible:  50,
		EatThreshold:         0.005,
		PlayThreshold:        0.05,
		GainMultiplier:       2,
	}
}

func LoadConfig() (ServerConfig, error) {
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	cfg := ServerConfig{
		Env:                 envString("APP_ENV", "local"),
		Port:                envString("PORT", "8080"),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		StoreDriver:         strings.ToLower(envString("STORE", "postgres")),
		TickInterval:        parseEnvDuration("TICK_INTERVAL", 10*time.Second),
		ActionTimeout:       parseEnvDuration("ACTION_TIMEOUT", 5*time.Second),
		ConflictRetries:     parseEnvInt("CONFLICT_RETRIES", 5),
		LeaderRetryInterval: parseEnvDuration("LEADER_RETRY_INTERVAL", 15*time.Second),
		ReactorPageSize:     parseEnvInt("REACTOR_PAGE_SIZE", 200),
		ReactorWorkers:      parseEnvInt("REACTOR_WORKERS", 8),
		ReactorEnabled:      envFlag("ENABLE_REACTOR", true),
		SSEEnabled:          envFlag("ENABLE_SSE", true),
		Game:                defaultGameConfig(),
	}

	if path := strings.TrimSpace(os.Getenv("GAME_CONFIG_PATH")); path != "" {
		game, err := loadGameConfigFile(path, cfg.Game)
		if err != nil {
			return cfg, err
		}
		cfg.Game = game
		log.Println("Loaded game tuning from", path)
	}
	cfg.Game = applyGameEnv(cfg.Game)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadGameConfigFile decodes path over base, so fields absent from the
// file keep their defaults.
func loadGameConfigFile(path string, base GameConfig) (GameConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read game config: %w", err)
	}
	out := base
	if err := yaml.Unmarshal(data, &out); err != nil {
		return base, fmt.Errorf("parse game config: %w", err)
	}
	return out, nil
}

func applyGameEnv(g GameConfig) GameConfig {
	g.StartingDepth = parseEnvFloat("STARTING_DEPTH", g.StartingDepth)
	g.DepthStep = parseEnvFloat("DEPTH_STEP", g.DepthStep)
	g.DeeperProbability = parseEnvFloat("DEEPER_PROBABILITY", g.DeeperProbability)
	g.ShallowerProbability = parseEnvFloat("SHALLOWER_PROBABILITY", g.ShallowerProbability)
	g.CollectibleCap = parseEnvFloat("COLLECTIBLE_CAP", g.CollectibleCap)
	g.StartingCollectible = parseEnvFloat("STARTING_COLLECTIBLE", g.StartingCollectible)
	g.EatThreshold = parseEnvFloat("EAT_THRESHOLD", g.EatThreshold)
	g.PlayThreshold = parseEnvFloat("PLAY_THRESHOLD", g.PlayThreshold)
	g.GainMultiplier = parseEnvFloat("GAIN_MULTIPLIER", g.GainMultiplier)
	return g
}

func (c ServerConfig) Validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is not set")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported STORE: %s", c.StoreDriver)
	}
	if c.TickInterval <= 0 {
		return errors.New("TICK_INTERVAL must be positive")
	}
	if c.ActionTimeout <= 0 {
		return errors.New("ACTION_TIMEOUT must be positive")
	}
	if c.LeaderRetryInterval <= 0 {
		return errors.New("LEADER_RETRY_INTERVAL must be positive")
	}
	if c.ConflictRetries < 1 {
		return errors.New("CONFLICT_RETRIES must be at least 1")
	}
	if c.ReactorPageSize < 1 || c.ReactorWorkers < 1 {
		return errors.New("REACTOR_PAGE_SIZE and REACTOR_WORKERS must be at least 1")
	}
	return c.Game.Validate()
}

func (g GameConfig) Validate() error {
	for name, v := range map[string]float64{
		"starting_depth":        g.StartingDepth,
		"depth_step":            g.DepthStep,
		"collectible_cap":       g.CollectibleCap,
		"starting_collectible":  g.StartingCollectible,
		"gain_multiplier":       g.GainMultiplier,
		"deeper_probability":    g.DeeperProbability,
		"shallower_probability": g.ShallowerProbability,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%s must be a non-negative number", name)
		}
	}
	if g.CollectibleCap < 1 {
		return errors.New("collectible_cap must be at least 1")
	}
	if g.StartingCollectible > g.CollectibleCap {
		return errors.New("starting_collectible exceeds collectible_cap")
	}
	if g.DeeperProbability+g.ShallowerProbability > 1 {
		return errors.New("deeper_probability + shallower_probability exceeds 1")
	}
	if !validFraction(g.EatThreshold) || !validFraction(g.PlayThreshold) {
		return errors.New("eat_threshold and play_threshold must be within [0,1]")
	}
	return nil
}

func validFraction(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

func envString(name string, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func envFlag(name string, fallback bool) bool {
	val := os.Getenv(name)
	if val == "" {
		return fallback
	}
	parsed, err := parseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
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

func parseEnvDuration(key string, fallback time.Duration) time.Duration {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, strconv.ErrSyntax
	}
}
