package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"
)

const hubBuffer = 64

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}
	log.Println("App environment:", cfg.Env)
	log.Println("Store:", cfg.StoreDriver, "tick interval:", cfg.TickInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, leader, lockConn, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to initialize store: ", err)
	}
	defer store.Close()
	if lockConn != nil {
		defer lockConn.Close()
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = store.EnsureWorld(initCtx, cfg.Game.StartingDepth)
	if err == nil {
		var world World
		world, err = store.LoadWorld(initCtx)
		if err == nil {
			log.Printf("World ready: depth=%.0f version=%d", world.Depth, world.Version)
		}
	}
	cancel()
	if err != nil {
		log.Fatal("Failed to initialize world record: ", err)
	}

	clock := RealClock{}
	hub := NewHub(hubBuffer)
	rules := Rules{GainMultiplier: cfg.Game.GainMultiplier}
	updater := newPlayerUpdater(store, cfg.ConflictRetries)
	gateway := NewGateway(store, hub, rules, clock, cfg.Game, updater, cfg.ActionTimeout)

	startClock := func() {
		var reactor *Reactor
		if cfg.ReactorEnabled {
			reactor = NewReactor(store, rules, clock, updater, cfg.ReactorPageSize, cfg.ReactorWorkers)
		} else {
			log.Println("Reactor disabled; transitions are action-driven only")
		}
		worldClock := NewWorldClock(store, hub, reactor, clock, rand.New(rand.NewSource(time.Now().UnixNano())), cfg.Game)
		startTickLoop(ctx, worldClock, cfg.TickInterval)
	}

	if leader {
		startClock()
	} else if pg, ok := store.(*PostgresStore); ok {
		log.Println("Clock lock held by another instance; serving actions only")
		go func() {
			var conn *sql.Conn
			acquired := awaitLeadership(ctx, cfg.LeaderRetryInterval, func(ctx context.Context) (bool, error) {
				c, ok, err := pg.acquireClockLock(ctx)
				conn = c
				return ok, err
			})
			if !acquired {
				return
			}
			defer conn.Close()
			log.Println("Clock lock acquired; taking over the world clock")
			startClock()
			<-ctx.Done()
		}()
	}

	mux := http.NewServeMux()
	registerRoutes(mux, &App{
		Gateway:    gateway,
		Hub:        hub,
		Clock:      clock,
		SSEEnabled: cfg.SSEEnabled,
	})

	addr := "0.0.0.0:" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Println("Listening on", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server failed: ", err)
	}
	log.Println("Server stopped")
}

// openStore returns the configured store, whether this instance should run
// the clock and, for Postgres, the connection holding the clock lock.
func openStore(ctx context.Context, cfg ServerConfig) (Store, bool, *sql.Conn, error) {
	if cfg.StoreDriver == "memory" {
		log.Println("WARN: in-memory store, state is lost on restart")
		return NewMemoryStore(), true, nil, nil
	}

	pg, err := OpenPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, false, nil, err
	}
	conn, acquired, err := pg.acquireClockLock(ctx)
	if err != nil {
		_ = pg.Close()
		return nil, false, nil, err
	}
	if acquired {
		log.Println("Clock lock acquired; this instance drives the world clock")
	}
	return pg, acquired, conn, nil
}
