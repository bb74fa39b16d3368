package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

const clockAdvisoryLockID int64 = 824173922

type PostgresStore struct {
	db *sql.DB
}

func OpenPostgresStore(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Println("Connected to PostgreSQL")

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS game_state (
			id INTEGER PRIMARY KEY DEFAULT 1,
			current_depth DOUBLE PRECISION NOT NULL DEFAULT 500,
			last_update TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT one_row CHECK (id = 1)
		);
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		ALTER TABLE game_state
			ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0;
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS players (
			player_id TEXT PRIMARY KEY,
			username VARCHAR(50) UNIQUE NOT NULL,
			pearls DOUBLE PRECISION NOT NULL DEFAULT 50,
			lost_pearls BIGINT NOT NULL DEFAULT 0,
			coins BIGINT NOT NULL DEFAULT 0,
			last_loss_depth DOUBLE PRECISION,
			alive BOOLEAN NOT NULL DEFAULT TRUE,
			start_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			death_time TIMESTAMPTZ,
			eat_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.005,
			play_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.05,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		ALTER TABLE players
			ADD COLUMN IF NOT EXISTS pearl_cap DOUBLE PRECISION NOT NULL DEFAULT 50;
	`)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		ALTER TABLE players
			ADD COLUMN IF NOT EXISTS last_tick BIGINT NOT NULL DEFAULT 0;
	`)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		ALTER TABLE players
			ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 0;
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS players_alive_username_idx
			ON players (username) WHERE alive;
	`)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS players_coins_idx
			ON players (coins DESC, lost_pearls DESC, username ASC);
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS exchange_events (
			id BIGSERIAL PRIMARY KEY,
			player_id TEXT NOT NULL REFERENCES players(player_id),
			username VARCHAR(50) NOT NULL,
			depth DOUBLE PRECISION NOT NULL,
			exchange_time TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS exchange_events_player_time_idx
			ON exchange_events (player_id, exchange_time, id);
	`)
	return err
}

// acquireClockLock takes a session-level advisory lock so that only one
// instance drives the world clock. The returned conn must stay open for as
// long as the lock is needed.
func (s *PostgresStore) acquireClockLock(ctx context.Context) (*sql.Conn, bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, clockAdvisoryLockID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	return conn, true, nil
}

func (s *PostgresStore) EnsureWorld(ctx context.Context, startingDepth float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO game_state (id, current_depth, last_update, version)
		VALUES (1, GREATEST(0, $1), NOW(), 0)
		ON CONFLICT (id) DO NOTHING
	`, startingDepth)
	return storeErr(err)
}

func (s *PostgresStore) LoadWorld(ctx context.Context) (World, error) {
	var w World
	err := s.db.QueryRowContext(ctx, `
		SELECT current_depth, last_update, version
		FROM game_state
		WHERE id = 1
	`).Scan(&w.Depth, &w.LastUpdate, &w.Version)
	if err == sql.ErrNoRows {
		return World{}, ErrWorldMissing
	}
	if err != nil {
		return World{}, storeErr(err)
	}
	w.LastUpdate = w.LastUpdate.UTC()
	return w, nil
}

func (s *PostgresStore) AdvanceWorld(ctx context.Context, change float64, at time.Time) (World, error) {
	var w World
	err := s.db.QueryRowContext(ctx, `
		UPDATE game_state
		SET current_depth = GREATEST(0, current_depth + $1),
			last_update = $2,
			version = version + 1
		WHERE id = 1
		RETURNING current_depth, last_update, version
	`, change, at).Scan(&w.Depth, &w.LastUpdate, &w.Version)
	if err == sql.ErrNoRows {
		return World{}, ErrWorldMissing
	}
	if err != nil {
		return World{}, storeErr(err)
	}
	w.LastUpdate = w.LastUpdate.UTC()
	return w, nil
}

const playerColumns = `
	player_id, username, pearls, pearl_cap, lost_pearls, coins, last_loss_depth,
	alive, death_time, eat_threshold, play_threshold, created_at, start_time,
	last_tick, version
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlayer(row rowScanner) (Player, error) {
	var p Player
	var refDepth sql.NullFloat64
	var deathTime sql.NullTime
	if err := row.Scan(
		&p.ID,
		&p.Username,
		&p.Collectible,
		&p.Cap,
		&p.ExchangedCount,
		&p.Tokens,
		&refDepth,
		&p.Alive,
		&deathTime,
		&p.EatThreshold,
		&p.PlayThreshold,
		&p.CreatedAt,
		&p.StartTime,
		&p.LastTick,
		&p.Version,
	); err != nil {
		return Player{}, err
	}
	if refDepth.Valid {
		d := refDepth.Float64
		p.ReferenceDepth = &d
	}
	if deathTime.Valid {
		t := deathTime.Time.UTC()
		p.DeathTime = &t
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.StartTime = p.StartTime.UTC()
	return p, nil
}

func (s *PostgresStore) CreatePlayer(ctx context.Context, p Player) (Player, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO players (
			player_id, username, pearls, pearl_cap, lost_pearls, coins, last_loss_depth,
			alive, death_time, eat_threshold, play_threshold, created_at, start_time,
			last_tick, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 0)
		RETURNING `+playerColumns,
		p.ID, p.Username, p.Collectible, p.Cap, p.ExchangedCount, p.Tokens,
		nullFloat(p.ReferenceDepth), p.Alive, nullTime(p.DeathTime),
		p.EatThreshold, p.PlayThreshold, p.CreatedAt, p.StartTime, p.LastTick,
	)
	created, err := scanPlayer(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return Player{}, ErrPlayerExists
		}
		return Player{}, storeErr(err)
	}
	return created, nil
}

func (s *PostgresStore) LoadPlayer(ctx context.Context, username string) (Player, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+playerColumns+` FROM players WHERE username = $1`, username)
	p, err := scanPlayer(row)
	if err == sql.ErrNoRows {
		return Player{}, ErrPlayerNotFound
	}
	if err != nil {
		return Player{}, storeErr(err)
	}
	return p, nil
}

func (s *PostgresStore) ListAlivePlayers(ctx context.Context, afterUsername string, limit int) ([]Player, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+playerColumns+`
		FROM players
		WHERE alive AND username > $1
		ORDER BY username ASC
		LIMIT $2
	`, afterUsername, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	return collectPlayers(rows)
}

func (s *PostgresStore) TopPlayers(ctx context.Context, limit int) ([]Player, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+playerColumns+`
		FROM players
		ORDER BY coins DESC, lost_pearls DESC, username ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	return collectPlayers(rows)
}

func collectPlayers(rows *sql.Rows) ([]Player, error) {
	players := []Player{}
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return players, nil
}

func (s *PostgresStore) ApplyPlayerChange(ctx context.Context, change PlayerChange) (Player, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Player{}, storeErr(err)
	}
	defer tx.Rollback()

	p := change.Player
	row := tx.QueryRowContext(ctx, `
		UPDATE players
		SET pearls = $3,
			pearl_cap = $4,
			lost_pearls = $5,
			coins = $6,
			last_loss_depth = $7,
			alive = $8,
			death_time = $9,
			eat_threshold = $10,
			play_threshold = $11,
			last_tick = $12,
			version = version + 1
		WHERE username = $1 AND version = $2
		RETURNING `+playerColumns,
		p.Username, p.Version, p.Collectible, p.Cap, p.ExchangedCount, p.Tokens,
		nullFloat(p.ReferenceDepth), p.Alive, nullTime(p.DeathTime),
		p.EatThreshold, p.PlayThreshold, p.LastTick,
	)
	updated, err := scanPlayer(row)
	if err == sql.ErrNoRows {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM players WHERE username = $1)`, p.Username).Scan(&exists); err != nil {
			return Player{}, storeErr(err)
		}
		if !exists {
			return Player{}, ErrPlayerNotFound
		}
		return Player{}, ErrVersionConflict
	}
	if err != nil {
		return Player{}, storeErr(err)
	}

	if change.RedeemEventID != 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM exchange_events
			WHERE id = $1 AND player_id = $2
		`, change.RedeemEventID, updated.ID)
		if err != nil {
			return Player{}, storeErr(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return Player{}, storeErr(err)
		} else if n == 0 {
			return Player{}, ErrVersionConflict
		}
	}

	if ev := change.AppendEvent; ev != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO exchange_events (player_id, username, depth, exchange_time)
			VALUES ($1, $2, $3, $4)
		`, updated.ID, updated.Username, ev.Depth, ev.ExchangeTime); err != nil {
			return Player{}, storeErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Player{}, storeErr(err)
	}
	return updated, nil
}

func (s *PostgresStore) OutstandingEvents(ctx context.Context, playerID string) ([]ExchangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, player_id, username, depth, exchange_time
		FROM exchange_events
		WHERE player_id = $1
		ORDER BY exchange_time ASC, id ASC
	`, playerID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	events := []ExchangeEvent{}
	for rows.Next() {
		var ev ExchangeEvent
		if err := rows.Scan(&ev.ID, &ev.PlayerID, &ev.Username, &ev.Depth, &ev.ExchangeTime); err != nil {
			return nil, storeErr(err)
		}
		ev.ExchangeTime = ev.ExchangeTime.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return events, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// storeErr tags driver and connection failures so callers can tell them
// apart from domain outcomes.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
