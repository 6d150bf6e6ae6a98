// Package store archives finished matches to PostgreSQL. Entirely optional:
// the engine sees it only through the GameRecorder interface and a nil
// recorder disables it.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/partygo/internal/game"
)

// Archive wraps a pgx connection pool for match persistence.
type Archive struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL, applies migrations and returns an Archive.
func Open(ctx context.Context, dsn string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := RunMigrations(ctx, dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &Archive{pool: pool}, nil
}

// Close closes the connection pool.
func (a *Archive) Close() {
	a.pool.Close()
}

// RecordMatch stores the final snapshot and its player roster in one
// transaction. Implements game.GameRecorder.
func (a *Archive) RecordMatch(ctx context.Context, final game.State) error {
	snapshot, err := json.Marshal(final)
	if err != nil {
		return fmt.Errorf("marshalling final state: %w", err)
	}

	tx, err := a.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var matchID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO matches (status, snapshot) VALUES ($1, $2) RETURNING id`,
		final.Status, snapshot,
	).Scan(&matchID)
	if err != nil {
		return fmt.Errorf("inserting match: %w", err)
	}

	for _, p := range final.Players {
		_, err := tx.Exec(ctx,
			`INSERT INTO match_players (match_id, player_id, name, avatar, connected)
			 VALUES ($1, $2, $3, $4, $5)`,
			matchID, p.ID, p.Name, p.Avatar, p.Connected,
		)
		if err != nil {
			return fmt.Errorf("inserting player %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing match %d: %w", matchID, err)
	}

	slog.Info("match archived", "matchId", matchID, "players", len(final.Players))
	return nil
}
