// Package store persists bridge state that must survive restarts: opaque
// account data blobs and admin-room ownership.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed persistence layer.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store on the given pool.
func New(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("component", "store")),
	}
}

// AccountData returns the key/value pairs stored for objectID. A missing
// object yields an empty map.
func (s *Store) AccountData(ctx context.Context, objectID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM account_data WHERE object_id = $1`, objectID)
	if err != nil {
		return nil, fmt.Errorf("query account data: %w", err)
	}
	defer rows.Close()

	data := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan account data: %w", err)
		}
		data[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read account data: %w", err)
	}
	return data, nil
}

// SetAccountData replaces the stored pairs for objectID wholesale.
func (s *Store) SetAccountData(ctx context.Context, objectID string, data map[string]string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM account_data WHERE object_id = $1`, objectID); err != nil {
			return fmt.Errorf("clear account data: %w", err)
		}
		for key, value := range data {
			if _, err := tx.Exec(ctx,
				`INSERT INTO account_data (object_id, key, value) VALUES ($1, $2, $3)`,
				objectID, key, value); err != nil {
				return fmt.Errorf("insert account data: %w", err)
			}
		}
		return nil
	})
}

// UpsertAdminRoom records roomID as the admin room owned by owner.
func (s *Store) UpsertAdminRoom(ctx context.Context, roomID, owner string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO admin_rooms (room_id, owner) VALUES ($1, $2)
		 ON CONFLICT (room_id) DO UPDATE SET owner = EXCLUDED.owner`,
		roomID, owner)
	if err != nil {
		return fmt.Errorf("upsert admin room: %w", err)
	}
	return nil
}

// DeleteAdminRoom removes the admin-room record for roomID.
func (s *Store) DeleteAdminRoom(ctx context.Context, roomID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM admin_rooms WHERE room_id = $1`, roomID)
	if err != nil {
		return fmt.Errorf("delete admin room: %w", err)
	}
	return nil
}

// AdminRooms returns all persisted admin rooms as roomID -> owner.
func (s *Store) AdminRooms(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT room_id, owner FROM admin_rooms`)
	if err != nil {
		return nil, fmt.Errorf("query admin rooms: %w", err)
	}
	defer rows.Close()

	rooms := map[string]string{}
	for rows.Next() {
		var roomID, owner string
		if err := rows.Scan(&roomID, &owner); err != nil {
			return nil, fmt.Errorf("scan admin room: %w", err)
		}
		rooms[roomID] = owner
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read admin rooms: %w", err)
	}
	return rooms, nil
}
