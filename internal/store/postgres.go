package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/softtalk/internal/types"
)

const (
	upsertProfileQuery = "INSERT INTO profiles (external_id, handle, data, updated_at) VALUES ($1, $2, $3, $4) " +
		"ON CONFLICT (external_id) DO UPDATE SET handle = EXCLUDED.handle, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at"
	insertMembershipQuery = "INSERT INTO memberships (owner_id, peer_id, created_at) VALUES ($1, $2, $3) " +
		"ON CONFLICT DO NOTHING"
)

// PostgresStore keeps the key space in three tables. History trimming and
// appends for one conversation are serialized with a transaction-scoped
// advisory lock on the conversation key.
type PostgresStore struct {
	conn       *sql.DB
	log        *slog.Logger
	historyCap int
}

func NewPostgresStore(ctx context.Context, logger *slog.Logger, dsn string, historyCap int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresStore{conn: db, log: logger, historyCap: normalizeCap(historyCap)}, nil
}

func (db *PostgresStore) PutProfile(ctx context.Context, externalId string, p types.Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, upsertProfileQuery, externalId, p.Handle, b, time.Now().UTC())
	return err
}

func (db *PostgresStore) GetProfile(ctx context.Context, externalId string) (types.Profile, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT data FROM profiles WHERE external_id = $1 LIMIT 1",
		externalId,
	)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Profile{}, ErrNotFound
		}
		return types.Profile{}, err
	}

	var p types.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.Profile{}, fmt.Errorf("unmarshal profile %q: %w", externalId, err)
	}
	return p, nil
}

func (db *PostgresStore) ListProfiles(ctx context.Context) ([]types.Profile, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT data FROM profiles ORDER BY handle, external_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []types.Profile
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}

		var p types.Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			db.log.Warn("store.profile.corrupt", "err", err)
			continue
		}
		profiles = append(profiles, p)
	}

	return profiles, rows.Err()
}

func (db *PostgresStore) AppendMessage(ctx context.Context, conversationKey string, m types.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1::text))", conversationKey); err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (conversation_key, data, created_at) VALUES ($1, $2, $3)",
		conversationKey, b, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE conversation_key = $1 AND id NOT IN "+
			"(SELECT id FROM messages WHERE conversation_key = $1 ORDER BY id DESC LIMIT $2)",
		conversationKey, db.historyCap,
	); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	return tx.Commit()
}

func (db *PostgresStore) ReadMessages(ctx context.Context, conversationKey string) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT data FROM messages WHERE conversation_key = $1 ORDER BY id ASC",
		conversationKey,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}

		var m types.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			db.log.Warn("store.message.corrupt", "conversation", conversationKey, "err", err)
			continue
		}
		msgs = append(msgs, m)
	}

	return msgs, rows.Err()
}

func (db *PostgresStore) AddMembership(ctx context.Context, a, b string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, insertMembershipQuery, a, b, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertMembershipQuery, b, a, now); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PostgresStore) ListMembership(ctx context.Context, id string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT peer_id FROM memberships WHERE owner_id = $1 ORDER BY peer_id",
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, err
		}
		members = append(members, peer)
	}

	return members, rows.Err()
}

func (db *PostgresStore) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PostgresStore) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
