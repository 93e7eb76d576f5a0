package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var ErrEmailTaken = errors.New("email already registered")

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, user.ID, user.Email, user.PasswordHash).Scan(&user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// RevokeToken records jti until expiresAt and drops revocations that have
// already lapsed.
func (s *PostgresStore) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		WITH lapsed AS (
			DELETE FROM revoked_access_tokens WHERE expires_at <= NOW()
		)
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// InsertDecision appends a decision; the database assigns created_at and seq.
func (s *PostgresStore) InsertDecision(ctx context.Context, decision Decision) (Decision, error) {
	pros, err := encodeItems(decision.Pros)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal pros: %w", err)
	}
	cons, err := encodeItems(decision.Cons)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal cons: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO decisions (id, owner_id, question, pros, cons)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
		RETURNING created_at, seq
	`, decision.ID, decision.OwnerID, decision.Question, pros, cons).Scan(&decision.CreatedAt, &decision.Seq)
	if err != nil {
		return Decision{}, fmt.Errorf("insert decision: %w", err)
	}
	return decision, nil
}

// ListRecentDecisions returns up to limit decisions of ownerID, newest first.
func (s *PostgresStore) ListRecentDecisions(ctx context.Context, ownerID string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = RecentDecisionLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, question, pros, cons, created_at, seq
		FROM decisions
		WHERE owner_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent decisions: %w", err)
	}
	defer rows.Close()

	items := make([]Decision, 0, limit)
	for rows.Next() {
		var item Decision
		var prosRaw, consRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.OwnerID,
			&item.Question,
			&prosRaw,
			&consRaw,
			&item.CreatedAt,
			&item.Seq,
		); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if err := json.Unmarshal(prosRaw, &item.Pros); err != nil {
			return nil, fmt.Errorf("decode pros of %s: %w", item.ID, err)
		}
		if err := json.Unmarshal(consRaw, &item.Cons); err != nil {
			return nil, fmt.Errorf("decode cons of %s: %w", item.ID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func encodeItems(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
