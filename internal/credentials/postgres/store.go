package postgres

import (
	"context"
	"errors"

	"qms/reception-service/internal/credentials"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionProvider hands out the newest unexpired auth session of one desk
// user as the bearer token.
type SessionProvider struct {
	pool   *pgxpool.Pool
	userID string
}

func NewSessionProvider(pool *pgxpool.Pool, userID string) *SessionProvider {
	return &SessionProvider{pool: pool, userID: userID}
}

func (p *SessionProvider) Token(ctx context.Context) (string, error) {
	if p.userID == "" {
		return "", credentials.ErrNoToken
	}
	var sessionID string
	row := p.pool.QueryRow(ctx, `
		SELECT session_id
		FROM sessions
		WHERE user_id = $1 AND expires_at > NOW()
		ORDER BY expires_at DESC
		LIMIT 1
	`, p.userID)
	if err := row.Scan(&sessionID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", credentials.ErrNoToken
		}
		return "", err
	}
	return sessionID, nil
}

// Sessions verifies desk callers against the same sessions table.
type Sessions struct {
	pool *pgxpool.Pool
}

func NewSessions(pool *pgxpool.Pool) *Sessions {
	return &Sessions{pool: pool}
}

func (s *Sessions) Verify(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", credentials.ErrInvalidSession
	}
	var userID string
	row := s.pool.QueryRow(ctx, `
		SELECT user_id
		FROM sessions
		WHERE session_id = $1 AND expires_at > NOW()
	`, sessionID)
	if err := row.Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", credentials.ErrInvalidSession
		}
		return "", err
	}
	return userID, nil
}
