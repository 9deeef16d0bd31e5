package services

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/models"
)

// SessionService mints and validates the short-lived tokens the mini-app
// uses for SSE access. The control-plane HMAC scheme needs a shared secret,
// which a browser cannot hold, so the app exchanges one HMAC-signed request
// for a bearer token scoped to the event stream.
type SessionService struct {
	db  *sql.DB
	ttl time.Duration
}

// NewSessionService creates a new SessionService with the given token TTL.
func NewSessionService(client *database.Client, ttl time.Duration) *SessionService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SessionService{db: client.DB(), ttl: ttl}
}

// Create mints a session token for the given subject.
func (s *SessionService) Create(httpCtx context.Context, subject string) (*models.UserSession, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO user_sessions (token, subject, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		RETURNING token, subject, created_at, expires_at`,
		token, subject, fmt.Sprintf("%d seconds", int(s.ttl.Seconds())),
	)
	var sess models.UserSession
	if err := row.Scan(&sess.Token, &sess.Subject, &sess.CreatedAt, &sess.ExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &sess, nil
}

// Validate returns the session for a token, or ErrNotFound when the token is
// unknown or expired.
func (s *SessionService) Validate(ctx context.Context, token string) (*models.UserSession, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT token, subject, created_at, expires_at
		FROM user_sessions WHERE token = $1 AND expires_at > now()`,
		token,
	)
	var sess models.UserSession
	err := row.Scan(&sess.Token, &sess.Subject, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to validate session: %w", err)
	}
	return &sess, nil
}

// Revoke deletes a session token.
func (s *SessionService) Revoke(httpCtx context.Context, token string) error {
	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// SweepExpired deletes expired sessions. Called by the retention loop.
func (s *SessionService) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	return res.RowsAffected()
}
