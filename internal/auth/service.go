package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"nodecollab/internal/redis"
	"nodecollab/internal/storage"
)

const redisTokenPrefix = "collab:host_token:"

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// Service issues, validates, and revokes host tokens. A host token grants
// control over exactly one session.
type Service struct {
	db         *sql.DB
	driver     string
	cache      *redis.Client
	tokenTTL   time.Duration
	headerName string
}

// NewService constructs an auth service with the supplied token lifetime.
// cache may be nil.
func NewService(db *sql.DB, driver string, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:         db,
		driver:     storage.Dialect(driver),
		cache:      cache,
		tokenTTL:   ttl,
		headerName: "Authorization",
	}
}

// IssueToken mints a new random token for the session and persists it.
func (s *Service) IssueToken(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("invalid session id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			storage.Rebind(s.driver, `INSERT INTO host_tokens (token, session_id, created_at, expires_at) VALUES (?, ?, ?, ?)`),
			token, sessionID, now, expiresAt,
		)
		if err == nil {
			s.cacheToken(ctx, token, sessionID)
			return token, nil
		}
		log.Printf("issue host token attempt %d failed: %v", i+1, err)
	}
	return "", errors.New("could not issue token")
}

// ValidateToken verifies the token exists and has not expired, returning the session id.
func (s *Service) ValidateToken(ctx context.Context, hostToken string) (string, error) {
	if hostToken == "" {
		return "", ErrTokenRequired
	}
	if sessionID, ok := s.cachedToken(ctx, hostToken); ok {
		return sessionID, nil
	}
	var (
		sessionID string
		expires   time.Time
	)
	err := s.db.QueryRowContext(ctx,
		storage.Rebind(s.driver, `SELECT session_id, expires_at FROM host_tokens WHERE token = ?`), hostToken,
	).Scan(&sessionID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	if time.Now().UTC().After(expires) {
		_, _ = s.db.ExecContext(ctx, storage.Rebind(s.driver, `DELETE FROM host_tokens WHERE token = ?`), hostToken)
		return "", ErrTokenExpired
	}
	s.cacheToken(ctx, hostToken, sessionID)
	return sessionID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, hostToken string) error {
	if hostToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, storage.Rebind(s.driver, `DELETE FROM host_tokens WHERE token = ?`), hostToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.dropCached(ctx, hostToken)
	return nil
}

// RevokeSessionTokens removes all tokens belonging to the session.
func (s *Service) RevokeSessionTokens(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	var tokens []string
	if s.cache != nil {
		rows, err := s.db.QueryContext(ctx, storage.Rebind(s.driver, `SELECT token FROM host_tokens WHERE session_id = ?`), sessionID)
		if err == nil {
			for rows.Next() {
				var token string
				if rows.Scan(&token) == nil {
					tokens = append(tokens, token)
				}
			}
			rows.Close()
		}
	}
	if _, err := s.db.ExecContext(ctx, storage.Rebind(s.driver, `DELETE FROM host_tokens WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("revoke session tokens: %w", err)
	}
	s.dropCached(ctx, tokens...)
	return nil
}

func (s *Service) cacheToken(ctx context.Context, token, sessionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, redisTokenPrefix+token, sessionID, s.tokenTTL); err != nil {
		log.Printf("cache host token failed: %v", err)
	}
}

func (s *Service) cachedToken(ctx context.Context, token string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	sessionID, err := s.cache.Get(ctx, redisTokenPrefix+token)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("load cached host token failed: %v", err)
		}
		return "", false
	}
	return sessionID, sessionID != ""
}

func (s *Service) dropCached(ctx context.Context, tokens ...string) {
	if s.cache == nil || len(tokens) == 0 {
		return
	}
	keys := make([]string, len(tokens))
	for i, token := range tokens {
		keys[i] = redisTokenPrefix + token
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		log.Printf("drop cached host tokens failed: %v", err)
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
