package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/avoinkirjasto/patron-auth-api/internal/models"
)

const (
	sessionKeyPrefix  = "session:"
	userSessionPrefix = "user_sessions:"
)

// SessionRepository is the server-side session registry backed by Redis.
// Access tokens carry a session id; destroying the session here is what makes
// token revocation take effect before the JWT itself expires.
type SessionRepository struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewSessionRepository constructs a session registry with the given TTL.
func NewSessionRepository(client *redis.Client, logger *zap.Logger, ttl time.Duration) *SessionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionRepository{client: client, logger: logger, ttl: ttl}
}

// Create registers a new session for the user and returns it.
func (r *SessionRepository) Create(ctx context.Context, userID, ip, userAgent string) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+session.ID, payload, r.ttl)
	pipe.SAdd(ctx, userSessionPrefix+userID, session.ID)
	pipe.Expire(ctx, userSessionPrefix+userID, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	return session, nil
}

// Exists reports whether the session is still registered.
func (r *SessionRepository) Exists(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, sessionKeyPrefix+sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("check session %s: %w", sessionID, err)
	}
	return n > 0, nil
}

// Destroy removes a session. Destroying an unknown or already-destroyed
// session is a no-op.
func (r *SessionRepository) Destroy(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	raw, err := r.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		r.logger.Warn("dropping undecodable session", zap.String("session_id", sessionID), zap.Error(err))
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+sessionID)
	if session.UserID != "" {
		pipe.SRem(ctx, userSessionPrefix+session.UserID, sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("destroy session %s: %w", sessionID, err)
	}
	return nil
}

// DestroyByUser removes every registered session of a user.
func (r *SessionRepository) DestroyByUser(ctx context.Context, userID string) error {
	ids, err := r.client.SMembers(ctx, userSessionPrefix+userID).Result()
	if err != nil {
		return fmt.Errorf("list sessions for user %s: %w", userID, err)
	}

	pipe := r.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, sessionKeyPrefix+id)
	}
	pipe.Del(ctx, userSessionPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("destroy sessions for user %s: %w", userID, err)
	}
	return nil
}
