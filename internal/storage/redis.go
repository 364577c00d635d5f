package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andyleap/bioauth/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps pending challenges and issued sessions in redis,
// letting key TTLs do the expiry.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{
		client: client,
	}
}

func challengeKey(userID string) string {
	return fmt.Sprintf("pending_challenge:%s", userID)
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func (r *RedisStorage) SavePendingChallenge(ctx context.Context, userID string, challenge *models.PendingChallenge) error {
	data, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal pending challenge: %w", err)
	}

	var ttl time.Duration
	if !challenge.ExpiresAt.IsZero() {
		ttl = time.Until(challenge.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("challenge already expired")
		}
	}

	if err := r.client.Set(ctx, challengeKey(userID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save pending challenge: %w", err)
	}

	return nil
}

func (r *RedisStorage) GetPendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	return decodeChallenge(r.client.Get(ctx, challengeKey(userID)).Result())
}

// TakePendingChallenge reads and deletes the slot with a single GETDEL.
func (r *RedisStorage) TakePendingChallenge(ctx context.Context, userID string) (*models.PendingChallenge, error) {
	return decodeChallenge(r.client.GetDel(ctx, challengeKey(userID)).Result())
}

func decodeChallenge(data string, err error) (*models.PendingChallenge, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending challenge: %w", err)
	}

	var challenge models.PendingChallenge
	if err := json.Unmarshal([]byte(data), &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending challenge: %w", err)
	}

	return &challenge, nil
}

func (r *RedisStorage) ClearPendingChallenge(ctx context.Context, userID string) error {
	return r.client.Del(ctx, challengeKey(userID)).Err()
}

func (r *RedisStorage) SaveSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}

	if err := r.client.Set(ctx, sessionKey(session.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

func (r *RedisStorage) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	key := sessionKey(sessionID)

	data, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	if session.Expired(time.Now()) {
		r.client.Del(ctx, key)
		return nil, nil
	}

	return &session, nil
}

func (r *RedisStorage) DeleteSession(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, sessionKey(sessionID)).Err()
}
