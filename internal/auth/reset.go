package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

var ErrTokenInvalid = errors.New("reset token invalid or expired")

const resetTokenTTL = time.Hour

// ResetTokenStore keeps single-use password reset tokens in Redis. The TTL
// bounds the token lifetime; requesting a new token invalidates any previous
// one for the same user.
type ResetTokenStore struct {
	client *redis.Client
}

func NewResetTokenStore(client *redis.Client) *ResetTokenStore {
	return &ResetTokenStore{client: client}
}

func tokenKey(token string) string { return "pwreset:token:" + token }
func userKey(userID string) string { return "pwreset:user:" + userID }

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *ResetTokenStore) Create(ctx context.Context, userID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	prev, err := s.client.Get(ctx, userKey(userID)).Result()
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("lookup previous token: %w", err)
	}
	if prev != "" {
		if err := s.client.Del(ctx, tokenKey(prev)).Err(); err != nil {
			return "", fmt.Errorf("invalidate previous token: %w", err)
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tokenKey(token), userID, resetTokenTTL)
	pipe.Set(ctx, userKey(userID), token, resetTokenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}

	return token, nil
}

// Consume resolves a token to its user and deletes it, so a token can only be
// redeemed once.
func (s *ResetTokenStore) Consume(ctx context.Context, token string) (string, error) {
	userID, err := s.client.Get(ctx, tokenKey(token)).Result()
	if err == redis.Nil {
		return "", ErrTokenInvalid
	}
	if err != nil {
		return "", err
	}

	deleted, err := s.client.Del(ctx, tokenKey(token)).Result()
	if err != nil {
		return "", err
	}
	if deleted == 0 {
		// Another confirm raced us to the delete.
		return "", ErrTokenInvalid
	}
	_ = s.client.Del(ctx, userKey(userID)).Err()

	return userID, nil
}
