package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// JoinCodes reserves join codes in Redis so several host processes sharing
// one Redis never advertise the same code. Reservations expire after ttl in
// case a host dies without releasing.
type JoinCodes struct {
	client *redis.Client
	ttl    time.Duration
}

func NewJoinCodes(client *redis.Client, ttl time.Duration) *JoinCodes {
	return &JoinCodes{client: client, ttl: ttl}
}

func (j *JoinCodes) Reserve(ctx context.Context, code, sessionID string) (bool, error) {
	ok, err := j.client.SetNX(ctx, j.key(code), sessionID, j.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	owner, err := j.client.Get(ctx, j.key(code)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return j.client.SetNX(ctx, j.key(code), sessionID, j.ttl).Result()
	}
	if err != nil {
		return false, err
	}
	return owner == sessionID, nil
}

func (j *JoinCodes) Release(ctx context.Context, code string) error {
	return j.client.Del(ctx, j.key(code)).Err()
}

// Owner returns the session holding code, if any.
func (j *JoinCodes) Owner(ctx context.Context, code string) (string, bool, error) {
	owner, err := j.client.Get(ctx, j.key(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

func (j *JoinCodes) key(code string) string {
	return "quizlive:joincode:" + code
}
