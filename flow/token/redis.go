package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisManager stores tokens in Redis so several driver processes can
// share one token namespace.
//
// Layout:
//   - stepflow:token:<tok>     JSON token record, TTL = expiry + grace
//   - stepflow:tokexec:<exec>  set of token strings for the execution
//
// Redis TTL handles physical cleanup; Status transitions are written
// back into the record so a token's history stays queryable until the
// TTL fires. The grace window keeps expired records readable long
// enough for Validate to report "expired" rather than "not found".
type RedisManager struct {
	client *redis.Client
	now    func() int64
}

const (
	tokenKeyPrefix = "stepflow:token:"
	execKeyPrefix  = "stepflow:tokexec:"

	// expiredGrace keeps an expired record around for status queries.
	expiredGrace = 24 * time.Hour
)

// NewRedisManager creates a manager over an existing client.
func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{
		client: client,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Generate mints a new active token.
func (r *RedisManager) Generate(ctx context.Context, executionID, stepID string, opts *GenerateOptions) (*Token, error) {
	t := &Token{
		Token:       uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		Status:      StatusActive,
		CreatedAt:   r.now(),
	}
	var ttl time.Duration
	if opts != nil {
		if opts.ExpiresInMS > 0 {
			t.ExpiresAt = t.CreatedAt + opts.ExpiresInMS
			ttl = time.Duration(opts.ExpiresInMS)*time.Millisecond + expiredGrace
		}
		t.Metadata = opts.Metadata
	}

	if err := r.put(ctx, t, ttl); err != nil {
		return nil, err
	}
	if err := r.client.SAdd(ctx, execKeyPrefix+executionID, t.Token).Err(); err != nil {
		return nil, fmt.Errorf("failed to index token: %w", err)
	}
	return t, nil
}

// Get returns the token record.
func (r *RedisManager) Get(ctx context.Context, tok string) (*Token, error) {
	data, err := r.client.Get(ctx, tokenKeyPrefix+tok).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	r.lapse(&t)
	return &t, nil
}

// Validate checks whether the token can be presented right now.
func (r *RedisManager) Validate(ctx context.Context, tok string) (*Validation, error) {
	t, err := r.Get(ctx, tok)
	if errors.Is(err, ErrNotFound) {
		return &Validation{Valid: false, Reason: "not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case StatusActive:
		return &Validation{Valid: true}, nil
	case StatusExpired:
		return &Validation{Valid: false, Reason: "expired"}, nil
	case StatusUsed:
		return &Validation{Valid: false, Reason: "already used"}, nil
	default:
		return &Validation{Valid: false, Reason: "revoked"}, nil
	}
}

// MarkUsed transitions the token to used.
func (r *RedisManager) MarkUsed(ctx context.Context, tok string) error {
	return r.transition(ctx, tok, StatusUsed)
}

// Revoke transitions the token to revoked.
func (r *RedisManager) Revoke(ctx context.Context, tok string) error {
	return r.transition(ctx, tok, StatusRevoked)
}

// ListByExecution returns every token bound to an execution. Tokens
// whose record has already been reaped by TTL are dropped from the
// index as a side effect.
func (r *RedisManager) ListByExecution(ctx context.Context, executionID string) ([]*Token, error) {
	members, err := r.client.SMembers(ctx, execKeyPrefix+executionID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	var out []*Token
	for _, tok := range members {
		t, err := r.Get(ctx, tok)
		if errors.Is(err, ErrNotFound) {
			r.client.SRem(ctx, execKeyPrefix+executionID, tok)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// CleanupExpired scans the token keyspace and marks lapsed active
// tokens expired, counting only the tokens it transitions this pass.
// Physical deletion is left to Redis TTLs.
func (r *RedisManager) CleanupExpired(ctx context.Context) (int, error) {
	count := 0
	now := r.now()
	iter := r.client.Scan(ctx, 0, tokenKeyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		tok := iter.Val()[len(tokenKeyPrefix):]
		data, err := r.client.Get(ctx, tokenKeyPrefix+tok).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return count, fmt.Errorf("failed to load token: %w", err)
		}
		var t Token
		if err := json.Unmarshal(data, &t); err != nil {
			return count, fmt.Errorf("failed to decode token: %w", err)
		}
		// Persisted status, not the lapsed view: records already written
		// as expired were counted by an earlier pass.
		if t.Status != StatusActive || t.ExpiresAt == 0 || now <= t.ExpiresAt {
			continue
		}
		if err := r.transition(ctx, tok, StatusExpired); err != nil && !errors.Is(err, ErrNotFound) {
			return count, err
		}
		count++
	}
	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("token scan failed: %w", err)
	}
	return count, nil
}

func (r *RedisManager) transition(ctx context.Context, tok string, status Status) error {
	key := tokenKeyPrefix + tok
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to decode token: %w", err)
	}
	t.Status = status

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read token ttl: %w", err)
	}
	if ttl < 0 {
		ttl = 0 // no expiry
	}
	return r.put(ctx, &t, ttl)
}

func (r *RedisManager) put(ctx context.Context, t *Token, ttl time.Duration) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := r.client.Set(ctx, tokenKeyPrefix+t.Token, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// lapse flips an active token to expired when its deadline has passed.
func (r *RedisManager) lapse(t *Token) {
	if t.Status == StatusActive && t.ExpiresAt > 0 && r.now() > t.ExpiresAt {
		t.Status = StatusExpired
	}
}
