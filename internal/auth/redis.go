package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	redisRenewalPrefix = "learnhub:renewal:"
	redisSubjectPrefix = "learnhub:renewal:subject:"
)

// consumeScript flips an active, unexpired credential to consumed and reports
// the prior state with the stored fields.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
if redis.call('EXISTS', key) == 0 then
	return {'missing'}
end
local f = redis.call('HMGET', key, 'state', 'id', 'subject_id', 'expires_at', 'created_at', 'revoked_at', 'consumed_at')
local state = f[1]
if state == 'active' and tonumber(f[4]) > now then
	redis.call('HSET', key, 'state', 'consumed', 'consumed_at', ARGV[1])
	state = 'ok'
end
return {state, f[2], f[3], f[4], f[5], f[6] or '', f[7] or ''}
`)

// restoreScript undoes a consume made at ARGV[1] when no replacement could be stored.
var restoreScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'state') == 'consumed' and redis.call('HGET', key, 'consumed_at') == ARGV[1] then
	redis.call('HSET', key, 'state', 'active')
	redis.call('HDEL', key, 'consumed_at')
	return 1
end
return 0
`)

// revokeScript revokes an active credential. Consumed ones keep their state
// so a later presentation is still recognised as a replay.
var revokeScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'state') ~= 'active' then
	return 0
end
redis.call('HSET', key, 'state', 'revoked', 'revoked_at', ARGV[1])
return 1
`)

var _ RenewalStore = (*RedisRenewalStore)(nil)

// RedisRenewalStore keeps renewal credentials as Redis hashes keyed by token
// hash, indexed per subject, and expiring with the credential.
type RedisRenewalStore struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisRenewalStore(client *redis.Client, logger *zap.Logger) *RedisRenewalStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRenewalStore{client: client, logger: logger}
}

func renewalKey(hash string) string       { return redisRenewalPrefix + hash }
func subjectKey(subjectID string) string { return redisSubjectPrefix + subjectID }

func (s *RedisRenewalStore) Create(ctx context.Context, c *RenewalCredential) error {
	if c == nil || c.TokenHash == "" || c.SubjectID == "" {
		return ErrInvalidInput
	}
	key := renewalKey(c.TokenHash)
	created, err := s.client.HSetNX(ctx, key, "state", "active").Result()
	if err != nil {
		return unavailable("redis create", err)
	}
	if !created {
		return ErrAlreadyExists
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"id", c.ID,
			"subject_id", c.SubjectID,
			"expires_at", c.ExpiresAt.UnixMilli(),
			"created_at", c.CreatedAt.UnixMilli(),
		)
		pipe.PExpireAt(ctx, key, c.ExpiresAt)
		pipe.SAdd(ctx, subjectKey(c.SubjectID), c.TokenHash)
		pipe.PExpireAt(ctx, subjectKey(c.SubjectID), c.ExpiresAt)
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, key).Err()
		return unavailable("redis create", err)
	}
	return nil
}

func (s *RedisRenewalStore) Rotate(ctx context.Context, tokenHash string, now time.Time, next RotateFunc) (RenewalCredential, error) {
	key := renewalKey(tokenHash)
	stamp := strconv.FormatInt(now.UnixMilli(), 10)
	res, err := consumeScript.Run(ctx, s.client, []string{key}, stamp).StringSlice()
	if err != nil {
		return RenewalCredential{}, unavailable("redis consume", err)
	}
	if len(res) == 0 || res[0] == "missing" {
		return RenewalCredential{}, ErrInvalidOrConsumedRenewal
	}
	old, err := decodeRenewal(tokenHash, res)
	if err != nil {
		return RenewalCredential{}, unavailable("redis consume", err)
	}

	switch res[0] {
	case "ok":
		consumedAt := now
		old.ConsumedAt = &consumedAt
	case "consumed":
		if old.ConsumedAt == nil {
			consumedAt := now
			old.ConsumedAt = &consumedAt
		}
		return old, ErrRenewalReplayed
	case "revoked":
		return old, ErrRenewalRevoked
	default:
		return old, ErrRenewalExpired
	}

	replacement, err := next(ctx, nil, old)
	if err == nil && replacement == nil {
		err = fmt.Errorf("%w: rotate produced no replacement", ErrInvalidInput)
	}
	if err == nil {
		err = s.Create(ctx, replacement)
	}
	if err != nil {
		if rerr := restoreScript.Run(ctx, s.client, []string{key}, stamp).Err(); rerr != nil {
			s.logger.Warn("restore consumed renewal credential failed",
				zap.String("token_hash", shortHash(tokenHash)), zap.Error(rerr))
		}
		return old, err
	}
	return old, nil
}

func decodeRenewal(tokenHash string, res []string) (RenewalCredential, error) {
	if len(res) < 5 {
		return RenewalCredential{}, errors.New("short consume reply")
	}
	expires, err := strconv.ParseInt(res[3], 10, 64)
	if err != nil {
		return RenewalCredential{}, fmt.Errorf("parse expires_at: %w", err)
	}
	created, err := strconv.ParseInt(res[4], 10, 64)
	if err != nil {
		return RenewalCredential{}, fmt.Errorf("parse created_at: %w", err)
	}
	c := RenewalCredential{
		ID:        res[1],
		SubjectID: res[2],
		TokenHash: tokenHash,
		ExpiresAt: time.UnixMilli(expires).UTC(),
		CreatedAt: time.UnixMilli(created).UTC(),
	}
	if len(res) > 5 && res[5] != "" {
		if ms, err := strconv.ParseInt(res[5], 10, 64); err == nil {
			revokedAt := time.UnixMilli(ms).UTC()
			c.RevokedAt = &revokedAt
		}
	}
	if len(res) > 6 && res[6] != "" {
		if ms, err := strconv.ParseInt(res[6], 10, 64); err == nil {
			consumedAt := time.UnixMilli(ms).UTC()
			c.ConsumedAt = &consumedAt
		}
	}
	return c, nil
}

func (s *RedisRenewalStore) Revoke(ctx context.Context, tokenHash string, now time.Time) error {
	stamp := strconv.FormatInt(now.UnixMilli(), 10)
	if err := revokeScript.Run(ctx, s.client, []string{renewalKey(tokenHash)}, stamp).Err(); err != nil {
		return unavailable("redis revoke", err)
	}
	return nil
}

func (s *RedisRenewalStore) RevokeSubject(ctx context.Context, subjectID string, now time.Time) (int, error) {
	hashes, err := s.client.SMembers(ctx, subjectKey(subjectID)).Result()
	if err != nil {
		return 0, unavailable("redis revoke subject", err)
	}
	stamp := strconv.FormatInt(now.UnixMilli(), 10)
	n := 0
	for _, hash := range hashes {
		revoked, err := revokeScript.Run(ctx, s.client, []string{renewalKey(hash)}, stamp).Int()
		if err != nil {
			return n, unavailable("redis revoke subject", err)
		}
		n += revoked
	}
	return n, nil
}

// PurgeExpired prunes subject index entries whose credential key has expired.
// The credential hashes themselves expire through their key TTL.
func (s *RedisRenewalStore) PurgeExpired(ctx context.Context, _ time.Time) (int, error) {
	var (
		cursor uint64
		pruned int
	)
	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, redisSubjectPrefix+"*", 100).Result()
		if err != nil {
			return pruned, unavailable("redis purge", err)
		}
		for _, sk := range keys {
			n, err := s.pruneSubject(ctx, sk)
			if err != nil {
				return pruned, err
			}
			pruned += n
		}
		cursor = nextCursor
		if cursor == 0 {
			return pruned, nil
		}
	}
}

func (s *RedisRenewalStore) pruneSubject(ctx context.Context, sk string) (int, error) {
	if !strings.HasPrefix(sk, redisSubjectPrefix) {
		return 0, nil
	}
	hashes, err := s.client.SMembers(ctx, sk).Result()
	if err != nil {
		return 0, unavailable("redis purge", err)
	}
	n := 0
	for _, hash := range hashes {
		exists, err := s.client.Exists(ctx, renewalKey(hash)).Result()
		if err != nil {
			return n, unavailable("redis purge", err)
		}
		if exists == 0 {
			if err := s.client.SRem(ctx, sk, hash).Err(); err != nil {
				return n, unavailable("redis purge", err)
			}
			n++
		}
	}
	return n, nil
}
