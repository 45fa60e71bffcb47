package token

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kovelo/authgate/internal"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusRevoked  int64 = 1
	rotateStatusRotated  int64 = 2
)

// rotateRefreshScript is the single atomic transition of rotation-on-use:
// mark the presented token revoked and write its successor's metadata in one
// step. Exactly one concurrent caller observes revoked=0 and wins; every
// other caller sees revoked=1 and, via replaced_by, whether revocation came
// from rotation (reuse signal) or an explicit revoke.
const rotateRefreshScript = `
local revoked = redis.call("HGET", KEYS[1], "revoked")
if not revoked then
  return {0}
end
if revoked == "1" then
  return {1, redis.call("HGET", KEYS[1], "replaced_by") or ""}
end

redis.call("HSET", KEYS[1], "revoked", "1", "replaced_by", ARGV[1], "last_used_at", ARGV[2])
redis.call("HSET", KEYS[2],
  "uid", ARGV[4],
  "sid", ARGV[5],
  "created_at", ARGV[2],
  "last_used_at", ARGV[2],
  "revoked", "0",
  "replaced_by", "",
  "ip", ARGV[6],
  "ua", ARGV[7])
redis.call("PEXPIRE", KEYS[2], ARGV[3])
redis.call("SADD", KEYS[3], ARGV[1])
redis.call("PEXPIRE", KEYS[3], ARGV[3])
return {2}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

const revokeRefreshScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  redis.call("HSET", KEYS[1], "revoked", "1")
  return 1
end
return 0
`

var revokeRefreshLua = redis.NewScript(revokeRefreshScript)

const revokeChainScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local revoked = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  if redis.call("EXISTS", key) == 1 then
    redis.call("HSET", key, "revoked", "1")
    revoked = revoked + 1
  end
end
redis.call("DEL", KEYS[1])
return revoked
`

var revokeChainLua = redis.NewScript(revokeChainScript)

// Metadata is the server-side record of one refresh token. The revoked flag
// is monotonic: once set it is never cleared for the life of the record.
type Metadata struct {
	RefreshID  string
	UserID     string
	SessionID  string
	CreatedAt  time.Time
	LastUsedAt time.Time
	Revoked    bool
	ReplacedBy string
	IP         string
	UserAgent  string
}

// Store persists refresh-token metadata and the access-token blacklist in
// Redis. Revocation checks FAIL CLOSED: when Redis is unreachable the caller
// gets an error, never a silent pass.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a refresh metadata [Store] under the given key prefix.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) refreshKey(refreshID string) string {
	return s.prefix + ":refresh:" + refreshID
}

func (s *Store) chainKey(sessionID string) string {
	return s.prefix + ":chain:" + sessionID
}

func (s *Store) blacklistKey(tokenStr string) string {
	sum := internal.HashValue(tokenStr)
	return s.prefix + ":blacklist:" + hex.EncodeToString(sum[:])
}

// Save writes the metadata of a freshly issued refresh token and indexes it
// in the session's chain set.
func (s *Store) Save(ctx context.Context, meta *Metadata, ttl time.Duration) error {
	key := s.refreshKey(meta.RefreshID)
	chain := s.chainKey(meta.SessionID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"uid", meta.UserID,
			"sid", meta.SessionID,
			"created_at", meta.CreatedAt.Unix(),
			"last_used_at", meta.CreatedAt.Unix(),
			"revoked", "0",
			"replaced_by", "",
			"ip", meta.IP,
			"ua", meta.UserAgent,
		)
		pipe.Expire(ctx, key, ttl)
		pipe.SAdd(ctx, chain, meta.RefreshID)
		pipe.Expire(ctx, chain, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get returns the metadata of a refresh token.
func (s *Store) Get(ctx context.Context, refreshID string) (*Metadata, error) {
	fields, err := s.redis.HGetAll(ctx, s.refreshKey(refreshID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrRefreshNotFound
	}
	return metadataFromFields(refreshID, fields), nil
}

// Rotate performs the atomic rotation transition. On success the successor's
// metadata exists and the presented token is revoked. The returned error
// distinguishes reuse of an already-rotated token (ErrRefreshReuse) from an
// explicitly revoked one (ErrRefreshRevoked).
func (s *Store) Rotate(ctx context.Context, old, successor *Metadata, ttl time.Duration) error {
	now := time.Now().Unix()
	result, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.refreshKey(old.RefreshID), s.refreshKey(successor.RefreshID), s.chainKey(old.SessionID)},
		successor.RefreshID,
		now,
		ttl.Milliseconds(),
		successor.UserID,
		successor.SessionID,
		successor.IP,
		successor.UserAgent,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return ErrRefreshNotFound
	case rotateStatusRevoked:
		if len(parts) > 1 {
			if replacedBy, _ := parts[1].(string); replacedBy != "" {
				return ErrRefreshReuse
			}
		}
		return ErrRefreshRevoked
	case rotateStatusRotated:
		return nil
	default:
		return fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

// Revoke marks a single refresh token revoked. Revoking a missing or
// already-revoked token is not an error.
func (s *Store) Revoke(ctx context.Context, refreshID string) error {
	if err := revokeRefreshLua.Run(ctx, s.redis, []string{s.refreshKey(refreshID)}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RevokeChain revokes every refresh token ever issued in a session's
// rotation chain and drops the chain index. Returns the number of tokens
// whose metadata was still live.
func (s *Store) RevokeChain(ctx context.Context, sessionID string) (int, error) {
	count, err := revokeChainLua.Run(
		ctx,
		s.redis,
		[]string{s.chainKey(sessionID)},
		s.prefix+":refresh:",
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(count), nil
}

// Blacklist records a token string as rejected for the given TTL. Used on
// logout so still-valid access tokens die with the session.
func (s *Store) Blacklist(ctx context.Context, tokenStr string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.redis.Set(ctx, s.blacklistKey(tokenStr), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// IsBlacklisted reports whether a token string was explicitly rejected.
// On backend failure it returns true with the error: blacklist checks fail
// closed.
func (s *Store) IsBlacklisted(ctx context.Context, tokenStr string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.blacklistKey(tokenStr)).Result()
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n > 0, nil
}

func metadataFromFields(refreshID string, fields map[string]string) *Metadata {
	meta := &Metadata{
		RefreshID:  refreshID,
		UserID:     fields["uid"],
		SessionID:  fields["sid"],
		Revoked:    fields["revoked"] == "1",
		ReplacedBy: fields["replaced_by"],
		IP:         fields["ip"],
		UserAgent:  fields["ua"],
	}
	if v, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		meta.CreatedAt = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(fields["last_used_at"], 10, 64); err == nil {
		meta.LastUsedAt = time.Unix(v, 0)
	}
	return meta
}
