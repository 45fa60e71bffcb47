package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSessionNotFound is returned when a session ID resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRedisUnavailable indicates the registry backend is unreachable.
	// Session validation fails CLOSED on this error.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrSessionLimitReached is returned by RegisterLimited when the user is
	// at the session cap and eviction is disabled.
	ErrSessionLimitReached = errors.New("session limit reached")
)

// ReasonSuperseded marks sessions revoked because single-session mode
// admitted a newer login.
const ReasonSuperseded = "superseded"

// ReasonEvicted marks sessions revoked to make room under a session cap.
const ReasonEvicted = "evicted"

// registerExclusiveScript admits a new session while revoking every other
// live session of the user in the same atomic step. Without this, two racing
// single-session logins could each evict the other's record and both
// survive.
const registerExclusiveScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local evicted = 0
for _, sid in ipairs(ids) do
  if sid ~= ARGV[4] then
    local key = ARGV[1] .. sid
    local data = redis.call("GET", key)
    if data then
      local ok, sess = pcall(cjson.decode, data)
      if ok and sess["status"] == "ACTIVE" then
        sess["status"] = "REVOKED"
        sess["logout_reason"] = ARGV[2]
        sess["logout_time"] = tonumber(ARGV[3])
        local ttl = redis.call("PTTL", key)
        if ttl > 0 then
          redis.call("SET", key, cjson.encode(sess), "PX", ttl)
        end
        evicted = evicted + 1
      end
    else
      redis.call("SREM", KEYS[1], sid)
    end
  end
end

redis.call("SET", ARGV[1] .. ARGV[4], ARGV[5], "PX", tonumber(ARGV[6]))
redis.call("SADD", KEYS[1], ARGV[4])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[6]))
return evicted
`

var registerExclusiveLua = redis.NewScript(registerExclusiveScript)

// registerLimitedScript enforces the session cap and admits the new session
// in one atomic step. Counting in a separate round trip would let two racing
// logins both observe room under the cap and both register. Returns {"LIMIT"}
// when the cap is hit and eviction is off, otherwise {"OK", evicted...}.
const registerLimitedScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local active = {}
for _, sid in ipairs(ids) do
  if sid ~= ARGV[4] then
    local key = ARGV[1] .. sid
    local data = redis.call("GET", key)
    if data then
      local ok, sess = pcall(cjson.decode, data)
      if ok and sess["status"] == "ACTIVE" then
        active[#active + 1] = {sid, tonumber(sess["issued_at"]) or 0, sess, key}
      end
    else
      redis.call("SREM", KEYS[1], sid)
    end
  end
end

local max = tonumber(ARGV[7])
local evicted = {}
if #active >= max then
  if ARGV[8] ~= "1" then
    return {"LIMIT"}
  end
  table.sort(active, function(a, b) return a[2] < b[2] end)
  for i = 1, #active - max + 1 do
    local sess = active[i][3]
    sess["status"] = "REVOKED"
    sess["logout_reason"] = ARGV[2]
    sess["logout_time"] = tonumber(ARGV[3])
    local ttl = redis.call("PTTL", active[i][4])
    if ttl > 0 then
      redis.call("SET", active[i][4], cjson.encode(sess), "PX", ttl)
    end
    evicted[#evicted + 1] = active[i][1]
  end
end

redis.call("SET", ARGV[1] .. ARGV[4], ARGV[5], "PX", tonumber(ARGV[6]))
redis.call("SADD", KEYS[1], ARGV[4])
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[6]))
local out = {"OK"}
for i, sid in ipairs(evicted) do out[i + 1] = sid end
return out
`

var registerLimitedLua = redis.NewScript(registerLimitedScript)

// terminateScript moves a live session into a terminal status. The check and
// the rewrite happen in one step so a concurrent Touch cannot interleave and
// write the record back ACTIVE afterwards.
const terminateScript = `
local data = redis.call("GET", KEYS[1])
if not data then return 0 end
local ok, sess = pcall(cjson.decode, data)
if not ok then return 0 end
if sess["status"] ~= "ACTIVE" then return 0 end
sess["status"] = ARGV[1]
sess["logout_reason"] = ARGV[2]
sess["logout_time"] = tonumber(ARGV[3])
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then return 0 end
redis.call("SET", KEYS[1], cjson.encode(sess), "PX", ttl)
return 1
`

var terminateLua = redis.NewScript(terminateScript)

// touchScript slides a live session's expiry. Terminal records are left
// untouched: sliding them would resurrect a revoked session with fresh TTL.
const touchScript = `
local data = redis.call("GET", KEYS[1])
if not data then return 0 end
local ok, sess = pcall(cjson.decode, data)
if not ok then return 0 end
if sess["status"] ~= "ACTIVE" then return 0 end
sess["last_activity_at"] = tonumber(ARGV[1])
sess["expires_at"] = tonumber(ARGV[2])
redis.call("SET", KEYS[1], cjson.encode(sess), "PX", tonumber(ARGV[3]))
return 1
`

var touchLua = redis.NewScript(touchScript)

// Registry is the Redis-backed session registry.
type Registry struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRegistry creates a session [Registry] under the given key prefix.
func NewRegistry(redisClient redis.UniversalClient, prefix string) *Registry {
	return &Registry{redis: redisClient, prefix: prefix}
}

func (r *Registry) sessionKey(sessionID string) string {
	return r.prefix + ":sess:" + sessionID
}

func (r *Registry) sessionKeyPrefix() string {
	return r.prefix + ":sess:"
}

func (r *Registry) userKey(userID string) string {
	return r.prefix + ":user:" + userID
}

// Register persists a new session and indexes it for its user. The caller is
// responsible for having enforced the concurrency policy first; for
// single-session mode use [Registry.RegisterExclusive] instead.
func (r *Registry) Register(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}

	_, err = r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(sess.SessionID), data, ttl)
		pipe.SAdd(ctx, r.userKey(sess.UserID), sess.SessionID)
		pipe.Expire(ctx, r.userKey(sess.UserID), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RegisterExclusive persists a new session and atomically revokes every
// other live session of the same user with reason "superseded". Returns the
// number of sessions evicted.
func (r *Registry) RegisterExclusive(ctx context.Context, sess *Session, ttl time.Duration) (int, error) {
	data, err := Encode(sess)
	if err != nil {
		return 0, err
	}

	evicted, err := registerExclusiveLua.Run(
		ctx,
		r.redis,
		[]string{r.userKey(sess.UserID)},
		r.sessionKeyPrefix(),
		ReasonSuperseded,
		time.Now().Unix(),
		sess.SessionID,
		data,
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(evicted), nil
}

// RegisterLimited persists a new session while holding the user under
// maxSessions live sessions, all in one atomic step. With evictOldest the
// oldest live sessions are revoked with reason "evicted" to make room;
// without it the registration is refused with ErrSessionLimitReached once
// the cap is reached. Returns the session IDs evicted.
func (r *Registry) RegisterLimited(ctx context.Context, sess *Session, ttl time.Duration, maxSessions int, evictOldest bool) ([]string, error) {
	data, err := Encode(sess)
	if err != nil {
		return nil, err
	}

	evictArg := "0"
	if evictOldest {
		evictArg = "1"
	}
	res, err := registerLimitedLua.Run(
		ctx,
		r.redis,
		[]string{r.userKey(sess.UserID)},
		r.sessionKeyPrefix(),
		ReasonEvicted,
		time.Now().Unix(),
		sess.SessionID,
		data,
		ttl.Milliseconds(),
		maxSessions,
		evictArg,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("%w: invalid limit script response", ErrRedisUnavailable)
	}
	if res[0] == "LIMIT" {
		return nil, ErrSessionLimitReached
	}
	return res[1:], nil
}

// Get retrieves a session by ID regardless of its status; callers decide
// what a terminal status means for them.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := r.redis.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return Decode(data)
}

// List returns the user's sessions, compacting index references whose
// records have already expired. Terminal sessions still within TTL are
// included.
func (r *Registry) List(ctx context.Context, userID string) ([]*Session, error) {
	userKey := r.userKey(userID)
	ids, err := r.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, sid := range ids {
		cmds[i] = pipe.Get(ctx, r.sessionKey(sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sessions := make([]*Session, 0, len(ids))
	var dead []interface{}
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				dead = append(dead, ids[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}

		sess, decErr := Decode(data)
		if decErr != nil {
			dead = append(dead, ids[i])
			continue
		}
		sessions = append(sessions, sess)
	}

	if len(dead) > 0 {
		if err := r.redis.SRem(ctx, userKey, dead...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].IssuedAt < sessions[j].IssuedAt
	})
	return sessions, nil
}

// ActiveCount returns the number of live sessions for the user after
// compacting dead index references.
func (r *Registry) ActiveCount(ctx context.Context, userID string) (int, error) {
	sessions, err := r.List(ctx, userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sess := range sessions {
		if sess.Active() {
			count++
		}
	}
	return count, nil
}

// EvictOldest revokes live sessions oldest-first by issue time until at
// most keep remain, marking each with the given reason. Returns the session
// IDs evicted.
func (r *Registry) EvictOldest(ctx context.Context, userID string, keep int, reason string) ([]string, error) {
	if keep < 0 {
		keep = 0
	}

	sessions, err := r.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	var active []*Session
	for _, sess := range sessions {
		if sess.Active() {
			active = append(active, sess)
		}
	}
	if len(active) <= keep {
		return nil, nil
	}

	var evicted []string
	for _, sess := range active[:len(active)-keep] {
		if err := r.Terminate(ctx, sess.SessionID, StatusRevoked, reason); err != nil {
			return evicted, err
		}
		evicted = append(evicted, sess.SessionID)
	}
	return evicted, nil
}

// Terminate moves a session into a terminal status, rewriting the record in
// place for the remainder of its TTL. Terminating an already-terminal or
// missing session is a no-op.
func (r *Registry) Terminate(ctx context.Context, sessionID string, status Status, reason string) error {
	err := terminateLua.Run(
		ctx,
		r.redis,
		[]string{r.sessionKey(sessionID)},
		string(status),
		reason,
		time.Now().Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// TerminateAll moves every live session of the user into a terminal status.
// Returns the number of sessions terminated.
func (r *Registry) TerminateAll(ctx context.Context, userID string, status Status, reason string) (int, error) {
	sessions, err := r.List(ctx, userID)
	if err != nil {
		return 0, err
	}

	terminated := 0
	for _, sess := range sessions {
		if !sess.Active() {
			continue
		}
		if err := r.Terminate(ctx, sess.SessionID, status, reason); err != nil {
			return terminated, err
		}
		terminated++
	}
	return terminated, nil
}

// Touch records activity on a live session and slides its expiry out to the
// idle timeout. Touching a terminal or missing session is a no-op.
func (r *Registry) Touch(ctx context.Context, sessionID string, idleTimeout time.Duration) error {
	now := time.Now()
	err := touchLua.Run(
		ctx,
		r.redis,
		[]string{r.sessionKey(sessionID)},
		now.Unix(),
		now.Add(idleTimeout).Unix(),
		idleTimeout.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Stats summarizes a user's sessions by status.
type Stats struct {
	Total     int
	Active    int
	Revoked   int
	LoggedOut int
	Expired   int
}

// UserStats returns a per-status breakdown of the user's retained sessions.
func (r *Registry) UserStats(ctx context.Context, userID string) (Stats, error) {
	sessions, err := r.List(ctx, userID)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	stats.Total = len(sessions)
	for _, sess := range sessions {
		switch sess.Status {
		case StatusActive:
			stats.Active++
		case StatusRevoked:
			stats.Revoked++
		case StatusLoggedOut:
			stats.LoggedOut++
		case StatusExpired:
			stats.Expired++
		}
	}
	return stats, nil
}

// Ping returns a point-in-time availability check of the registry backend.
func (r *Registry) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
