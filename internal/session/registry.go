package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"

	"github.com/dantte-lp/gogt06/internal/config"
	"github.com/dantte-lp/gogt06/internal/gt06"
)

// -------------------------------------------------------------------------
// Key Layout
// -------------------------------------------------------------------------

// Redis key templates. The scripts derive secondary keys from hash fields
// (the caller does not know the prior session's id), so the registry
// targets a single Redis instance, not a cluster.
const (
	sessKeyTempl    = "sess:%s"
	imeiKeyTempl    = "idx:imei:%s"
	channelKeyTempl = "idx:channel:%s"
	activeKey       = "active:sessions"
	countersKey     = "metrics:sessions"
)

func sessKey(id string) string           { return fmt.Sprintf(sessKeyTempl, id) }
func imeiKey(imei gt06.IMEI) string      { return fmt.Sprintf(imeiKeyTempl, imei) }
func channelKey(channelID string) string { return fmt.Sprintf(channelKeyTempl, channelID) }

// -------------------------------------------------------------------------
// Lua Scripts
// -------------------------------------------------------------------------

// createOrReplaceScript installs a fresh unauthenticated session and, if
// the IMEI already had one, tears the old record down first. Returns the
// replaced session's channel id, or an empty string.
//
// KEYS: imei index, channel index, session hash, active set, counters.
// ARGV: id, imei, channel id, remote addr, now (ms), ttl (s).
var createOrReplaceScript = redis.NewScript(5, `
local replaced = ''
local oldid = redis.call('GET', KEYS[1])
if oldid then
  local oldkey = 'sess:' .. oldid
  local oldchan = redis.call('HGET', oldkey, 'channel_id')
  if oldchan then
    replaced = oldchan
    redis.call('DEL', 'idx:channel:' .. oldchan)
  end
  if redis.call('HGET', oldkey, 'authenticated') == '1' then
    redis.call('HINCRBY', KEYS[5], 'authenticated', -1)
  end
  if redis.call('DEL', oldkey) == 1 then
    redis.call('HINCRBY', KEYS[5], 'active', -1)
  end
  redis.call('SREM', KEYS[4], oldid)
end
redis.call('HSET', KEYS[3],
  'id', ARGV[1], 'imei', ARGV[2], 'channel_id', ARGV[3],
  'remote_addr', ARGV[4], 'authenticated', '0',
  'connected_at', ARGV[5], 'last_seen_at', ARGV[5])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('HINCRBY', KEYS[5], 'active', 1)
redis.call('EXPIRE', KEYS[3], ARGV[6])
redis.call('EXPIRE', KEYS[1], ARGV[6])
redis.call('EXPIRE', KEYS[2], ARGV[6])
return replaced
`)

// touchScript refreshes last_seen_at and all key TTLs.
// KEYS: session hash. ARGV: now (ms), ttl (s).
var touchScript = redis.NewScript(1, `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'last_seen_at', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
local imei = redis.call('HGET', KEYS[1], 'imei')
if imei then redis.call('EXPIRE', 'idx:imei:' .. imei, ARGV[2]) end
local chan = redis.call('HGET', KEYS[1], 'channel_id')
if chan then redis.call('EXPIRE', 'idx:channel:' .. chan, ARGV[2]) end
return 1
`)

// authenticateScript flips the authenticated flag exactly once and
// records the login time.
// KEYS: session hash, counters. ARGV: now (ms), ttl (s).
var authenticateScript = redis.NewScript(2, `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'authenticated') ~= '1' then
  redis.call('HINCRBY', KEYS[2], 'authenticated', 1)
end
redis.call('HSET', KEYS[1],
  'authenticated', '1', 'last_login_at', ARGV[1], 'last_seen_at', ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

// setPositionScript records the most recent gps-valid fix.
// KEYS: session hash. ARGV: lat, lon, at (ms), ttl (s).
var setPositionScript = redis.NewScript(1, `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1],
  'last_lat', ARGV[1], 'last_lon', ARGV[2], 'last_position_at', ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

// setAttributesScript merges attribute fields into the session hash,
// each stored under an 'attr:' prefixed field name.
// KEYS: session hash. ARGV: ttl (s), then name, value pairs.
var setAttributesScript = redis.NewScript(1, `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], 'attr:' .. ARGV[i], ARGV[i+1])
end
redis.call('EXPIRE', KEYS[1], ARGV[1])
return 1
`)

// deleteScript removes the record, both indexes, the active-set entry and
// adjusts the counters. Index pointers are only removed when they still
// reference this session, so deleting a replaced session cannot clobber
// its successor.
// KEYS: session hash, active set, counters. ARGV: id.
var deleteScript = redis.NewScript(3, `
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[1])
  return 0
end
local imei = redis.call('HGET', KEYS[1], 'imei')
if imei and redis.call('GET', 'idx:imei:' .. imei) == ARGV[1] then
  redis.call('DEL', 'idx:imei:' .. imei)
end
local chan = redis.call('HGET', KEYS[1], 'channel_id')
if chan and redis.call('GET', 'idx:channel:' .. chan) == ARGV[1] then
  redis.call('DEL', 'idx:channel:' .. chan)
end
if redis.call('HGET', KEYS[1], 'authenticated') == '1' then
  redis.call('HINCRBY', KEYS[3], 'authenticated', -1)
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[3], 'active', -1)
return 1
`)

// findIdleScript scans the active set server-side and returns a flat
// array of (id, channel_id, imei) triples for sessions idle past their
// ceiling. Entries whose hash expired are pruned from the set in passing.
// KEYS: active set. ARGV: authenticated cutoff (ms), unauth cutoff (ms).
var findIdleScript = redis.NewScript(1, `
local out = {}
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  local key = 'sess:' .. id
  if redis.call('EXISTS', key) == 0 then
    redis.call('SREM', KEYS[1], id)
  else
    local seen = tonumber(redis.call('HGET', key, 'last_seen_at')) or 0
    local cutoff = tonumber(ARGV[2])
    if redis.call('HGET', key, 'authenticated') == '1' then
      cutoff = tonumber(ARGV[1])
    end
    if seen < cutoff then
      out[#out+1] = id
      out[#out+1] = redis.call('HGET', key, 'channel_id') or ''
      out[#out+1] = redis.call('HGET', key, 'imei') or ''
    end
  end
end
return out
`)

// -------------------------------------------------------------------------
// Pool
// -------------------------------------------------------------------------

// NewPool builds a redigo connection pool from the Redis configuration.
// Shared by the registry and the bus.
func NewPool(cfg config.RedisConfig) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     cfg.PoolSize,
		MaxActive:   cfg.PoolSize * 2,
		Wait:        true,
		IdleTimeout: 4 * time.Minute,
		Dial: func() (redis.Conn, error) {
			opts := []redis.DialOption{
				redis.DialConnectTimeout(5 * time.Second),
				redis.DialReadTimeout(10 * time.Second),
				redis.DialWriteTimeout(10 * time.Second),
			}
			if cfg.Password != "" {
				opts = append(opts, redis.DialPassword(cfg.Password))
			}
			return redis.Dial("tcp", cfg.Addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

// Registry is the Redis-backed session store.
type Registry struct {
	pool   *redis.Pool
	logger *slog.Logger

	// ttl is the key lifetime; sits well above the idle ceiling so the
	// reaper, not expiry, is the normal teardown path. Expiry is the
	// backstop for a gateway that died without cleaning up.
	ttl time.Duration

	// touchMin rate-limits last_seen_at persistence per session.
	touchMin time.Duration

	mu        sync.Mutex
	lastTouch map[string]time.Time
}

// NewRegistry creates a Registry over the given pool. TTLs are derived
// from the idle ceiling: three times the authenticated timeout.
func NewRegistry(pool *redis.Pool, cfg config.SessionConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		pool:      pool,
		logger:    logger.With(slog.String("component", "session-registry")),
		ttl:       3 * cfg.IdleTimeout(),
		touchMin:  cfg.TouchMinInterval(),
		lastTouch: make(map[string]time.Time),
	}
}

// conn checks out a pool connection honoring ctx cancellation.
func (r *Registry) conn(ctx context.Context) (redis.Conn, error) {
	c, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis pool: %w", err)
	}
	return c, nil
}

func (r *Registry) ttlSeconds() int64 {
	return int64(r.ttl / time.Second)
}

// CreateOrReplace installs a fresh unauthenticated session for imei bound
// to channelID. If the IMEI already had a session, the old record is torn
// down in the same atomic step and the replaced channel id is returned so
// the caller can close the stale connection.
func (r *Registry) CreateOrReplace(ctx context.Context, imei gt06.IMEI, channelID, remoteAddr string, at time.Time) (*Session, string, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, "", err
	}
	defer c.Close()

	id := uuid.NewString()
	replaced, err := redis.String(createOrReplaceScript.Do(c,
		imeiKey(imei), channelKey(channelID), sessKey(id), activeKey, countersKey,
		id, string(imei), channelID, remoteAddr, unixMilli(at), r.ttlSeconds(),
	))
	if err != nil {
		return nil, "", fmt.Errorf("create session for %s: %w", imei, err)
	}

	s := &Session{
		ID:          id,
		IMEI:        imei,
		ChannelID:   channelID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: at.UTC(),
		LastSeenAt:  at.UTC(),
	}
	return s, replaced, nil
}

// Authenticate flips the session's authenticated flag and records the
// login time. Returns ErrNotFound if the session vanished.
func (r *Registry) Authenticate(ctx context.Context, sessionID string, at time.Time) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := redis.Int(authenticateScript.Do(c,
		sessKey(sessionID), countersKey,
		unixMilli(at), r.ttlSeconds(),
	))
	if err != nil {
		return fmt.Errorf("authenticate session %s: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("authenticate session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// Touch advances last_seen_at and refreshes TTLs. Calls are rate-limited
// per session; persistence errors are logged and swallowed, because a
// missed touch only risks a slightly early reap while a hard error here
// would tear down a healthy device connection.
func (r *Registry) Touch(ctx context.Context, sessionID string, at time.Time) {
	r.mu.Lock()
	if last, ok := r.lastTouch[sessionID]; ok && at.Sub(last) < r.touchMin {
		r.mu.Unlock()
		return
	}
	r.lastTouch[sessionID] = at
	r.mu.Unlock()

	c, err := r.conn(ctx)
	if err != nil {
		r.logger.Warn("touch failed", slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}
	defer c.Close()

	if _, err := touchScript.Do(c, sessKey(sessionID), unixMilli(at), r.ttlSeconds()); err != nil {
		r.logger.Warn("touch failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

// SetLastPosition records the most recent gps-valid fix on the session.
func (r *Registry) SetLastPosition(ctx context.Context, sessionID string, lat, lon float64, at time.Time) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := redis.Int(setPositionScript.Do(c,
		sessKey(sessionID),
		lat, lon, unixMilli(at), r.ttlSeconds(),
	))
	if err != nil {
		return fmt.Errorf("set position for session %s: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("set position for session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// SetAttributes merges device-reported metadata into the session record.
// Keys already present are overwritten; unrelated attributes are kept.
func (r *Registry) SetAttributes(ctx context.Context, sessionID string, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}

	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	args := make([]interface{}, 0, 2+2*len(attrs))
	args = append(args, sessKey(sessionID), r.ttlSeconds())
	for k, v := range attrs {
		args = append(args, k, v)
	}

	n, err := redis.Int(setAttributesScript.Do(c, args...))
	if err != nil {
		return fmt.Errorf("set attributes for session %s: %w", sessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("set attributes for session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// GetByIMEI returns the live session for a device identity.
func (r *Registry) GetByIMEI(ctx context.Context, imei gt06.IMEI) (*Session, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	id, err := redis.String(c.Do("GET", imeiKey(imei)))
	if err == redis.ErrNil {
		return nil, fmt.Errorf("session for imei %s: %w", imei, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup imei %s: %w", imei, err)
	}
	return r.getByID(c, id)
}

// GetByChannel returns the live session bound to a network channel.
func (r *Registry) GetByChannel(ctx context.Context, channelID string) (*Session, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	id, err := redis.String(c.Do("GET", channelKey(channelID)))
	if err == redis.ErrNil {
		return nil, fmt.Errorf("session for channel %s: %w", channelID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup channel %s: %w", channelID, err)
	}
	return r.getByID(c, id)
}

func (r *Registry) getByID(c redis.Conn, id string) (*Session, error) {
	h, err := redis.StringMap(c.Do("HGETALL", sessKey(id)))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sessionFromHash(h), nil
}

// FindIdle returns sessions whose last activity predates their idle
// ceiling: authTimeout for authenticated sessions, unauthTimeout for
// connections that never completed a login. The scan runs server-side
// over the active set.
func (r *Registry) FindIdle(ctx context.Context, now time.Time, authTimeout, unauthTimeout time.Duration) ([]IdleSession, error) {
	c, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	vals, err := redis.Strings(findIdleScript.Do(c,
		activeKey,
		unixMilli(now.Add(-authTimeout)), unixMilli(now.Add(-unauthTimeout)),
	))
	if err != nil {
		return nil, fmt.Errorf("find idle sessions: %w", err)
	}

	idle := make([]IdleSession, 0, len(vals)/3)
	for i := 0; i+2 < len(vals); i += 3 {
		idle = append(idle, IdleSession{
			ID:        vals[i],
			ChannelID: vals[i+1],
			IMEI:      gt06.IMEI(vals[i+2]),
		})
	}
	return idle, nil
}

// Delete removes the session record, both indexes, and the active-set
// entry atomically. Deleting an already-gone session is not an error;
// the disconnect path and the reaper can race.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	c, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := deleteScript.Do(c, sessKey(sessionID), activeKey, countersKey, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}

	r.mu.Lock()
	delete(r.lastTouch, sessionID)
	r.mu.Unlock()
	return nil
}

// Counts returns the active and authenticated session counters.
func (r *Registry) Counts(ctx context.Context) (active, authenticated int, err error) {
	c, err := r.conn(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer c.Close()

	h, err := redis.StringMap(c.Do("HGETALL", countersKey))
	if err != nil {
		return 0, 0, fmt.Errorf("session counters: %w", err)
	}
	active = atoiOrZero(h["active"])
	authenticated = atoiOrZero(h["authenticated"])
	return active, authenticated, nil
}
