package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/matst80/showoff-agent/internal/obs"
)

// releaseScript deletes a key only while it still holds the caller's value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisState implements StateStore using Redis so several relay instances
// agree on name ownership. Keys written by this instance are refreshed by
// Maintain and expire if the instance dies.
type RedisState struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration

	mu       sync.Mutex
	closing  bool
	ready    bool
	names    map[string]string // names claimed through this instance
	sessions map[string]SessionInfo

	heartbeatInterval time.Duration
}

// NewRedisState connects to Redis and returns a shared StateStore.
func NewRedisState(addr, password string, db int) (*RedisState, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisState{
		client:            rdb,
		instanceID:        "showoff-" + uuid.NewString(),
		keyTTL:            2 * time.Minute,
		names:             make(map[string]string),
		sessions:          make(map[string]SessionInfo),
		heartbeatInterval: 30 * time.Second,
	}, nil
}

var _ StateStore = (*RedisState)(nil)

func nameKey(name string) string  { return "name:" + name }
func sessionKey(id string) string { return "session:" + id }

func (r *RedisState) ClaimName(ctx context.Context, name, owner string) (bool, error) {
	ok, err := r.client.SetNX(ctx, nameKey(name), owner, r.keyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim failed: %w", err)
	}
	if !ok {
		cur, err := r.client.Get(ctx, nameKey(name)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("redis get failed: %w", err)
		}
		if cur != owner {
			return false, nil
		}
		if err := r.client.Expire(ctx, nameKey(name), r.keyTTL).Err(); err != nil {
			return false, fmt.Errorf("redis expire failed: %w", err)
		}
	}
	r.mu.Lock()
	r.names[name] = owner
	r.mu.Unlock()
	return true, nil
}

func (r *RedisState) ReleaseName(ctx context.Context, name, owner string) error {
	r.mu.Lock()
	if r.names[name] == owner {
		delete(r.names, name)
	}
	r.mu.Unlock()
	if err := releaseScript.Run(ctx, r.client, []string{nameKey(name)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

func (r *RedisState) NameOwner(ctx context.Context, name string) (string, error) {
	v, err := r.client.Get(ctx, nameKey(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *RedisState) RegisterSession(ctx context.Context, info SessionInfo) error {
	info.Instance = r.instanceID
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(info.ID), data, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	r.mu.Lock()
	r.sessions[info.ID] = info
	r.mu.Unlock()
	return nil
}

func (r *RedisState) RemoveSession(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Sessions lists the sessions of every instance.
func (r *RedisState) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	iter := r.client.Scan(ctx, 0, sessionKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				obs.Error("redis.get_session", obs.Fields{"err": err, "key": iter.Val()})
			}
			continue
		}
		var info SessionInfo
		if err := json.Unmarshal([]byte(val), &info); err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err, "key": iter.Val()})
			continue
		}
		out = append(out, info)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedisState) SetClosing(v bool) { r.mu.Lock(); r.closing = v; r.mu.Unlock() }
func (r *RedisState) SetReady(v bool)   { r.mu.Lock(); r.ready = v; r.mu.Unlock() }
func (r *RedisState) IsClosing() bool   { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *RedisState) IsReady() bool     { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }
func (r *RedisState) Close() error      { return r.client.Close() }

// Maintain refreshes this instance's keys until ctx is done.
func (r *RedisState) Maintain(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

// heartbeat extends the TTL of locally owned names and refreshes LastSeen of
// locally connected sessions.
func (r *RedisState) heartbeat(ctx context.Context) {
	now := time.Now()
	r.mu.Lock()
	names := make([]string, 0, len(r.names))
	for name := range r.names {
		names = append(names, name)
	}
	sessions := make([]SessionInfo, 0, len(r.sessions))
	for id, info := range r.sessions {
		info.LastSeen = now
		r.sessions[id] = info
		sessions = append(sessions, info)
	}
	r.mu.Unlock()

	pipe := r.client.Pipeline()
	for _, name := range names {
		pipe.Expire(ctx, nameKey(name), r.keyTTL)
	}
	for _, info := range sessions {
		data, err := json.Marshal(info)
		if err != nil {
			obs.Error("redis.heartbeat.marshal", obs.Fields{"err": err, "session": info.ID})
			continue
		}
		pipe.Set(ctx, sessionKey(info.ID), data, r.keyTTL)
	}
	if len(names)+len(sessions) == 0 {
		return
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err})
	}
}
