// SPDX-License-Identifier: Apache-2.0

package faststore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "waygate"

// Redis is the multi-process Store. Expiry is delegated to Redis key
// TTLs, so a vanished record reads as ErrNotFound whether it was
// consumed or timed out. Pub/sub channels carry the SSE fan-out
// between processes.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Store = (*Redis)(nil)

// NewRedis connects to Redis using a standard URL
// (redis://[user:pass@]host:port/db).
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(client, defaultKeyPrefix), nil
}

// NewRedisWithClient wraps an existing client. Used by tests to inject
// a miniredis-backed client.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) pendingKey(rid string) string    { return r.keyPrefix + ":pending:" + rid }
func (r *Redis) magicKey(token string) string    { return r.keyPrefix + ":magic:" + token }
func (r *Redis) upstreamKey(state string) string { return r.keyPrefix + ":upstream:" + state }
func (r *Redis) codeKey(code string) string      { return r.keyPrefix + ":codemeta:" + code }
func (r *Redis) refreshKey(token string) string  { return r.keyPrefix + ":refreshmeta:" + token }
func (r *Redis) resumeKey(token string) string   { return r.keyPrefix + ":resume:" + token }
func (r *Redis) seenKey(key string) string       { return r.keyPrefix + ":seen:" + key }
func (r *Redis) windowKey(key string) string     { return r.keyPrefix + ":window:" + key }
func (r *Redis) channelKey(channel string) string {
	return r.keyPrefix + ":events:" + channel
}

func (r *Redis) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if ttl <= 0 {
		// Already past its deadline; storing would error or persist forever.
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

func (r *Redis) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fetch record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	return nil
}

// consumeJSON atomically fetches and deletes a record with GETDEL, so
// concurrent consumers observe it at most once.
func (r *Redis) consumeJSON(ctx context.Context, key string, v any) error {
	data, err := r.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("consume record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	return nil
}

func (r *Redis) PutPending(ctx context.Context, p *PendingAuthRequest) error {
	return r.setJSON(ctx, r.pendingKey(p.Rid), p, time.Until(p.ExpiresAt))
}

func (r *Redis) GetPending(ctx context.Context, rid string) (*PendingAuthRequest, error) {
	var p PendingAuthRequest
	if err := r.getJSON(ctx, r.pendingKey(rid), &p); err != nil {
		return nil, fmt.Errorf("pending request %q: %w", rid, err)
	}
	return &p, nil
}

func (r *Redis) DeletePending(ctx context.Context, rid string) error {
	if err := r.client.Del(ctx, r.pendingKey(rid)).Err(); err != nil {
		return fmt.Errorf("delete pending request: %w", err)
	}
	return nil
}

func (r *Redis) PutMagicToken(ctx context.Context, t *MagicToken) error {
	return r.setJSON(ctx, r.magicKey(t.Token), t, time.Until(t.ExpiresAt))
}

func (r *Redis) ConsumeMagicToken(ctx context.Context, token string) (*MagicToken, error) {
	var t MagicToken
	if err := r.consumeJSON(ctx, r.magicKey(token), &t); err != nil {
		return nil, fmt.Errorf("magic token: %w", err)
	}
	return &t, nil
}

func (r *Redis) PutUpstreamState(ctx context.Context, u *UpstreamState) error {
	return r.setJSON(ctx, r.upstreamKey(u.State), u, time.Until(u.ExpiresAt))
}

func (r *Redis) ConsumeUpstreamState(ctx context.Context, state string) (*UpstreamState, error) {
	var u UpstreamState
	if err := r.consumeJSON(ctx, r.upstreamKey(state), &u); err != nil {
		return nil, fmt.Errorf("upstream state: %w", err)
	}
	return &u, nil
}

func (r *Redis) PutAuthCodeMeta(ctx context.Context, code string, meta *AuthCodeMeta) error {
	return r.setJSON(ctx, r.codeKey(code), meta, CodeMetaTTL)
}

func (r *Redis) GetAuthCodeMeta(ctx context.Context, code string) (*AuthCodeMeta, error) {
	var meta AuthCodeMeta
	if err := r.getJSON(ctx, r.codeKey(code), &meta); err != nil {
		return nil, fmt.Errorf("code metadata: %w", err)
	}
	return &meta, nil
}

func (r *Redis) ConsumeAuthCodeMeta(ctx context.Context, code string) (*AuthCodeMeta, error) {
	var meta AuthCodeMeta
	if err := r.consumeJSON(ctx, r.codeKey(code), &meta); err != nil {
		return nil, fmt.Errorf("code metadata: %w", err)
	}
	return &meta, nil
}

func (r *Redis) SetRefreshMeta(ctx context.Context, token, scope string) error {
	if err := r.client.Set(ctx, r.refreshKey(token), scope, RefreshMetaTTL).Err(); err != nil {
		return fmt.Errorf("store refresh metadata: %w", err)
	}
	return nil
}

func (r *Redis) GetRefreshMeta(ctx context.Context, token string) (string, error) {
	scope, err := r.client.Get(ctx, r.refreshKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("refresh metadata: %w", ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("fetch refresh metadata: %w", err)
	}
	return scope, nil
}

func (r *Redis) DeleteRefreshMeta(ctx context.Context, token string) error {
	if err := r.client.Del(ctx, r.refreshKey(token)).Err(); err != nil {
		return fmt.Errorf("delete refresh metadata: %w", err)
	}
	return nil
}

func (r *Redis) PutResumeToken(ctx context.Context, t *ResumeToken) error {
	return r.setJSON(ctx, r.resumeKey(t.Token), t, time.Until(t.ExpiresAt))
}

func (r *Redis) ConsumeResumeToken(ctx context.Context, token string) (*ResumeToken, error) {
	var t ResumeToken
	if err := r.consumeJSON(ctx, r.resumeKey(token), &t); err != nil {
		return nil, fmt.Errorf("resume token: %w", err)
	}
	return &t, nil
}

func (r *Redis) MarkSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := r.client.SetNX(ctx, r.seenKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return set, nil
}

// incrWindowScript increments a counter and sets the window TTL only
// when the key is fresh, so the window never slides.
var incrWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := incrWindowScript.Run(ctx, r.client,
		[]string{r.windowKey(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment window: %w", err)
	}
	return count, nil
}

func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	if err := r.client.Publish(ctx, r.channelKey(channel), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channelKey(channel))

	// Force the subscription onto the wire before returning, so a
	// publish immediately after Subscribe is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}

	out := make(chan string, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

func (r *Redis) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
