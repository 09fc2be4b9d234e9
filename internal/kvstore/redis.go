package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"stafflow.org/internal/obs"
)

const (
	redisKeyPrefix    = "stafflow:kv:"
	redisNotifyChannel = "stafflow:kv"
)

// Redis is a Store backed by a shared Redis instance, using pub/sub as the
// change-notification hook. Pub/sub delivers to the mutating context as
// well; bus consumers deduplicate. Notifications are fire-and-forget: a
// context that is disconnected during a publish misses it.
type Redis struct {
	client *redis.Client
	sub    *redis.PubSub

	mu       sync.Mutex
	watchers map[int]watcher
	wnext    int
}

var _ Store = (*Redis)(nil)

type redisNotice struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Removed bool   `json:"removed,omitempty"`
}

// OpenRedis connects to the shared Redis store and starts the notification
// listener.
func OpenRedis(addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("kvstore: connect redis: %w", err)
	}
	r := &Redis{
		client:   client,
		sub:      client.Subscribe(ctx, redisNotifyChannel),
		watchers: make(map[int]watcher),
	}
	go r.listen()
	return r, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, redisKeyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("kvstore: set %q: %w", key, err)
	}
	r.notify(ctx, redisNotice{Key: key, Value: value})
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("kvstore: remove %q: %w", key, err)
	}
	r.notify(ctx, redisNotice{Key: key, Removed: true})
	return nil
}

func (r *Redis) notify(ctx context.Context, n redisNotice) {
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, redisNotifyChannel, string(data)).Err(); err != nil {
		obs.LogEvent(map[string]any{
			"level": "warn",
			"msg":   "kvstore redis notify failed",
			"key":   n.Key,
			"error": err.Error(),
		})
	}
}

func (r *Redis) Watch(prefix string, fn WatchFunc) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.wnext
	r.wnext++
	r.watchers[id] = watcher{prefix: prefix, fn: fn}
	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}, nil
}

func (r *Redis) Close() error {
	if err := r.sub.Close(); err != nil {
		r.client.Close()
		return err
	}
	return r.client.Close()
}

func (r *Redis) listen() {
	for msg := range r.sub.Channel() {
		var n redisNotice
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			continue
		}
		ev := Event{Key: n.Key, Value: n.Value, Removed: n.Removed}
		r.mu.Lock()
		var fns []WatchFunc
		for _, w := range r.watchers {
			if strings.HasPrefix(ev.Key, w.prefix) {
				fns = append(fns, w.fn)
			}
		}
		r.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	}
}
