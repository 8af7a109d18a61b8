// Package checkpoint persists the watcher's last acknowledged change-feed
// cursor.
package checkpoint

import (
	"context"
	"strconv"
	"sync/atomic"

	"relay/internal/errors"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is where the redis checkpoint keeps the cursor.
const DefaultKey = "relay:watcher:cursor"

type Store interface {
	// Load returns the last saved cursor, or 0 when none was saved.
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, cursor int64) error
}

// Memory keeps the cursor for the life of the process.
type Memory struct {
	cursor atomic.Int64
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(ctx context.Context) (int64, error) {
	return m.cursor.Load(), nil
}

// Save never moves the cursor backwards.
func (m *Memory) Save(ctx context.Context, cursor int64) error {
	for {
		cur := m.cursor.Load()
		if cursor <= cur {
			return nil
		}
		if m.cursor.CompareAndSwap(cur, cursor) {
			return nil
		}
	}
}

// Redis keeps the cursor in one string key so a restarted watcher resumes
// where the previous process stopped.
type Redis struct {
	client redis.Cmdable
	key    string
}

func NewRedis(client redis.Cmdable, key string) *Redis {
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) Load(ctx context.Context) (int64, error) {
	s, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "get %s", r.key)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", r.key)
	}
	return v, nil
}

// _saveScript sets the key only when the new cursor is greater.
var _saveScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local next = tonumber(ARGV[1])
if next > cur then
  redis.call('SET', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

func (r *Redis) Save(ctx context.Context, cursor int64) error {
	if err := _saveScript.Run(ctx, r.client, []string{r.key}, cursor).Err(); err != nil {
		return errors.Wrapf(err, "save %s", r.key)
	}
	return nil
}
