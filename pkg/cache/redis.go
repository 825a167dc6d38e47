package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

const defaultRedisPrefix = "sage"

// upsertScript applies last-write-wins atomically: the entry is replaced only
// when the stored timestamp is not newer than the incoming one.
var upsertScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "ts")
if current and tonumber(current) > tonumber(ARGV[1]) then
  return 0
end
redis.call("HSET", KEYS[1], "ts", ARGV[1], "entry", ARGV[2])
return 1
`)

// RedisStore shares the cache between processes through redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the redis instance at url and verifies it with a ping.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "invalid redis url", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to connect to redis", err)
	}

	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) entryKey(key string) string {
	return fmt.Sprintf("%s:search_cache:%s", s.prefix, NormalizeKey(key))
}

func (s *RedisStore) sessionKey(id string) string {
	return fmt.Sprintf("%s:research_sessions:%s", s.prefix, id)
}

func (s *RedisStore) sessionIndex() string {
	return s.prefix + ":research_sessions"
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.client.HGet(ctx, s.entryKey(key), "entry").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to read cache entry", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		// A corrupt entry is treated as a miss so the live call can replace it.
		return nil, nil
	}
	return &entry, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, entry Entry) error {
	entry.Key = NormalizeKey(key)
	entry.Timestamp = entry.Timestamp.UTC()

	data, err := json.Marshal(entry)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeCacheWrite, "failed to encode cache entry", err)
	}

	ts := strconv.FormatInt(entry.Timestamp.UnixNano(), 10)
	if err := upsertScript.Run(ctx, s.client, []string{s.entryKey(key)}, ts, string(data)).Err(); err != nil {
		return apperrors.New(apperrors.ErrCodeCacheWrite, "failed to upsert cache entry", err)
	}
	return nil
}

func (s *RedisStore) SaveSession(ctx context.Context, record SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeCacheWrite, "failed to encode session record", err)
	}

	created, err := s.client.SetNX(ctx, s.sessionKey(record.SessionID), data, 0).Result()
	if err != nil {
		return apperrors.New(apperrors.ErrCodeCacheWrite, "failed to insert session record", err)
	}
	if !created {
		return apperrors.New(apperrors.ErrCodeCacheWrite, fmt.Sprintf("session %s already recorded", record.SessionID), nil)
	}

	score := float64(record.StartTime.UnixNano())
	if err := s.client.ZAdd(ctx, s.sessionIndex(), redis.Z{Score: score, Member: record.SessionID}).Err(); err != nil {
		return apperrors.New(apperrors.ErrCodeCacheWrite, "failed to index session record", err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to read session record", err)
	}

	var record SessionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to decode session record", err)
	}
	return &record, nil
}

func (s *RedisStore) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, s.sessionIndex(), 0, stop).Result()
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to list session records", err)
	}
	if len(ids) == 0 {
		return []SessionRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to load session records", err)
	}

	records := make([]SessionRecord, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record SessionRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
