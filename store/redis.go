package store

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Each record is a Redis hash {value, valueIsHash, lastUpdated, lastAccessed};
// a set per scope indexes its keys. Scripts keep read-modify-write atomic.
var (
	getRecordScript = redis.NewScript(`
local rec = redis.call('HGETALL', KEYS[1])
if #rec > 0 then
  redis.call('HSET', KEYS[1], 'lastAccessed', ARGV[1])
  rec = redis.call('HGETALL', KEYS[1])
end
return rec`)

	upsertRecordScript = redis.NewScript(`
local old = redis.call('HGETALL', KEYS[1])
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'valueIsHash', ARGV[2], 'lastUpdated', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return old`)

	removeRecordScript = redis.NewScript(`
local old = redis.call('HGETALL', KEYS[1])
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return old`)

	restoreRecordScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'value') ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
if ARGV[2] == '1' then
  redis.call('HSET', KEYS[1], 'value', ARGV[3], 'valueIsHash', ARGV[4], 'lastUpdated', ARGV[5], 'lastAccessed', ARGV[6])
else
  redis.call('SREM', KEYS[2], ARGV[7])
end
return 1`)

	putBlobScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
local pttl = redis.call('PTTL', KEYS[1])
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'lastAccessed', ARGV[2])
redis.call('HSETNX', KEYS[1], 'created', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  if existed == 0 or pttl > 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
  end
else
  redis.call('PERSIST', KEYS[1])
end
return existed`)

	touchBlobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'lastAccessed', ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 then
  if redis.call('PTTL', KEYS[1]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
  end
else
  redis.call('PERSIST', KEYS[1])
end
return 1`)
)

// RedisRecords implements RecordStore using Redis.
type RedisRecords struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisRecords creates a record store. prefix namespaces every key it writes.
func NewRedisRecords(client *redis.Client, prefix string) *RedisRecords {
	return &RedisRecords{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisRecords) recordKey(scope Scope, key string) string {
	return fmt.Sprintf("%srec:%s:%s:%s", s.prefix,
		url.QueryEscape(scope.App), url.QueryEscape(scope.User), url.QueryEscape(key))
}

func (s *RedisRecords) indexKey(scope Scope) string {
	return fmt.Sprintf("%skeys:%s:%s", s.prefix, url.QueryEscape(scope.App), url.QueryEscape(scope.User))
}

func (s *RedisRecords) Keys(ctx context.Context, scope Scope) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisRecords) Get(ctx context.Context, scope Scope, key string) (*Record, error) {
	fields, err := getRecordScript.Run(ctx, s.client,
		[]string{s.recordKey(scope, key)}, formatTime(s.now())).Slice()
	if err != nil {
		return nil, fmt.Errorf("get record %q: %w", key, err)
	}
	return parseRecord(fields)
}

func (s *RedisRecords) Upsert(ctx context.Context, scope Scope, key string, rec Record) (*Record, error) {
	fields, err := upsertRecordScript.Run(ctx, s.client,
		[]string{s.recordKey(scope, key), s.indexKey(scope)},
		rec.Value, formatBool(rec.ValueIsHash), formatTime(s.now()), key).Slice()
	if err != nil {
		return nil, fmt.Errorf("upsert record %q: %w", key, err)
	}
	return parseRecord(fields)
}

func (s *RedisRecords) Remove(ctx context.Context, scope Scope, key string) (*Record, error) {
	fields, err := removeRecordScript.Run(ctx, s.client,
		[]string{s.recordKey(scope, key), s.indexKey(scope)}, key).Slice()
	if err != nil {
		return nil, fmt.Errorf("remove record %q: %w", key, err)
	}
	return parseRecord(fields)
}

func (s *RedisRecords) Clear(ctx context.Context, scope Scope) error {
	index := s.indexKey(scope)
	keys, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	doomed := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		doomed = append(doomed, s.recordKey(scope, key))
	}
	doomed = append(doomed, index)
	if err := s.client.Del(ctx, doomed...).Err(); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	return nil
}

func (s *RedisRecords) Restore(ctx context.Context, scope Scope, key, expect string, prev *Record) (bool, error) {
	args := []interface{}{expect, "0", "", "0", "0", "0", key}
	if prev != nil {
		args = []interface{}{expect, "1", prev.Value, formatBool(prev.ValueIsHash),
			formatTime(prev.LastUpdated), formatTime(prev.LastAccessed), key}
	}
	restored, err := restoreRecordScript.Run(ctx, s.client,
		[]string{s.recordKey(scope, key), s.indexKey(scope)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("restore record %q: %w", key, err)
	}
	return restored == 1, nil
}

// RedisBlobs implements BlobStore using Redis hashes {data, created, lastAccessed}
// with native key expiry for transient blobs.
type RedisBlobs struct {
	client *redis.Client
	prefix string
	codec  Codec
	now    func() time.Time
}

// NewRedisBlobs creates a blob store that encodes data at rest with codec.
func NewRedisBlobs(client *redis.Client, prefix string, codec Codec) *RedisBlobs {
	return &RedisBlobs{client: client, prefix: prefix, codec: codec, now: time.Now}
}

func (s *RedisBlobs) blobKey(hash string) string {
	return fmt.Sprintf("%sblob:%s", s.prefix, hash)
}

func (s *RedisBlobs) Exists(ctx context.Context, hash string) (bool, error) {
	n, err := s.client.Exists(ctx, s.blobKey(hash)).Result()
	if err != nil {
		return false, fmt.Errorf("blob exists %s: %w", hash, err)
	}
	return n == 1, nil
}

func (s *RedisBlobs) Get(ctx context.Context, hash string) (*Blob, error) {
	key := s.blobKey(hash)
	var fields *redis.StringStringMapCmd
	var pttl *redis.DurationCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", hash, err)
	}
	values := fields.Val()
	encoded, ok := values["data"]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
	}
	data, err := s.codec.Decode([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", hash, err)
	}
	blob := &Blob{
		Hash:         hash,
		Data:         data,
		Created:      parseTime(values["created"]),
		LastAccessed: parseTime(values["lastAccessed"]),
	}
	if ttl := pttl.Val(); ttl > 0 {
		blob.Expires = s.now().Add(ttl)
	}
	return blob, nil
}

func (s *RedisBlobs) Put(ctx context.Context, hash string, data []byte, ttl time.Duration) error {
	err := putBlobScript.Run(ctx, s.client, []string{s.blobKey(hash)},
		s.codec.Encode(data), formatTime(s.now()), ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("put blob %s: %w", hash, err)
	}
	return nil
}

func (s *RedisBlobs) Touch(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	found, err := touchBlobScript.Run(ctx, s.client, []string{s.blobKey(hash)},
		formatTime(s.now()), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("touch blob %s: %w", hash, err)
	}
	return found == 1, nil
}

func (s *RedisBlobs) shareKey(owner, hash string) string {
	return fmt.Sprintf("%sshare:%s:%s", s.prefix, url.QueryEscape(owner), hash)
}

func (s *RedisBlobs) Share(ctx context.Context, owner, hash string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.shareKey(owner, hash), formatTime(s.now()), ttl).Err(); err != nil {
		return fmt.Errorf("share blob %s: %w", hash, err)
	}
	return nil
}

func (s *RedisBlobs) Shared(ctx context.Context, owner, hash string) (bool, error) {
	n, err := s.client.Exists(ctx, s.shareKey(owner, hash)).Result()
	if err != nil {
		return false, fmt.Errorf("blob shared %s: %w", hash, err)
	}
	return n == 1, nil
}

// parseRecord decodes an HGETALL reply. An empty reply is a missing record.
func parseRecord(fields []interface{}) (*Record, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("record reply has %d fields", len(fields))
	}
	values := make(map[string]string, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		name, _ := fields[i].(string)
		value, _ := fields[i+1].(string)
		values[name] = value
	}
	return &Record{
		Value:        values["value"],
		ValueIsHash:  values["valueIsHash"] == "1",
		LastUpdated:  parseTime(values["lastUpdated"]),
		LastAccessed: parseTime(values["lastAccessed"]),
	}, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
