package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// Per-job hashes, all under the {jobID} hash tag so a job's keys live in one
// cluster slot:
//
//	<prefix>:{job}:status    batch -> status
//	<prefix>:{job}:attempts  batch -> completed executions
//	<prefix>:{job}:kind      batch -> last error kind
//	<prefix>:{job}:msg       batch -> last error message
//	<prefix>:{job}:updated   batch -> unix nanos
//	<prefix>:{job}:base      batch -> attempts at the last manual reopen
//	<prefix>:{job}:run       JSON JobRun
//
// Scripts return {code, attempts, base}; code is "ok", "noop" or the status
// that blocked the transition.
var (
	dispatchScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], ARGV[1])
if s and s ~= 'pending' then return {s, 0, 0} end
redis.call('HSET', KEYS[1], ARGV[1], 'in_progress')
redis.call('HSET', KEYS[5], ARGV[1], ARGV[2])
return {'ok', 0, 0}`)

	successScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], ARGV[1])
if s == 'succeeded' then return {'noop', 0, 0} end
if s ~= 'in_progress' then return {s or 'pending', 0, 0} end
redis.call('HSET', KEYS[1], ARGV[1], 'succeeded')
local n = redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[5], ARGV[1], ARGV[2])
return {'ok', n, 0}`)

	failureScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], ARGV[1])
if s ~= 'in_progress' then return {s or 'pending', 0, 0} end
redis.call('HSET', KEYS[1], ARGV[1], 'failed')
local n = redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[4])
redis.call('HSET', KEYS[5], ARGV[1], ARGV[2])
local b = tonumber(redis.call('HGET', KEYS[6], ARGV[1]) or '0')
return {'ok', n, b}`)

	resetScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], ARGV[1])
if (not s) or s == 'pending' then return {'noop', 0, 0} end
if s == 'succeeded' then return {s, 0, 0} end
redis.call('HSET', KEYS[1], ARGV[1], 'pending')
redis.call('HSET', KEYS[5], ARGV[1], ARGV[2])
return {'ok', 0, 0}`)

	reopenScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], ARGV[1])
if (not s) or s == 'pending' then return {'noop', 0, 0} end
if s ~= 'failed' then return {s, 0, 0} end
local n = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
redis.call('HSET', KEYS[1], ARGV[1], 'pending')
redis.call('HSET', KEYS[6], ARGV[1], n)
redis.call('HSET', KEYS[5], ARGV[1], ARGV[2])
return {'ok', n, n}`)
)

// DefaultRedisPrefix is used when RedisConfig.Prefix is empty.
const DefaultRedisPrefix = "beaver:backfill"

// RedisStore keeps checkpoints in Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// OpenRedisStore connects to cfg.Addr and pings it.
func OpenRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: store.redis.addr is required", types.ErrConfiguration)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	s := NewRedisStore(client, cfg.Prefix)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, s.wrap(err)
	}
	return s, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(jobID, field string) string {
	return fmt.Sprintf("%s:{%s}:%s", s.prefix, jobID, field)
}

func (s *RedisStore) batchKeys(jobID string) []string {
	return []string{
		s.key(jobID, "status"),
		s.key(jobID, "attempts"),
		s.key(jobID, "kind"),
		s.key(jobID, "msg"),
		s.key(jobID, "updated"),
		s.key(jobID, "base"),
	}
}

func (s *RedisStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	var rerr redis.Error
	if errors.As(err, &rerr) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: redis: %w", types.ErrStoreUnavailable, err)
}

func (s *RedisStore) run(ctx context.Context, script *redis.Script, jobID string, args ...any) (code string, attempts, base int, err error) {
	res, err := script.Run(ctx, s.client, s.batchKeys(jobID), args...).Slice()
	if err != nil {
		return "", 0, 0, s.wrap(err)
	}
	if len(res) != 3 {
		return "", 0, 0, fmt.Errorf("redis: unexpected script result %v", res)
	}
	code, _ = res[0].(string)
	n, _ := res[1].(int64)
	b, _ := res[2].(int64)
	return code, int(n), int(b), nil
}

func (s *RedisStore) stamp() string {
	return strconv.FormatInt(s.now().UnixNano(), 10)
}

func (s *RedisStore) Load(ctx context.Context, jobID string) (map[string]types.BatchState, error) {
	keys := s.batchKeys(jobID)
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, s.wrap(err)
	}

	status, attempts, kinds, msgs, updated, bases := cmds[0].Val(), cmds[1].Val(), cmds[2].Val(), cmds[3].Val(), cmds[4].Val(), cmds[5].Val()
	out := make(map[string]types.BatchState, len(status))
	for id, st := range status {
		state := types.BatchState{
			BatchID:       id,
			Status:        types.BatchStatus(st),
			LastErrorKind: types.ErrorKind(kinds[id]),
			LastError:     msgs[id],
		}
		if n, err := strconv.Atoi(attempts[id]); err == nil {
			state.Attempts = n
		}
		if n, err := strconv.Atoi(bases[id]); err == nil {
			state.ResetBase = n
		}
		if ns, err := strconv.ParseInt(updated[id], 10, 64); err == nil {
			state.UpdatedAt = time.Unix(0, ns).UTC()
		}
		out[id] = state
	}
	return out, nil
}

func (s *RedisStore) RecordDispatch(ctx context.Context, jobID, batchID string) error {
	code, _, _, err := s.run(ctx, dispatchScript, jobID, batchID, s.stamp())
	if err != nil {
		return err
	}
	if code != "ok" {
		return invalid(jobID, batchID, types.BatchStatus(code), "dispatch")
	}
	return nil
}

func (s *RedisStore) RecordSuccess(ctx context.Context, jobID, batchID string) error {
	code, _, _, err := s.run(ctx, successScript, jobID, batchID, s.stamp())
	if err != nil {
		return err
	}
	if code != "ok" && code != "noop" {
		return invalid(jobID, batchID, types.BatchStatus(code), "success")
	}
	return nil
}

func (s *RedisStore) RecordFailure(ctx context.Context, jobID, batchID string, kind types.ErrorKind, msg string) (types.BatchState, error) {
	now := s.now()
	code, attempts, base, err := s.run(ctx, failureScript, jobID, batchID,
		strconv.FormatInt(now.UnixNano(), 10), string(kind), msg)
	if err != nil {
		return types.BatchState{}, err
	}
	if code != "ok" {
		return types.BatchState{}, invalid(jobID, batchID, types.BatchStatus(code), "failure")
	}
	return types.BatchState{
		BatchID:       batchID,
		Status:        types.BatchFailed,
		Attempts:      attempts,
		ResetBase:     base,
		LastErrorKind: kind,
		LastError:     msg,
		UpdatedAt:     now.UTC(),
	}, nil
}

func (s *RedisStore) ResetPending(ctx context.Context, jobID, batchID string) error {
	code, _, _, err := s.run(ctx, resetScript, jobID, batchID, s.stamp())
	if err != nil {
		return err
	}
	if code != "ok" && code != "noop" {
		return invalid(jobID, batchID, types.BatchStatus(code), "reset")
	}
	return nil
}

func (s *RedisStore) ReopenFailed(ctx context.Context, jobID, batchID string) error {
	code, _, _, err := s.run(ctx, reopenScript, jobID, batchID, s.stamp())
	if err != nil {
		return err
	}
	if code != "ok" && code != "noop" {
		return invalid(jobID, batchID, types.BatchStatus(code), "reopen")
	}
	return nil
}

func (s *RedisStore) PutRun(ctx context.Context, run types.JobRun) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.wrap(s.client.Set(ctx, s.key(run.JobID, "run"), raw, 0).Err())
}

func (s *RedisStore) Summarize(ctx context.Context, jobID string) (types.JobRun, error) {
	run := types.JobRun{JobID: jobID}
	raw, err := s.client.Get(ctx, s.key(jobID, "run")).Bytes()
	found := true
	switch {
	case errors.Is(err, redis.Nil):
		found = false
	case err != nil:
		return types.JobRun{}, s.wrap(err)
	default:
		if err := json.Unmarshal(raw, &run); err != nil {
			return types.JobRun{}, fmt.Errorf("decode run %s: %w", jobID, err)
		}
	}

	states, err := s.Load(ctx, jobID)
	if err != nil {
		return types.JobRun{}, err
	}
	if !found && len(states) == 0 {
		return types.JobRun{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	return summarize(run, states), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
