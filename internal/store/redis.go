// Package store: Redis implementation of the counter store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	veil "github.com/openanonymity/veil/internal"
)

// Key namespaces of the persistent layout. Exported so tests can assert
// against the exact keys.
const (
	KeyPoolPrefix       = "keys:"
	KeyUsageHourPrefix  = "key_usage_hour:"
	KeyUsageTotalPrefix = "key_usage_total:"
	KeyLastUsedPrefix   = "key_last_used:"
	KeyWeightPrefix     = "session_key_weight:"
	KeySessionPrefix    = "session_state:"
	KeyCandidatesPrefix = "session_endpoints:"
	KeyEndpointPrefix   = "endpoint:"
	KeyUserPrefix       = "user_sessions:"
	KeySuspiciousPrefix = "suspicious_activity:"
)

// Redis implements Store on a go-redis client.
type Redis struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// Options tunes the Redis connection pool.
type Options struct {
	URL                 string
	PoolSize            int
	MinIdleConns        int
	HealthCheckInterval time.Duration
	OpTimeout           time.Duration // per-operation deadline, default 5s
}

// NewRedis connects a pooled client and verifies it with a ping.
func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	if opts.MinIdleConns > 0 {
		ro.MinIdleConns = opts.MinIdleConns
	}
	if opts.HealthCheckInterval > 0 {
		// go-redis probes idle conns on checkout older than this.
		ro.ConnMaxIdleTime = opts.HealthCheckInterval
	}
	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(ro)
	s := &Redis{rdb: rdb, opTimeout: opTimeout}
	if err := s.Ping(ctx); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

func (s *Redis) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// retryable reports whether an error is a transient transport failure worth
// one retry.
func retryable(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// do runs fn with the per-op deadline, retrying once on transport errors.
func (s *Redis) do(ctx context.Context, fn func(ctx context.Context) error) error {
	opCtx, cancel := s.op(ctx)
	err := fn(opCtx)
	cancel()
	if !retryable(err) {
		return err
	}
	opCtx, cancel = s.op(ctx)
	defer cancel()
	return fn(opCtx)
}

// --- pools ---

func poolKey(provider, model string) string { return KeyPoolPrefix + provider + ":" + model }

func (s *Redis) PoolMembers(ctx context.Context, provider, model string) ([]string, error) {
	var members []string
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		members, err = s.rdb.SMembers(ctx, poolKey(provider, model)).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pool members %s/%s: %w", provider, model, err)
	}
	return members, nil
}

func (s *Redis) ReplacePool(ctx context.Context, provider, model string, keyIDs []string) error {
	key := poolKey(provider, model)
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(keyIDs) > 0 {
				args := make([]any, len(keyIDs))
				for i, id := range keyIDs {
					args[i] = id
				}
				pipe.SAdd(ctx, key, args...)
			}
			return nil
		})
		return err
	})
}

func (s *Redis) Pools(ctx context.Context) (map[string][]string, error) {
	pools := make(map[string][]string)
	err := s.do(ctx, func(ctx context.Context) error {
		iter := s.rdb.Scan(ctx, 0, KeyPoolPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			members, err := s.rdb.SMembers(ctx, key).Result()
			if err != nil {
				return err
			}
			pools[key[len(KeyPoolPrefix):]] = members
		}
		return iter.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate pools: %w", err)
	}
	return pools, nil
}

// --- usage counters ---

func (s *Redis) AddUsage(ctx context.Context, keyID string, tokens int64) error {
	now := time.Now().Unix()
	err := s.do(ctx, func(ctx context.Context) error {
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.IncrBy(ctx, KeyUsageHourPrefix+keyID, tokens)
			pipe.Expire(ctx, KeyUsageHourPrefix+keyID, HourlyWindow)
			pipe.IncrBy(ctx, KeyUsageTotalPrefix+keyID, tokens)
			pipe.Expire(ctx, KeyUsageTotalPrefix+keyID, LifetimeWindow)
			pipe.Set(ctx, KeyLastUsedPrefix+keyID, now, LastUsedWindow)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("track usage %s: %w", keyID, err)
	}
	return nil
}

func (s *Redis) KeyUsage(ctx context.Context, keyID string) (hour, total int64, err error) {
	err = s.do(ctx, func(ctx context.Context) error {
		vals, err := s.rdb.MGet(ctx, KeyUsageHourPrefix+keyID, KeyUsageTotalPrefix+keyID).Result()
		if err != nil {
			return err
		}
		hour = parseCounter(vals[0])
		total = parseCounter(vals[1])
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("key usage %s: %w", keyID, err)
	}
	return hour, total, nil
}

func parseCounter(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (s *Redis) LastUsed(ctx context.Context, keyID string) (int64, error) {
	var ts int64
	err := s.do(ctx, func(ctx context.Context) error {
		v, err := s.rdb.Get(ctx, KeyLastUsedPrefix+keyID).Int64()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		ts = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("last used %s: %w", keyID, err)
	}
	return ts, nil
}

// --- session weights ---

func (s *Redis) SetSessionKeyWeight(ctx context.Context, sessionID, keyID string, weight float64) error {
	key := KeyWeightPrefix + sessionID + ":" + keyID
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, key, weight, veil.SessionTTL).Err()
	})
}

func (s *Redis) ClearSessionWeights(ctx context.Context, sessionID string) error {
	pattern := KeyWeightPrefix + sessionID + ":*"
	return s.do(ctx, func(ctx context.Context) error {
		iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		return iter.Err()
	})
}

// --- sessions ---

func (s *Redis) PutSession(ctx context.Context, sess *veil.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, KeySessionPrefix+sess.ID, data, veil.SessionTTL).Err()
	})
}

func (s *Redis) GetSession(ctx context.Context, id string) (*veil.Session, error) {
	var sess veil.Session
	err := s.do(ctx, func(ctx context.Context) error {
		data, err := s.rdb.Get(ctx, KeySessionPrefix+id).Bytes()
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &sess)
	})
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", id, veil.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *Redis) DeleteSession(ctx context.Context, id string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Del(ctx, KeySessionPrefix+id).Err()
	})
}

// --- candidates ---

func (s *Redis) PutCandidates(ctx context.Context, sessionID string, cands []veil.Candidate) error {
	data, err := json.Marshal(cands)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, KeyCandidatesPrefix+sessionID, data, veil.SessionTTL).Err()
	})
}

func (s *Redis) GetCandidates(ctx context.Context, sessionID string) ([]veil.Candidate, error) {
	var cands []veil.Candidate
	err := s.do(ctx, func(ctx context.Context) error {
		data, err := s.rdb.Get(ctx, KeyCandidatesPrefix+sessionID).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &cands)
	})
	if err != nil {
		return nil, fmt.Errorf("get candidates %s: %w", sessionID, err)
	}
	return cands, nil
}

func (s *Redis) DeleteCandidates(ctx context.Context, sessionID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Del(ctx, KeyCandidatesPrefix+sessionID).Err()
	})
}

// --- user history ---

func userKey(userID int64) string { return KeyUserPrefix + strconv.FormatInt(userID, 10) }

func (s *Redis) AddUserSession(ctx context.Context, userID int64, sessionID string) error {
	return s.do(ctx, func(ctx context.Context) error {
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, userKey(userID), sessionID)
			pipe.Expire(ctx, userKey(userID), UserHistoryTTL)
			return nil
		})
		return err
	})
}

func (s *Redis) UserOwnedSession(ctx context.Context, userID int64, sessionID string) (bool, error) {
	var owned bool
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		owned, err = s.rdb.SIsMember(ctx, userKey(userID), sessionID).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("user history %d: %w", userID, err)
	}
	return owned, nil
}

// --- endpoints ---

func (s *Redis) PutEndpoint(ctx context.Context, ep *veil.Endpoint, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = veil.SessionTTL
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal endpoint: %w", err)
	}
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, KeyEndpointPrefix+ep.ID, data, ttl).Err()
	})
}

func (s *Redis) GetEndpoint(ctx context.Context, id string) (*veil.Endpoint, error) {
	var ep veil.Endpoint
	err := s.do(ctx, func(ctx context.Context) error {
		data, err := s.rdb.Get(ctx, KeyEndpointPrefix+id).Bytes()
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &ep)
	})
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("endpoint %s: %w", id, veil.ErrEndpointExpired)
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint %s: %w", id, err)
	}
	return &ep, nil
}

func (s *Redis) DeleteEndpoint(ctx context.Context, id string) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Del(ctx, KeyEndpointPrefix+id).Err()
	})
}

// --- security ---

func (s *Redis) RecordSuspicious(ctx context.Context, rec *veil.SuspiciousActivity) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal suspicious activity: %w", err)
	}
	key := fmt.Sprintf("%s%d:%d", KeySuspiciousPrefix, rec.Timestamp, rec.UserID)
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Set(ctx, key, data, SuspiciousTTL).Err()
	})
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.rdb.Ping(ctx).Err()
	})
}

func (s *Redis) Close() error { return s.rdb.Close() }
