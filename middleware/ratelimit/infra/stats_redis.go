package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore espelha as estatísticas em hashes do Redis, para que
// várias instâncias do gateway possam ser somadas fora do processo.
//
// Layout (prefix padrão "ratelimit:stats"):
//
//	<prefix>:total                 requests / blocked
//	<prefix>:minute:<yyyymmddhhmm> requests / blocked (expira com ttl)
//	<prefix>:endpoint              <endpoint>:requests / <endpoint>:blocked
//	<prefix>:reason                <motivo da negação>
//	<prefix>:client:<client id>    requests / blocked (opcional, expira com ttl)
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix string
	// ttl aplica apenas em chaves de série temporal / por cliente.
	// total é cumulativo e não expira.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackClients bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

// WithStatsTrackClients liga contadores por cliente. Cuidado com a cardinalidade.
func WithStatsTrackClients(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackClients = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	totalKey := s.prefix + ":total"

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, "requests", 1)
	if !ev.Allowed {
		pipe.HIncrBy(ctx, totalKey, "blocked", 1)
	}

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, "requests", 1)
		if !ev.Allowed {
			pipe.HIncrBy(ctx, bucketKey, "blocked", 1)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if ep := strings.TrimSpace(ev.Endpoint); ep != "" {
		endpointKey := s.prefix + ":endpoint"
		pipe.HIncrBy(ctx, endpointKey, ep+":requests", 1)
		if !ev.Allowed {
			pipe.HIncrBy(ctx, endpointKey, ep+":blocked", 1)
		}
	}

	if !ev.Allowed && ev.Reason != "" {
		pipe.HIncrBy(ctx, s.prefix+":reason", ev.Reason, 1)
	}

	if s.trackClients {
		id := strings.TrimSpace(ev.ClientID)
		if id == "" {
			id = string(ev.Key)
		}
		if id != "" {
			clientKey := s.prefix + ":client:" + id
			pipe.HIncrBy(ctx, clientKey, "requests", 1)
			if !ev.Allowed {
				pipe.HIncrBy(ctx, clientKey, "blocked", 1)
			}
			if s.ttl > 0 {
				pipe.Expire(ctx, clientKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
