package relay

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"realtime-service/internal/log"
)

// RedisPresence tracks live connections across nodes.
// Each user has a sorted set of connection ids scored by expiry (unix ms);
// the owning node keeps pushing the expiry forward while the connection lives.
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	local map[int]map[string]struct{}
}

func NewRedisPresence(client *redis.Client, prefix string, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &RedisPresence{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
		local:  make(map[int]map[string]struct{}),
	}
}

func (p *RedisPresence) key(userID int) string {
	return fmt.Sprintf("%s:user:%d", p.prefix, userID)
}

func (p *RedisPresence) expiry() float64 {
	return float64(p.now().Add(p.ttl).UnixMilli())
}

func (p *RedisPresence) Track(ctx context.Context, userID int, connID string) error {
	p.mu.Lock()
	if _, ok := p.local[userID]; !ok {
		p.local[userID] = make(map[string]struct{})
	}
	p.local[userID][connID] = struct{}{}
	p.mu.Unlock()

	key := p.key(userID)
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: p.expiry(), Member: connID})
		pipe.Expire(ctx, key, 2*p.ttl)
		return nil
	})
	return err
}

func (p *RedisPresence) Untrack(ctx context.Context, userID int, connID string) error {
	p.mu.Lock()
	if conns, ok := p.local[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(p.local, userID)
		}
	}
	p.mu.Unlock()

	return p.client.ZRem(ctx, p.key(userID), connID).Err()
}

// LiveCount counts unexpired connections of the user on any node.
func (p *RedisPresence) LiveCount(ctx context.Context, userID int) (int, error) {
	from := strconv.FormatInt(p.now().UnixMilli(), 10)
	n, err := p.client.ZCount(ctx, p.key(userID), from, "+inf").Result()
	return int(n), err
}

// Heartbeat refreshes the expiry of every connection held by this node and prunes expired members.
func (p *RedisPresence) Heartbeat(ctx context.Context) error {
	p.mu.Lock()
	snapshot := make(map[int][]string, len(p.local))
	for userID, conns := range p.local {
		for connID := range conns {
			snapshot[userID] = append(snapshot[userID], connID)
		}
	}
	p.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	score := p.expiry()
	cutoff := strconv.FormatInt(p.now().UnixMilli(), 10)
	_, err := p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for userID, conns := range snapshot {
			key := p.key(userID)
			members := make([]redis.Z, 0, len(conns))
			for _, connID := range conns {
				members = append(members, redis.Z{Score: score, Member: connID})
			}
			pipe.ZAdd(ctx, key, members...)
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
			pipe.Expire(ctx, key, 2*p.ttl)
		}
		return nil
	})
	return err
}

// RunHeartbeat calls Heartbeat on every tick until ctx is done.
func (p *RedisPresence) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = p.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				log.L().Warn().Err(err).Msg("presence heartbeat failed")
			}
		}
	}
}
