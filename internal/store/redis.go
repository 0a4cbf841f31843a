package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trading-agent/internal/order"
	"trading-agent/internal/risk"
	"trading-agent/internal/state"
)

// Redis keeps everything under one key prefix.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	log    zerolog.Logger
}

var _ Store = (*Redis)(nil)

// OpenRedis connects to url (redis://...) and verifies the connection.
func OpenRedis(ctx context.Context, url, prefix string, log zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, prefix, log), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string, log zerolog.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.With().Str("component", "redis_store").Logger(),
	}
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (r *Redis) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) SaveRiskState(ctx context.Context, st risk.RiskState) error {
	return r.setJSON(ctx, r.key("risk", st.Session), st, sessionTTL)
}

func (r *Redis) LoadRiskState(ctx context.Context, session string) (risk.RiskState, bool, error) {
	var st risk.RiskState
	ok, err := r.getJSON(ctx, r.key("risk", session), &st)
	return st, ok, err
}

func (r *Redis) SavePositions(ctx context.Context, session string, snap state.Snapshot) error {
	return r.setJSON(ctx, r.key("positions", session), snap, sessionTTL)
}

func (r *Redis) LoadPositions(ctx context.Context, session string) (state.Snapshot, bool, error) {
	var snap state.Snapshot
	ok, err := r.getJSON(ctx, r.key("positions", session), &snap)
	if snap.Positions == nil {
		snap.Positions = map[string]state.Position{}
	}
	return snap, ok, err
}

func (r *Redis) SaveOrder(ctx context.Context, o order.Order) error {
	return r.setJSON(ctx, r.key("orders", o.ClientOrderID), o, orderTTL)
}

func (r *Redis) LoadOrder(ctx context.Context, clientOrderID string) (order.Order, bool, error) {
	var o order.Order
	ok, err := r.getJSON(ctx, r.key("orders", clientOrderID), &o)
	return o, ok, err
}

func (r *Redis) RecordTrade(ctx context.Context, f state.Fill) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	key := r.key("trades")
	cutoff := r.now().Add(-tradeKeep).UnixMilli()
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(f.Time.UnixMilli()), Member: data})
		p.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		return nil
	})
	if err != nil {
		return fmt.Errorf("record trade %s: %w", f.ClientOrderID, err)
	}
	return nil
}

func (r *Redis) Trades(ctx context.Context, since time.Time) ([]state.Fill, error) {
	members, err := r.client.ZRangeByScore(ctx, r.key("trades"), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	out := make([]state.Fill, 0, len(members))
	for _, m := range members {
		var f state.Fill
		if err := json.Unmarshal([]byte(m), &f); err != nil {
			r.log.Warn().Err(err).Msg("skipping undecodable trade")
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *Redis) AddOrphans(ctx context.Context, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, o := range orders {
			data, err := json.Marshal(o)
			if err != nil {
				return fmt.Errorf("marshal order %s: %w", o.ClientOrderID, err)
			}
			p.Set(ctx, r.key("orders", o.ClientOrderID), data, orderTTL)
			p.SAdd(ctx, r.key("orphans"), o.ClientOrderID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save orphans: %w", err)
	}
	return nil
}

func (r *Redis) Orphans(ctx context.Context) ([]order.Order, error) {
	ids, err := r.client.SMembers(ctx, r.key("orphans")).Result()
	if err != nil {
		return nil, fmt.Errorf("load orphans: %w", err)
	}
	var out []order.Order
	for _, id := range ids {
		o, ok, err := r.LoadOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// expired with its order record
			r.client.SRem(ctx, r.key("orphans"), id)
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Redis) ClearOrphan(ctx context.Context, clientOrderID string) error {
	if err := r.client.SRem(ctx, r.key("orphans"), clientOrderID).Err(); err != nil {
		return fmt.Errorf("clear orphan %s: %w", clientOrderID, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
