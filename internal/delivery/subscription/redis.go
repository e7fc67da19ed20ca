package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	protov1 "github.com/marko911/chainhub/pkg/proto/v1"
)

const (
	keySubscription = "sub:"
	keyClientSubs   = "client:subs:"
	keyChainIndex   = "idx:chain:"
	keyKindIndex    = "idx:kind:"
	keyAddressIndex = "idx:address:"
	keyWildcardSubs = "idx:wildcard"
	keyExpirations  = "sub:expirations"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix string
}

// RedisManager keeps subscriptions in Redis so they survive gateway
// restarts. Each subscription is indexed under every chain, kind and
// address it names; subscriptions without filters go to the wildcard set.
type RedisManager struct {
	client    *redis.Client
	keyPrefix string
}

var _ Manager = (*RedisManager)(nil)

func NewRedisManager(ctx context.Context, cfg RedisConfig) (*RedisManager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisManagerWithClient(client, cfg.KeyPrefix), nil
}

func NewRedisManagerWithClient(client *redis.Client, keyPrefix string) *RedisManager {
	return &RedisManager{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (m *RedisManager) key(parts ...string) string {
	return m.keyPrefix + strings.Join(parts, "")
}

// indexKeys lists the index sets a subscription belongs to.
func (m *RedisManager) indexKeys(sub *Subscription) []string {
	f := sub.Filter
	if f.IsWildcard() {
		return []string{m.key(keyWildcardSubs)}
	}

	keys := make([]string, 0, len(f.Chains)+len(f.Kinds)+len(f.Addresses))
	for _, chain := range f.Chains {
		keys = append(keys, m.key(keyChainIndex, strings.ToLower(chain)))
	}
	for _, kind := range f.Kinds {
		keys = append(keys, m.key(keyKindIndex, string(kind)))
	}
	for _, addr := range f.Addresses {
		keys = append(keys, m.key(keyAddressIndex, strings.ToLower(addr)))
	}
	return keys
}

func (m *RedisManager) Subscribe(ctx context.Context, sub *Subscription) (string, error) {
	sub.prepare()

	data, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("marshal subscription: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.key(keySubscription, sub.ID), data, 0)
	pipe.SAdd(ctx, m.key(keyClientSubs, sub.ClientID), sub.ID)
	for _, k := range m.indexKeys(sub) {
		pipe.SAdd(ctx, k, sub.ID)
	}
	if !sub.ExpiresAt.IsZero() {
		pipe.ZAdd(ctx, m.key(keyExpirations), redis.Z{
			Score:  float64(sub.ExpiresAt.Unix()),
			Member: sub.ID,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("subscribe pipeline: %w", err)
	}
	return sub.ID, nil
}

func (m *RedisManager) Unsubscribe(ctx context.Context, subID string) error {
	sub, err := m.Get(ctx, subID)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	return m.removeSubscription(ctx, sub)
}

func (m *RedisManager) removeSubscription(ctx context.Context, sub *Subscription) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.key(keySubscription, sub.ID))
	pipe.SRem(ctx, m.key(keyClientSubs, sub.ClientID), sub.ID)
	for _, k := range m.indexKeys(sub) {
		pipe.SRem(ctx, k, sub.ID)
	}
	pipe.ZRem(ctx, m.key(keyExpirations), sub.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unsubscribe pipeline: %w", err)
	}
	return nil
}

func (m *RedisManager) UnsubscribeAll(ctx context.Context, clientID string) error {
	subs, err := m.ListByClient(ctx, clientID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := m.removeSubscription(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

func (m *RedisManager) Get(ctx context.Context, subID string) (*Subscription, error) {
	data, err := m.client.Get(ctx, m.key(keySubscription, subID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// load fetches subscriptions by id in one round trip, skipping ids whose
// record is gone.
func (m *RedisManager) load(ctx context.Context, ids []string) ([]*Subscription, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := m.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, m.key(keySubscription, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fetch subscriptions: %w", err)
	}

	subs := make([]*Subscription, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return nil, fmt.Errorf("unmarshal subscription: %w", err)
		}
		subs = append(subs, &sub)
	}
	return subs, nil
}

func (m *RedisManager) ListByClient(ctx context.Context, clientID string) ([]*Subscription, error) {
	ids, err := m.client.SMembers(ctx, m.key(keyClientSubs, clientID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list client subs: %w", err)
	}
	return m.load(ctx, ids)
}

func (m *RedisManager) Match(ctx context.Context, ev *protov1.Event) ([]MatchResult, error) {
	keys := []string{
		m.key(keyWildcardSubs),
		m.key(keyChainIndex, strings.ToLower(ev.Chain)),
		m.key(keyKindIndex, string(ev.Kind)),
	}
	for _, addr := range ev.Addresses() {
		keys = append(keys, m.key(keyAddressIndex, strings.ToLower(addr)))
	}

	ids, err := m.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("candidate subs: %w", err)
	}
	candidates, err := m.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	var results []MatchResult
	now := time.Now()
	for _, sub := range candidates {
		if sub.expired(now) || !sub.Filter.Matches(ev) {
			continue
		}
		results = append(results, MatchResult{SubscriptionID: sub.ID, ClientID: sub.ClientID})
	}
	return results, nil
}

func (m *RedisManager) Cleanup(ctx context.Context) (int, error) {
	expired, err := m.client.ZRangeByScore(ctx, m.key(keyExpirations), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("get expired subs: %w", err)
	}

	count := 0
	for _, id := range expired {
		if err := m.Unsubscribe(ctx, id); err == nil {
			count++
		}
	}
	return count, nil
}

func (m *RedisManager) Count(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		count  int64
	)
	for {
		keys, next, err := m.client.Scan(ctx, cursor, m.key(keySubscription)+"*", 1000).Result()
		if err != nil {
			return 0, fmt.Errorf("scan subscriptions: %w", err)
		}
		for _, k := range keys {
			// sub:expirations shares the prefix.
			if k != m.key(keyExpirations) {
				count++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

func (m *RedisManager) Close() error {
	return m.client.Close()
}
