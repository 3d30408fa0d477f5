package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/npezzotti/softtalk/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
)

type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	HistoryCap int
}

// RedisStore keeps profiles as JSON strings mirrored into the allProfiles hash,
// memberships as sets and history as capped lists.
type RedisStore struct {
	rdb        *redis.Client
	log        *slog.Logger
	historyCap int64
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, logger *slog.Logger, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,

		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})
	rdb.AddHook(NewRedisLogHook(logger))

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return newRedisStore(rdb, logger, opts.HistoryCap), nil
}

func newRedisStore(rdb *redis.Client, logger *slog.Logger, historyCap int) *RedisStore {
	return &RedisStore{
		rdb:        rdb,
		log:        logger,
		historyCap: int64(normalizeCap(historyCap)),
	}
}

func (s *RedisStore) PutProfile(ctx context.Context, externalId string, p types.Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, profileKey(externalId), b, 0)
		pipe.HSet(ctx, allProfilesKey, externalId, b)
		return nil
	})
	return err
}

func (s *RedisStore) GetProfile(ctx context.Context, externalId string) (types.Profile, error) {
	raw, err := s.rdb.Get(ctx, profileKey(externalId)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Profile{}, ErrNotFound
		}
		return types.Profile{}, err
	}

	var p types.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.Profile{}, fmt.Errorf("unmarshal profile %q: %w", externalId, err)
	}
	return p, nil
}

func (s *RedisStore) ListProfiles(ctx context.Context) ([]types.Profile, error) {
	vals, err := s.rdb.HVals(ctx, allProfilesKey).Result()
	if err != nil {
		return nil, err
	}

	profiles := make([]types.Profile, 0, len(vals))
	for _, v := range vals {
		var p types.Profile
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			s.log.Warn("store.profile.corrupt", "err", err)
			continue
		}
		profiles = append(profiles, p)
	}

	sortProfiles(profiles)
	return profiles, nil
}

// AppendMessage pushes to the tail and trims the head inside one MULTI block,
// so the list never exceeds the cap between the two commands.
func (s *RedisStore) AppendMessage(ctx context.Context, conversationKey string, m types.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	key := historyKey(conversationKey)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, b)
		pipe.LTrim(ctx, key, -s.historyCap, -1)
		return nil
	})
	return err
}

func (s *RedisStore) ReadMessages(ctx context.Context, conversationKey string) ([]types.Message, error) {
	vals, err := s.rdb.LRange(ctx, historyKey(conversationKey), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	msgs := make([]types.Message, 0, len(vals))
	for _, v := range vals {
		var m types.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			s.log.Warn("store.message.corrupt", "conversation", conversationKey, "err", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisStore) AddMembership(ctx context.Context, a, b string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, membershipKey(a), b)
		pipe.SAdd(ctx, membershipKey(b), a)
		return nil
	})
	return err
}

func (s *RedisStore) ListMembership(ctx context.Context, id string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, membershipKey(id)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
