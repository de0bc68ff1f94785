package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juanbautista0/federation-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	defaultRedisKey     = "federation:config"
	defaultRedisChannel = "federation:config:changed"
)

// RedisConfigStore shares one federation document between gateway
// replicas. Save publishes the new version so peers reload it.
type RedisConfigStore struct {
	client  *redis.Client
	key     string
	channel string
	logger  *zap.Logger
}

// NewRedisConfigStore connects and pings the server.
func NewRedisConfigStore(cfg domain.RedisStore, logger *zap.Logger) (*RedisConfigStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key, channel := cfg.Key, cfg.Channel
	if key == "" {
		key = defaultRedisKey
	}
	if channel == "" {
		channel = defaultRedisChannel
	}

	return &RedisConfigStore{
		client:  client,
		key:     key,
		channel: channel,
		logger:  logger.With(zap.String("component", "redis_config_store")),
	}, nil
}

func (s *RedisConfigStore) Close() error {
	return s.client.Close()
}

func (s *RedisConfigStore) Load(ctx context.Context) (*domain.FederationConfig, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: key %s", ErrConfigNotFound, s.key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", s.key, err)
	}
	return decodeConfig(data)
}

func (s *RedisConfigStore) Save(ctx context.Context, cfg *domain.FederationConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key, data, 0)
	pipe.Publish(ctx, s.channel, cfg.Version)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save %s: %w", s.key, err)
	}
	return nil
}

// Watch subscribes to the change channel and reloads on every message.
func (s *RedisConfigStore) Watch(ctx context.Context, callback func(*domain.FederationConfig)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				cfg, err := s.Load(ctx)
				if err != nil {
					s.logger.Warn("config reload skipped", zap.String("version", msg.Payload), zap.Error(err))
					continue
				}
				callback(cfg)
			}
		}
	}()

	return nil
}
