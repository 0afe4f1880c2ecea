package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipgate/internal/support"
)

const (
	redisConfigKey     = "ipgate:config:security"
	redisConfigChannel = "ipgate:config:security:updates"
	redisOpTimeout     = 5 * time.Second
)

// RedisSync mirrors the security config between instances. Only the config
// document travels; every instance keeps its own blocklist.
type RedisSync struct {
	client *redis.Client
	origin string
	apply  func(SecurityConfig)
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type syncEnvelope struct {
	Origin string         `json:"origin"`
	Config SecurityConfig `json:"config"`
}

// EnableRedisSynchronization adopts the config stored in Redis when there is
// one, otherwise seeds Redis with current. Remote updates are handed to apply.
// A nil client disables synchronization and returns nil.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client, current SecurityConfig, apply func(SecurityConfig)) *RedisSync {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	syncCtx, cancel := context.WithCancel(ctx)
	s := &RedisSync{
		client: client,
		origin: support.InstanceID(),
		apply:  apply,
		ctx:    syncCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	loaded, err := s.loadFromRedis(syncCtx)
	if err != nil {
		log.Error("Config sync: failed to load security config from redis", "error", err)
	}
	if !loaded {
		if err := s.Publish(syncCtx, current); err != nil {
			log.Error("Config sync: failed to publish security config to redis", "error", err)
		}
	}

	pubsub := client.Subscribe(syncCtx, redisConfigChannel)
	go s.subscribe(pubsub)

	return s
}

func (s *RedisSync) loadFromRedis(ctx context.Context) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := s.client.Get(opCtx, redisConfigKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	return true, s.adoptStored(payload)
}

// adoptStored applies the config kept under the redis key. The stored
// document may come from this instance's previous run, so the origin is not
// checked.
func (s *RedisSync) adoptStored(payload string) error {
	envelope, err := decodeEnvelope(payload)
	if err != nil {
		return err
	}
	if err := envelope.Config.Validate(); err != nil {
		return err
	}
	if s.apply != nil {
		s.apply(envelope.Config.Clone())
	}
	return nil
}

func (s *RedisSync) subscribe(pubsub *redis.PubSub) {
	defer close(s.done)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(s.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		s.handleMessage(msg.Payload)
	}
}

// handleMessage applies a published config unless it came from this instance
// or fails validation. It reports whether apply ran.
func (s *RedisSync) handleMessage(payload string) bool {
	envelope, err := decodeEnvelope(payload)
	if err != nil {
		log.Error("Config sync: invalid payload", "error", err)
		return false
	}
	if envelope.Origin == s.origin {
		return false
	}
	if err := envelope.Config.Validate(); err != nil {
		log.Error("Config sync: rejecting remote security config", "origin", envelope.Origin, "error", err)
		return false
	}

	if s.apply != nil {
		s.apply(envelope.Config.Clone())
	}
	log.Debug("Config sync: applied remote security config", "origin", envelope.Origin)
	return true
}

func decodeEnvelope(payload string) (syncEnvelope, error) {
	var envelope syncEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return syncEnvelope{}, fmt.Errorf("decode security config envelope: %w", err)
	}
	return envelope, nil
}

// Publish stores cfg in Redis and notifies the other instances. It is a no-op
// on a nil RedisSync.
func (s *RedisSync) Publish(ctx context.Context, cfg SecurityConfig) error {
	if s == nil {
		return nil
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(syncEnvelope{Origin: s.origin, Config: cfg})
	if err != nil {
		return fmt.Errorf("serialize security config: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := s.client.Set(opCtx, redisConfigKey, payload, 0).Err(); err != nil {
		return err
	}
	return s.client.Publish(opCtx, redisConfigChannel, payload).Err()
}

// Close stops the subscription goroutine. The redis client stays open.
func (s *RedisSync) Close() {
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}
