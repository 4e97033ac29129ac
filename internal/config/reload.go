package config

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// reloadChannel is the Redis pub/sub channel announcing config updates.
// Any published message triggers a reload; the payload names the publisher
// and is only logged.
const reloadChannel = "gateway:config:update"

// Source delivers validated configuration snapshots. Consumers receive a
// fresh *Config per update and swap it in atomically; a snapshot that fails
// to load or validate is never delivered.
type Source interface {
	Snapshots() <-chan *Config
	Close() error
}

// RedisSource reloads the configuration when a message arrives on the
// shared reload channel. Multiple gateway instances subscribed to the same
// Redis all pick up the update.
type RedisSource struct {
	rdb        *redis.Client
	instanceID string
	load       func() (*Config, error)
	log        *slog.Logger

	ch        chan *Config
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisSource creates a RedisSource and starts listening. load is called
// on every announcement; pass config.Load (or a closure over LoadFile).
func NewRedisSource(rdb *redis.Client, instanceID string, load func() (*Config, error), log *slog.Logger) *RedisSource {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisSource{
		rdb:        rdb,
		instanceID: instanceID,
		load:       load,
		log:        log,
		ch:         make(chan *Config, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Snapshots returns the channel of validated snapshots.
func (s *RedisSource) Snapshots() <-chan *Config { return s.ch }

// Close stops the subscription. The snapshot channel is closed once the
// listener exits.
func (s *RedisSource) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *RedisSource) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	pubsub := s.rdb.Subscribe(ctx, reloadChannel)
	defer pubsub.Close()

	s.log.Info("config reload listener started",
		slog.String("channel", reloadChannel),
		slog.String("instance", s.instanceID),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			s.log.Info("config reload requested",
				slog.String("publisher", msg.Payload),
				slog.String("instance", s.instanceID),
			)

			cfg, err := s.load()
			if err != nil {
				s.log.Error("config reload rejected",
					slog.String("error", err.Error()),
				)
				continue
			}

			// Keep only the newest pending snapshot.
			select {
			case s.ch <- cfg:
			default:
				select {
				case <-s.ch:
				default:
				}
				s.ch <- cfg
			}
		}
	}
}

// Announce publishes a reload request to every subscribed instance.
func Announce(ctx context.Context, rdb *redis.Client, publisher string) error {
	return rdb.Publish(ctx, reloadChannel, publisher).Err()
}
