package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-zlock/v1/store"
	"github.com/mirkobrombin/go-zlock/v1/store/memory"
	redisstore "github.com/mirkobrombin/go-zlock/v1/store/redis"
	"github.com/mirkobrombin/go-zlock/v1/store/zookeeper"
	"github.com/mirkobrombin/go-zlock/v1/syncbus"
)

const (
	defaultSessionTTL     = 10 * time.Second
	defaultBreakerTimeout = 5 * time.Second
	// Kafka topic names can't contain ':'.
	defaultKafkaTopic = "zlock.events"
)

// session is a store session the CLI owns and closes.
type session interface {
	store.Store
	Close() error
}

type config struct {
	Backend          string
	RedisAddr        string
	Bus              string
	BusTopic         string
	NATSURL          string
	KafkaBrokers     []string
	BreakerThreshold int
	BreakerTimeout   time.Duration
	SessionTTL       time.Duration
	ZKServers        []string
}

func loadConfig() config {
	return config{
		Backend:          viper.GetString("backend"),
		RedisAddr:        viper.GetString("redis-addr"),
		Bus:              viper.GetString("bus"),
		BusTopic:         viper.GetString("bus-topic"),
		NATSURL:          viper.GetString("nats-url"),
		KafkaBrokers:     strings.Split(viper.GetString("kafka-brokers"), ","),
		BreakerThreshold: viper.GetInt("breaker-threshold"),
		BreakerTimeout:   viper.GetDuration("breaker-timeout"),
		SessionTTL:       viper.GetDuration("session-ttl"),
		ZKServers:        strings.Split(viper.GetString("zk-servers"), ","),
	}
}

// backend hands out sessions on one coordination store.
type backend struct {
	connect func(ctx context.Context) (session, error)
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func openBackend(cfg config, log *slog.Logger) (*backend, error) {
	switch cfg.Backend {
	case "memory":
		srv := memory.NewServer(memory.WithLogger(log))
		return &backend{connect: func(ctx context.Context) (session, error) {
			return srv.Connect(ctx)
		}}, nil
	case "redis":
		return openRedis(cfg, log)
	case "zookeeper", "zk":
		return &backend{connect: func(ctx context.Context) (session, error) {
			s, err := zookeeper.Connect(cfg.ZKServers, cfg.SessionTTL, zookeeper.WithLogger(log))
			if err != nil {
				return nil, err
			}
			if err := s.EnsureConnected(ctx); err != nil {
				_ = s.Close()
				return nil, err
			}
			return s, nil
		}}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func openRedis(cfg config, log *slog.Logger) (*backend, error) {
	b := &backend{}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	b.closers = append(b.closers, client.Close)

	var bus syncbus.Bus
	opts := []redisstore.Option{redisstore.WithSessionTTL(cfg.SessionTTL), redisstore.WithLogger(log)}
	switch cfg.Bus {
	case "redis", "":
		rb := syncbus.NewRedisBus(client, syncbus.WithRedisLogger(log))
		b.closers = append(b.closers, rb.Close)
		bus = rb
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		b.closers = append(b.closers, func() error { nc.Close(); return nil })
		bus = syncbus.NewNATSBus(nc)
	case "kafka":
		kb, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, sarama.NewConfig())
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		b.closers = append(b.closers, func() error { kb.Close(); return nil })
		bus = kb
		if cfg.BusTopic == "" {
			cfg.BusTopic = defaultKafkaTopic
		}
	default:
		_ = b.Close()
		return nil, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
	if cfg.BreakerThreshold > 0 {
		bus = syncbus.NewCircuitBreaker(bus, cfg.BreakerThreshold, cfg.BreakerTimeout, syncbus.WithBreakerLogger(log))
	}
	if cfg.BusTopic != "" {
		opts = append(opts, redisstore.WithTopic(cfg.BusTopic))
	}
	srv := redisstore.NewServer(client, bus, opts...)
	b.connect = func(ctx context.Context) (session, error) {
		return srv.Connect(ctx)
	}
	return b, nil
}
