// Package app wires every component this core owns into a single runnable
// process: config, the Redis/Postgres/NATS clients, the lock service,
// broker, task repository, node registry, reconciler, dispatcher, and the
// best-effort event bus.
package app

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/cnyy99/giggle/internal/broker"
	"github.com/cnyy99/giggle/internal/config"
	"github.com/cnyy99/giggle/internal/dispatcher"
	"github.com/cnyy99/giggle/internal/eventbus"
	"github.com/cnyy99/giggle/internal/locksvc"
	"github.com/cnyy99/giggle/internal/noderegistry"
	"github.com/cnyy99/giggle/internal/platform/natsclient"
	"github.com/cnyy99/giggle/internal/platform/pgclient"
	"github.com/cnyy99/giggle/internal/platform/redisclient"
	"github.com/cnyy99/giggle/internal/reconciler"
	"github.com/cnyy99/giggle/internal/taskrepo"
)

const cfgPath = "./configs/local.yaml"

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	redis *redis.Client
	pg    *sql.DB
	nats  *nats.Conn
	js    nats.JetStreamContext

	locks      *locksvc.Service
	broker     *broker.Broker
	repo       *taskrepo.Repository
	registry   *noderegistry.Registry
	reconciler *reconciler.Reconciler
	dispatcher *dispatcher.Dispatcher
	events     *eventbus.Bus
}

func newDI() *dependencyInjector {
	return &dependencyInjector{}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad(cfgPath)
	}
	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		di.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
		slog.SetDefault(di.logger)
	}
	return di.logger
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := redisclient.NewClient(redisclient.Config{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MinIdleConns: cfg.MinIdleConns,
			PingTimeout:  cfg.PingTimeout,
		})
		if err != nil {
			log.Fatalf("RedisClient: %+v", err)
		}
		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

func (di *dependencyInjector) PostgresClient(ctx context.Context) *sql.DB {
	if di.pg == nil {
		cfg := di.Config().Postgres
		db, err := pgclient.NewClient(pgclient.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatalf("PostgresClient: %+v", err)
		}
		di.pg = db
		di.Logger().Info("connected to postgres")
	}
	return di.pg
}

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.nats == nil {
		cfg := di.Config().NATS
		nc, err := natsclient.NewConnect(cfg.URL, natsclient.Config{
			MaxReconnects: cfg.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("NATSConn: %+v", err)
		}
		di.nats = nc
		di.Logger().Info("connected to nats", slog.String("url", cfg.URL))
	}
	return di.nats
}

func (di *dependencyInjector) JetStream(ctx context.Context) nats.JetStreamContext {
	if di.js == nil {
		cfg := di.Config().NATS
		js, err := natsclient.NewJetStream(di.NATSConn(ctx), cfg.StreamName, cfg.Subject)
		if err != nil {
			log.Fatalf("JetStream: %+v", err)
		}
		di.js = js
	}
	return di.js
}

func (di *dependencyInjector) Locks(ctx context.Context) *locksvc.Service {
	if di.locks == nil {
		cfg := di.Config()
		di.locks = locksvc.New(di.RedisClient(ctx), locksvc.Tuning{
			DefaultTTL:  cfg.DefaultLockTTL,
			DefaultWait: cfg.DefaultLockWait,
		})
	}
	return di.locks
}

func (di *dependencyInjector) Broker(ctx context.Context) *broker.Broker {
	if di.broker == nil {
		di.broker = broker.New(di.RedisClient(ctx))
	}
	return di.broker
}

func (di *dependencyInjector) TaskRepo(ctx context.Context) *taskrepo.Repository {
	if di.repo == nil {
		repo, err := taskrepo.New(di.PostgresClient(ctx))
		if err != nil {
			log.Fatalf("TaskRepo: %+v", err)
		}
		di.repo = repo
		di.Logger().Info("task repository schema ready")
	}
	return di.repo
}

func (di *dependencyInjector) NodeRegistry(ctx context.Context) *noderegistry.Registry {
	if di.registry == nil {
		cfg := di.Config()
		di.registry = noderegistry.New(di.Broker(ctx), di.TaskRepo(ctx), di.Locks(ctx), noderegistry.Tuning{
			LivenessWindow:      cfg.LivenessWindow,
			SelectionShardCount: int64(cfg.SelectionShardCount),
			PerNodeCapacity:     cfg.PerNodeCapacity,
		})
	}
	return di.registry
}

func (di *dependencyInjector) Reconciler(ctx context.Context) *reconciler.Reconciler {
	if di.reconciler == nil {
		di.reconciler = reconciler.New(di.Broker(ctx), di.Config().ReconcilerInterval)
	}
	return di.reconciler
}

func (di *dependencyInjector) EventBus(ctx context.Context) *eventbus.Bus {
	if di.events == nil {
		di.events = eventbus.New(di.JetStream(ctx), di.Config().NATS.Subject)
	}
	return di.events
}

func (di *dependencyInjector) Dispatcher(ctx context.Context) *dispatcher.Dispatcher {
	if di.dispatcher == nil {
		cfg := di.Config()
		di.dispatcher = dispatcher.New(
			di.Locks(ctx), di.TaskRepo(ctx), di.NodeRegistry(ctx), di.Broker(ctx), di.EventBus(ctx),
			dispatcher.Tuning{
				PerNodeCapacity:      cfg.PerNodeCapacity,
				MaxRetryAttempts:     cfg.MaxRetryAttempts,
				PendingDrainInterval: cfg.PendingDrainInterval,
				ReclaimInterval:      cfg.ReclaimerInterval,
				StuckThreshold:       cfg.StuckThreshold,
			},
		)
	}
	return di.dispatcher
}
