package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plaenen/eventengine/pkg/config"
	"github.com/plaenen/eventengine/pkg/domain"
	natsbus "github.com/plaenen/eventengine/pkg/messaging/nats"
	"github.com/plaenen/eventengine/pkg/observability"
	"github.com/plaenen/eventengine/pkg/query"
	"github.com/plaenen/eventengine/pkg/store/blob"
	"github.com/plaenen/eventengine/pkg/store/sqlite"
)

// Open builds an engine from cfg:
//   - events, checkpoints and saga state in the SQLite database at SQLiteDSN
//     (":memory:" for a private in-memory database);
//   - snapshots in the blob bucket at SnapshotBlobURL if set, SQLite otherwise;
//   - query results in Redis at RedisAddr if set, in memory otherwise;
//   - committed events forwarded to NATS JetStream at NATSURL if set.
//
// opts are applied after the stores built from cfg and may replace them.
func Open(ctx context.Context, cfg config.Config, registry *domain.Registry, opts ...Option) (_ *Engine, err error) {
	o := options{config: cfg}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	dbOpts := []sqlite.Option{sqlite.WithDSN(cfg.SQLiteDSN)}
	if cfg.SQLiteDSN == ":memory:" {
		dbOpts = []sqlite.Option{sqlite.WithMemoryDatabase()}
	}
	db, err := sqlite.Open(dbOpts...)
	if err != nil {
		return nil, err
	}
	closers = append(closers, db.Close)

	built := []Option{
		WithConfig(cfg),
		WithEventStore(sqlite.NewEventStore(db)),
		WithSnapshotStore(sqlite.NewSnapshotStore(db)),
		WithCheckpointStore(sqlite.NewCheckpointStore(db)),
		WithSagaStore(sqlite.NewSagaStore(db)),
	}

	if cfg.SnapshotBlobURL != "" {
		snapshots, err := blob.OpenSnapshotStore(ctx, cfg.SnapshotBlobURL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, snapshots.Close)
		built = append(built, WithSnapshotStore(snapshots))
		logger.InfoContext(ctx, "snapshots in object storage", slog.String("url", cfg.SnapshotBlobURL))
	}

	if cfg.RedisAddr != "" {
		cache, err := query.DialRedisCache(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		closers = append(closers, cache.Close)
		built = append(built, WithQueryCache(cache))
		logger.InfoContext(ctx, "query results cached in redis", slog.String("addr", cfg.RedisAddr))
	}

	if cfg.NATSURL != "" {
		var metrics *observability.Metrics
		if o.telemetry != nil {
			metrics = o.telemetry.Metrics
		}
		busCfg := natsbus.DefaultConfig()
		busCfg.URL = cfg.NATSURL
		busCfg.Logger = logger
		busCfg.Metrics = metrics
		bus, err := natsbus.NewEventBus(busCfg)
		if err != nil {
			return nil, fmt.Errorf("connect event bus: %w", err)
		}
		closers = append(closers, bus.Close)
		built = append(built, WithEventBus(bus))
		logger.InfoContext(ctx, "forwarding events to nats", slog.String("url", cfg.NATSURL))
	}

	for _, fn := range closers {
		built = append(built, WithCloser(fn))
	}

	e, err := New(registry, append(built, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	return e, nil
}
