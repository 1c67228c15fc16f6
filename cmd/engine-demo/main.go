// engine-demo runs the marketplace sample on the engine: SQLite storage,
// optional NATS, Redis and blob snapshots from ENGINE_* variables. At start
// it registers a few vendors and books a slot, then serves until
// interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/plaenen/eventengine/examples/marketplace"
	"github.com/plaenen/eventengine/pkg/config"
	"github.com/plaenen/eventengine/pkg/engine"
	natsbus "github.com/plaenen/eventengine/pkg/messaging/nats"
	"github.com/plaenen/eventengine/pkg/observability"
	"github.com/plaenen/eventengine/pkg/query"
	"github.com/plaenen/eventengine/pkg/runner"
	"github.com/plaenen/eventengine/pkg/store/sqlite"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:  cfg.ServiceName,
		Environment:  "demo",
		MetricReader: sdkmetric.NewManualReader(),
		Logger:       logger,
		SetGlobal:    true,
	})
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	if cfg.NATSEmbedded && cfg.NATSURL == "" {
		srv, err := natsbus.StartEmbeddedServer()
		if err != nil {
			return err
		}
		defer srv.Shutdown()
		cfg.NATSURL = srv.URL()
		logger.Info("embedded nats started", slog.String("url", cfg.NATSURL))
	}

	registry, err := marketplace.Registry()
	if err != nil {
		return err
	}
	e, err := engine.Open(ctx, cfg, registry, engine.WithLogger(logger), engine.WithTelemetry(tel))
	if err != nil {
		return err
	}

	// With a file DSN the read models share the database file with the
	// engine's stores, so their rows and checkpoints survive restarts
	// together. ":memory:" gives them a private database that, like the
	// engine's, is gone at exit.
	dbOpts := []sqlite.Option{sqlite.WithDSN(cfg.SQLiteDSN), sqlite.WithAutoMigrate(false)}
	if cfg.SQLiteDSN == ":memory:" {
		dbOpts = []sqlite.Option{sqlite.WithMemoryDatabase(), sqlite.WithAutoMigrate(false)}
	}
	readDB, err := sqlite.Open(dbOpts...)
	if err != nil {
		return err
	}
	defer readDB.Close()

	if _, err := marketplace.Install(ctx, e, readDB.DB, marketplace.NewMemoryPayments(), marketplace.NewMemoryAvailability()); err != nil {
		return err
	}

	return runner.New([]runner.Service{e, &seed{e: e, logger: logger}},
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(15*time.Second),
	).Run(ctx)
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// seed issues sample commands once the engine is running.
type seed struct {
	e      *engine.Engine
	logger *slog.Logger
}

func (s *seed) Name() string { return "seed" }

func (s *seed) Start(ctx context.Context) error {
	vendors := []marketplace.RegisterVendor{
		{VendorID: "spree-studio", Name: "Spree Studio", Email: "hello@spree.example", City: "Berlin", Lat: 52.52, Lon: 13.405},
		{VendorID: "havel-loft", Name: "Havel Loft", Email: "loft@havel.example", City: "Potsdam", Lat: 52.39, Lon: 13.06},
	}
	for _, v := range vendors {
		res, err := s.e.ExecuteCommand(ctx, v)
		if err != nil {
			// Already there from a previous run.
			s.logger.InfoContext(ctx, "vendor not registered", slog.String("vendor_id", v.VendorID), slog.String("error", err.Error()))
			continue
		}
		if _, err := s.e.ExecuteCommand(ctx, marketplace.ApproveVendor{VendorID: res.AggregateID, ApprovedBy: "seed"}); err != nil {
			return err
		}
	}

	booking := marketplace.RequestBooking{
		BookingID:  uuid.NewString(),
		VendorID:   "spree-studio",
		GuestEmail: "guest@example.com",
		Start:      time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour),
		Hours:      2,
		HourlyRate: "39.90",
		Currency:   "EUR",
	}
	res, err := s.e.ExecuteCommand(ctx, booking)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "booking requested",
		slog.String("booking_id", booking.BookingID),
		slog.String("status", res.Status.String()))

	hits, qres, err := query.ExecuteAs[[]marketplace.NearbyVendor](ctx, s.e.Queries,
		marketplace.FindVendors{Near: &marketplace.GeoPoint{Lat: 52.5, Lon: 13.4}, RadiusKm: 50})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "vendors near berlin",
		slog.Int("count", len(hits)),
		slog.String("read_model", qres.ReadModel))
	return nil
}

func (s *seed) Stop(context.Context) error { return nil }
