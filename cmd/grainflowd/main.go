// grainflowd hosts grainflow entities behind the ops HTTP surface. It
// wires the configured event store, stream publisher, tracing, and metrics
// around a demo order grain so the stack can be exercised end to end:
//
//	grainflowd -config grainflow.yaml
//	curl -X POST localhost:8080/entities/order/order-1/fire -d '{"trigger":"Submit"}'
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grainflow/grainflow/pkg/actor"
	"github.com/grainflow/grainflow/pkg/config"
	"github.com/grainflow/grainflow/pkg/core"
	"github.com/grainflow/grainflow/pkg/eventlog"
	"github.com/grainflow/grainflow/pkg/machine"
	grainprom "github.com/grainflow/grainflow/pkg/observability/prometheus"
	"github.com/grainflow/grainflow/pkg/observability/tracing"
	"github.com/grainflow/grainflow/pkg/stream"
	"github.com/grainflow/grainflow/pkg/web"
)

func main() {
	configPath := flag.String("config", "", "path to a grainflow config file (yaml or json)")
	flag.Parse()

	logger := core.NewDefaultLogger()
	if err := run(*configPath, logger); err != nil {
		logger.Errorf("grainflowd: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, logger core.Logger) error {
	cfg := config.Default()
	if configPath != "" {
		if err := config.LoadWithEnv(configPath, "GRAINFLOW", &cfg); err != nil {
			return err
		}
	} else if err := config.ApplyEnvOverrides("GRAINFLOW", &cfg); err != nil {
		return err
	}
	if err := config.Validate(&cfg,
		config.OneOf("Store.Driver", "memory", "fs", "sqlite", "postgres", "pgx"),
		config.Range("Actor.SnapshotInterval", 1, 1_000_000),
	); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		provider, err := tracing.Setup(tracing.Config{
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warnf("tracing shutdown: %v", err)
			}
		}()
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	var publisher stream.Publisher
	if cfg.Stream.Enabled {
		p, err := stream.NewNATSPublisher(cfg.Stream.NATSConfig())
		if err != nil {
			return err
		}
		publisher = p
		defer p.Close()
	}

	resolver := actor.NewMemoryResolver()
	if err := registerDemoOrders(ctx, resolver, store, publisher, cfg, logger); err != nil {
		return err
	}

	srv := web.New(web.Config{
		Addr:     cfg.Web.Addr,
		Resolver: resolver,
		Logger:   logger,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("grainflowd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (eventlog.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return eventlog.NewMemoryStore(), nil
	case "fs":
		return eventlog.NewFSStore(eventlog.FSStoreConfig{Dir: cfg.DSN})
	case "sqlite":
		return eventlog.NewSQLiteStore(ctx, cfg.DSN)
	case "postgres":
		return eventlog.NewPostgresStore(ctx, cfg.DSN)
	case "pgx":
		return eventlog.NewPgxStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// orderDefinition is the demo grain served by the standalone daemon.
func orderDefinition() *machine.Definition {
	b := machine.NewBuilder("order", machine.MustParseVersion("1.0.0"))
	b.InitialState("Created")
	b.Configure("Created").Permit("Submit", "PaymentPending")
	b.Configure("PaymentPending").Permit("Pay", "Paid").Permit("Cancel", "Cancelled")
	b.Configure("Paid").Permit("Ship", "Shipped")
	b.Configure("Shipped").Permit("Deliver", "Completed")
	b.Configure("Completed")
	b.Configure("Cancelled")
	return b.MustBuild()
}

func registerDemoOrders(ctx context.Context, resolver *actor.MemoryResolver, store eventlog.Store, publisher stream.Publisher, cfg config.Config, logger core.Logger) error {
	def := orderDefinition()
	opts := cfg.Actor.ActorOptions()
	opts.EnableIdempotency = true
	if publisher != nil {
		opts.PublishToStream = true
		if opts.StreamNamespace == "" {
			opts.StreamNamespace = "orders"
		}
	}

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("order-%d", i)
		a, err := actor.New(actor.Config{
			EntityID:   id,
			Definition: def,
			Store:      store,
			Publisher:  publisher,
			Logger:     logger,
			Observer:   grainprom.NewObserver("order", nil),
			Options:    opts,
		})
		if err != nil {
			return err
		}
		if err := a.Activate(ctx); err != nil {
			return err
		}
		resolver.Register("order", id, a)
	}
	return nil
}
