package main

import (
	"context"
	"flag"
	"os"
	"sync"

	"relay/internal/broker"
	"relay/internal/broker/paper"
	"relay/internal/checkpoint"
	"relay/internal/governor"
	"relay/internal/notify"
	"relay/internal/obs"
	"relay/internal/og"
	"relay/internal/ops"
	"relay/internal/order"
	"relay/internal/ratelimit"
	"relay/internal/registry"
	"relay/internal/risk"
	"relay/internal/schema"
	"relay/internal/store/pgstore"
	"relay/internal/watcher"
	"relay/pkg/conn"

	"github.com/grafana/pyroscope-go"
	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON config (env RELAY_* overrides it)")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		fatal("config load failed, err: %+v", err)
	}

	if loaded.Pyroscope != nil {
		profiler, err := startProfiler(*loaded.Pyroscope)
		if err != nil {
			logs.Errorf("pyroscope start failed, err: %+v", err)
		} else {
			defer func() {
				_ = profiler.Stop()
			}()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sys.Shutdown()
		logs.Info("shutdown requested")
		cancel()
	}()

	if err := run(ctx, loaded); err != nil {
		fatal("relay stopped, err: %+v", err)
	}
	logs.Info("relay stopped")
}

func fatal(format string, args ...any) {
	logs.Errorf(format, args...)
	os.Exit(1)
}

func startProfiler(cfg ops.PyroscopeConfig) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.App,
		ServerAddress:   cfg.Server,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
}

func run(ctx context.Context, loaded ops.Loaded) error {
	client, err := conn.New(ctx, loaded.Postgres)
	if err != nil {
		return err
	}
	defer client.Close()

	if loaded.Migrate {
		if err := pgstore.Migrate(ctx, client.Pool()); err != nil {
			return err
		}
	}
	db := pgstore.New(client.DB(), client.Pool(), loaded.PgStore)

	cp, closeCheckpoint := newCheckpoint(ctx, loaded.Redis)
	defer closeCheckpoint()

	publisher, err := newPublisher(loaded.Kafka)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logs.Warnf("close publisher, err: %+v", err)
		}
	}()

	brokers := broker.NewRegistry()
	brokers.Register("disabled", broker.FactoryFunc(func(schema.Credentials) (broker.Adapter, error) {
		return broker.NewDisabledAdapter(), nil
	}))
	if loaded.PaperBroker {
		brokers.Register("paper", paper.NewExchange(paper.Config{}).Factory())
	}
	logs.Infof("broker adapters registered: %v", brokers.Exchanges())

	metrics := obs.NewMetrics()
	users, err := registry.New(db, loaded.Registry)
	if err != nil {
		return err
	}
	defer users.Close()

	gate := risk.NewGate(loaded.Risk)
	users.OnRebuild(func(strategy string, accounts []schema.UserAccount) {
		ids := make([]string, 0, len(accounts))
		for _, u := range accounts {
			ids = append(ids, u.ID)
		}
		gate.Reset(ids...)
	})

	limiter := ratelimit.New(loaded.RateLimit)
	recon := og.NewReconciler(loaded.Confirm, db, db, publisher, metrics)
	dispatcher := order.NewDispatcher(loaded.Dispatch, users, gate, limiter, brokers, db, recon, metrics)
	defer dispatcher.Close()

	gov := governor.New(loaded.Governor, metrics,
		governor.Target{Name: "registry", Shed: func() int { users.Clear(); return -1 }},
		governor.Target{Name: "limiter", Shed: limiter.Reset},
		governor.Target{Name: "adapters", Shed: dispatcher.Shed},
	)

	w := watcher.New(loaded.Watcher, db, dispatcher, cp)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		gov.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		limiter.Run(ctx, loaded.SweepEvery)
	}()

	logs.Infof("relay started")
	err = w.Run(ctx)
	wg.Wait()
	return err
}

func newCheckpoint(ctx context.Context, cfg *ops.RedisConfig) (checkpoint.Store, func()) {
	if cfg == nil {
		logs.Warnf("redis not configured, watcher cursor kept in memory")
		return checkpoint.NewMemory(), func() {}
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logs.Warnf("redis ping %s failed, watcher cursor kept in memory, err: %+v", cfg.Addr, err)
		_ = rdb.Close()
		return checkpoint.NewMemory(), func() {}
	}
	return checkpoint.NewRedis(rdb, cfg.Key), func() { _ = rdb.Close() }
}

func newPublisher(cfg *notify.KafkaConfig) (notify.Publisher, error) {
	if cfg == nil {
		return notify.Noop{}, nil
	}
	return notify.NewKafka(*cfg)
}
