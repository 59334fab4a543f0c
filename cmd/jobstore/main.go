// Command jobstore runs the expiration sweeper for a bbolt-backed job store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	redis "github.com/redis/go-redis/v9"
	"github.com/wolfeidau/jobstore/expiry"
	"github.com/wolfeidau/jobstore/lock"
	"github.com/wolfeidau/jobstore/server"
	"github.com/wolfeidau/jobstore/store/jobdb"
	"github.com/wolfeidau/jobstore/telemetry"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	DB            string        `help:"Path to the job store database." default:"./jobstore.db" type:"path"`
	LogLevel      string        `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat     string        `help:"Log format." enum:"text,json,console" default:"text"`
	LockBackend   string        `help:"Distributed lock backend." enum:"bolt,redis" default:"bolt"`
	RedisAddr     string        `help:"Redis address for the redis lock backend." default:"localhost:6379"`
	RedisPrefix   string        `help:"Prefix for redis lock keys." default:"jobstore:"`
	LockLease     time.Duration `help:"How long a held lock stays valid without release." default:"30m"`
	LockTimeout   time.Duration `help:"How long to wait for the sweep lock." default:"10m"`
	CheckInterval time.Duration `help:"Wait between expiration passes." default:"30m"`
	BatchSize     int           `help:"Maximum records deleted per transaction." default:"1000"`
}

// CLI is the command line interface.
type CLI struct {
	Globals

	Serve ServeCmd `cmd:"" help:"Run the expiration loop and the admin HTTP server."`
	Sweep SweepCmd `cmd:"" help:"Run a single expiration pass and print the result."`
	Stats StatsCmd `cmd:"" help:"Print per-kind record counts."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("jobstore"),
		kong.Description("Expiration sweeper for the job store."),
		kong.DefaultEnvars("JOBSTORE"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	if err := kctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// ServeCmd runs the expiration loop alongside the admin server.
type ServeCmd struct {
	Address      string `help:"Address to listen on." default:":8080"`
	AuthToken    string `help:"Bearer token required for admin endpoints (optional)."`
	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." name:"otlp-endpoint"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
}

func (c *ServeCmd) Run(g *Globals) error {
	logger, err := g.logger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.Config{
		ServiceName:    "jobstore",
		ServiceVersion: version,
		OTLPEndpoint:   c.OTLPEndpoint,
		Prometheus:     c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logger.Warn("failed to shut down metrics", "error", err)
		}
	}()

	env, err := g.open(logger, expiry.WithMetrics(telemetry.Meter()))
	if err != nil {
		return err
	}
	defer env.close()

	storeGauges, err := telemetry.ObserveStore(env.db.Stats)
	if err != nil {
		return fmt.Errorf("registering store metrics: %w", err)
	}
	defer func() { _ = storeGauges.Unregister() }()

	srv := server.New(server.Config{
		Address:   c.Address,
		AuthToken: c.AuthToken,
		Logger:    logger.With("component", "server"),
	}, env.db, env.manager)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"db", g.DB,
		"lock_backend", g.LockBackend,
		"check_interval", g.CheckInterval,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// SweepCmd runs one expiration pass.
type SweepCmd struct{}

func (c *SweepCmd) Run(g *Globals) error {
	logger, err := g.logger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := g.open(logger)
	if err != nil {
		return err
	}
	defer env.close()

	result, sweepErr := env.manager.Sweep(ctx)
	if result != nil {
		if err := printJSON(result); err != nil {
			return err
		}
	}
	return sweepErr
}

// StatsCmd prints record counts.
type StatsCmd struct{}

func (c *StatsCmd) Run(g *Globals) error {
	logger, err := g.logger()
	if err != nil {
		return err
	}

	db := jobdb.NewBoltDB(jobdb.WithLogger(logger.With("component", "jobdb")))
	if err := db.Open(g.DB); err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}
	return printJSON(stats)
}

type environment struct {
	db      *jobdb.BoltDB
	manager *expiry.Manager
	closers []func() error
}

func (e *environment) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

// validateLease rejects a lease that could lapse while another process is
// still entitled to wait for the lock.
func (g *Globals) validateLease() error {
	if g.LockLease <= 0 {
		return fmt.Errorf("lock lease must be positive, got %s", g.LockLease)
	}
	if g.LockLease < g.LockTimeout {
		return fmt.Errorf("lock lease %s is shorter than lock timeout %s", g.LockLease, g.LockTimeout)
	}
	return nil
}

// open wires the store, the locker and the expiration manager.
func (g *Globals) open(logger *slog.Logger, opts ...expiry.ManagerOption) (*environment, error) {
	if err := g.validateLease(); err != nil {
		return nil, err
	}

	env := &environment{}

	db := jobdb.NewBoltDB(jobdb.WithLogger(logger.With("component", "jobdb")))
	if err := db.Open(g.DB); err != nil {
		return nil, err
	}
	env.db = db
	env.closers = append(env.closers, db.Close)

	locker, err := g.locker(logger, db, env)
	if err != nil {
		env.close()
		return nil, err
	}

	opts = append([]expiry.ManagerOption{expiry.WithLogger(logger.With("component", "expiry"))}, opts...)
	env.manager = expiry.New(expiry.SourcesFor(db), locker, expiry.Config{
		BatchSize:                  g.BatchSize,
		DistributedLockTimeout:     g.LockTimeout,
		JobExpirationCheckInterval: g.CheckInterval,
	}, opts...)

	return env, nil
}

func (g *Globals) locker(logger *slog.Logger, db *jobdb.BoltDB, env *environment) (lock.Locker, error) {
	lockLogger := logger.With("component", "lock")

	switch g.LockBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: g.RedisAddr})
		env.closers = append(env.closers, client.Close)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connecting to redis at %s: %w", g.RedisAddr, err)
		}
		return lock.NewRedis(client,
			lock.WithRedisLease(g.LockLease),
			lock.WithRedisPrefix(g.RedisPrefix),
			lock.WithRedisLogger(lockLogger),
		), nil
	default:
		return lock.NewBolt(db.DB(),
			lock.WithBoltLease(g.LockLease),
			lock.WithBoltLogger(lockLogger),
		)
	}
}

func (g *Globals) logger() (*slog.Logger, error) {
	var level slog.Level
	switch g.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch g.LogFormat {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "console":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("invalid log format: %s", g.LogFormat)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
