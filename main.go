package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"bidengine/internal/activity"
	"bidengine/internal/broadcast"
	"bidengine/internal/config"
	"bidengine/internal/database/db_client"
	"bidengine/internal/http/http_server"
	"bidengine/internal/ratelimit"
	"bidengine/internal/redis/redis_client"
	"bidengine/internal/services/auction"
	"bidengine/internal/store"
	"bidengine/internal/syncactivity"
	"bidengine/internal/watcher/auctionwatcher"
	"bidengine/internal/ws"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var Log = zap.NewNop()

func newLogger(format string) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if format == "json" {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func main() {
	Log = newLogger(os.Getenv("LOG_FORMAT"))
	defer Log.Sync()
	zap.ReplaceGlobals(Log)

	var (
		err         error
		cfg         *config.Config
		redisClient *redis.Client
		pgDb        *sql.DB
	)

	// 1. Load configuration
	cfg, err = config.LoadConfig()
	if err != nil {
		Log.Fatal("Failed to load configuration", zap.Error(err))
	}
	Log.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// 3. Redis, only when something uses it
	if cfg.NeedsRedis() {
		redisClient, err = redis_client.NewRedisClient(ctx, cfg.RedisHost, int(cfg.RedisPort))
		if err != nil {
			Log.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		Log.Debug("Redis client created successfully")
	}

	// 4. Postgres db client + schema
	if cfg.NeedsPostgres() {
		pgDb, err = db_client.Open(cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresDb)
		if err != nil {
			Log.Fatal("pg-open", zap.Error(err))
		}
		defer pgDb.Close()
		if err := db_client.Migrate(ctx, pgDb); err != nil {
			Log.Fatal("pg-migrate", zap.Error(err))
		}
	}

	// 5. Auction store
	var st store.Store = store.NewMemoryStore()
	if cfg.StoreDriver == "postgres" {
		st = store.NewPostgresStore(pgDb)
	}

	// 6. Rate limiter + periodic sweep
	var counters ratelimit.Store
	switch cfg.RateLimitBackend {
	case "redis":
		counters = ratelimit.NewRedisStore(redisClient)
	case "postgres":
		counters = ratelimit.NewPostgresStore(pgDb)
	default:
		counters = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.NewLimiter(counters)
	ratelimit.RunSweeper(ctx, limiter, cfg.RateLimitSweepInterval)

	// 7. Event broadcaster, optionally fanned out through Redis
	local := broadcast.NewBroadcaster(cfg.BroadcastBuffer)
	var bus broadcast.Bus = local
	if cfg.BroadcastRedisFanout {
		bus = broadcast.NewRedisBus(redisClient, local)
	}
	defer bus.Close()

	// 8. Activity log
	var sink activity.Sink = activity.LogSink{}
	switch cfg.ActivitySink {
	case "postgres":
		sink = activity.NewPostgresSink(pgDb)
	case "redis":
		sink = activity.NewStreamSink(redisClient)
		syncactivity.Run(ctx, redisClient, pgDb)
	}
	recorder := activity.NewLogger(sink, cfg.ActivityBuffer)
	defer recorder.Close()

	// 9. Auction state machine
	auctionService := auction.NewAuctionService(st, limiter, bus, recorder, auction.Config{
		BidRate:         ratelimit.Options{MaxRequests: cfg.BidRateMax, Window: cfg.BidRateWindow},
		AntiSnipeWindow: cfg.AntiSnipeWindow,
		MaxExtensions:   cfg.AntiSnipeMaxExtensions,
		CommitRetries:   cfg.BidCommitRetries,
	})

	// 10. Background: start and end auctions on schedule
	go auctionwatcher.Run(ctx, auctionService, cfg.WatcherInterval)

	// 11. WebSockets
	wsSrv := ws.NewWsServer(ws.NewHub(), bus, auctionService)

	// 12. HTTP + WS server
	httpServer := http_server.NewHttpServer(ctx, cfg.HttpServerPort, wsSrv, auctionService, limiter,
		ratelimit.Options{MaxRequests: cfg.RateLimitMaxRequests, Window: cfg.RateLimitWindow})
	disposed := make(chan struct{})
	go func() {
		defer close(disposed)
		<-ctx.Done()
		_ = httpServer.Dispose()
	}()
	if err := httpServer.Start(); err != nil {
		Log.Fatal("Failed to start HTTP server", zap.Error(err))
	}
	<-disposed
	Log.Info("shutdown complete")
}
