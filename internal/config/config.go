package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort uint16 `env:"REDIS_PORT" envDefault:"6379"   validate:"min=1000,max=65535"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"auction_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"auction_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"auction_db"`

	// StoreDriver selects where auctions and bids live.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres" validate:"oneof=postgres memory"`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"8085" validate:"min=1000,max=65535"`
	LogFormat      string `env:"LOG_FORMAT"       envDefault:"console" validate:"oneof=console json"`

	RateLimitBackend       string        `env:"RATE_LIMIT_BACKEND"        envDefault:"memory" validate:"oneof=memory redis postgres"`
	RateLimitMaxRequests   int           `env:"RATE_LIMIT_MAX_REQUESTS"   envDefault:"100"    validate:"min=1"`
	RateLimitWindow        time.Duration `env:"RATE_LIMIT_WINDOW"         envDefault:"1m"     validate:"min=1ms"`
	RateLimitSweepInterval time.Duration `env:"RATE_LIMIT_SWEEP_INTERVAL" envDefault:"1m"     validate:"min=1s"`

	BidRateMax    int           `env:"BID_RATE_MAX"    envDefault:"5"  validate:"min=1"`
	BidRateWindow time.Duration `env:"BID_RATE_WINDOW" envDefault:"1m" validate:"min=1ms"`

	AntiSnipeWindow        time.Duration `env:"ANTI_SNIPE_WINDOW"         envDefault:"10m" validate:"min=1s"`
	AntiSnipeMaxExtensions int           `env:"ANTI_SNIPE_MAX_EXTENSIONS" envDefault:"0"   validate:"min=0"`
	BidCommitRetries       int           `env:"BID_COMMIT_RETRIES"        envDefault:"3"   validate:"min=0,max=20"`

	BroadcastBuffer      int  `env:"BROADCAST_BUFFER"       envDefault:"64" validate:"min=1"`
	BroadcastRedisFanout bool `env:"BROADCAST_REDIS_FANOUT" envDefault:"false"`

	ActivitySink   string `env:"ACTIVITY_SINK"   envDefault:"log" validate:"oneof=log postgres redis"`
	ActivityBuffer int    `env:"ACTIVITY_BUFFER" envDefault:"256" validate:"min=1"`

	WatcherInterval time.Duration `env:"WATCHER_INTERVAL" envDefault:"1s" validate:"min=10ms"`
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.RateLimitBackend == "redis" || c.BroadcastRedisFanout || c.ActivitySink == "redis"
}

// NeedsPostgres reports whether any configured component talks to PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	return c.StoreDriver == "postgres" || c.RateLimitBackend == "postgres" || c.ActivitySink != "log"
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}
	return parse()
}

func parse() (*Config, error) {
	cfg := &Config{}
	// Parse config from environment variables
	if err := env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
