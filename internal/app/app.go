// Package app wires configuration into a running delivery engine. Both the
// API server and the standalone worker build through here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/delivery-engine/internal/alert"
	"github.com/ignite/delivery-engine/internal/config"
	"github.com/ignite/delivery-engine/internal/esp"
	"github.com/ignite/delivery-engine/internal/pkg/distlock"
	"github.com/ignite/delivery-engine/internal/pkg/logger"
	"github.com/ignite/delivery-engine/internal/repository/memory"
	"github.com/ignite/delivery-engine/internal/repository/postgres"
	"github.com/ignite/delivery-engine/internal/service/delivery"
	"github.com/ignite/delivery-engine/internal/storage"
	"github.com/ignite/delivery-engine/internal/worker"
)

// App holds the engine and the connections it was built on.
type App struct {
	Config *config.Config
	Engine *delivery.Engine
	Runner *worker.DrainRunner
	DB     *sql.DB
	Redis  *redis.Client
}

// ConfigureLogging applies the logging section to the package logger.
func ConfigureLogging(cfg config.LoggingConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(cfg.Redact())
}

// New connects to the configured backends and builds the engine and its
// drain runner. Optional backends that fail to connect are logged and
// skipped; a configured database that cannot be reached is an error.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	var store delivery.Store
	if cfg.Database.URL != "" {
		db, err := openDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		store = postgres.New(db)
		logger.Info("using postgres store")
	} else {
		store = memory.New()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	if cfg.Redis.Enabled() {
		a.Redis = openRedis(ctx, cfg.Redis)
	}

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if len(providers.Names()) == 0 {
		logger.Warn("no email providers configured, enqueue will reject every request")
	}

	ec := cfg.Engine()
	opts := []delivery.Option{}
	if a.Redis != nil {
		opts = append(opts, delivery.WithLimiter(delivery.NewRedisLimiter(a.Redis, cfg.Redis.Prefix)))
	}

	cacheTTL := ec.EventCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = delivery.DefaultEventCacheTTL
	}
	if cfg.Archive.Enabled() {
		awsCfg, err := storage.LoadAWSConfig(ctx, cfg.Archive.AWSRegion, cfg.Archive.GetAWSProfile())
		if err != nil {
			logger.Warn("AWS config unavailable, archive and dynamo dedup disabled", "error", err.Error())
		} else {
			if cfg.Archive.S3Bucket != "" {
				opts = append(opts, delivery.WithArchiver(storage.NewS3Archiver(awsCfg, cfg.Archive.S3Bucket, cfg.Archive.S3Prefix)))
				logger.Info("dead-letter archive enabled", "bucket", cfg.Archive.S3Bucket)
			}
			if cfg.Archive.DynamoDBTable != "" {
				opts = append(opts, delivery.WithDedupCache(storage.NewDynamoDedupCache(awsCfg, cfg.Archive.DynamoDBTable, int64(cacheTTL/time.Second))))
				logger.Info("dynamodb event dedup cache enabled", "table", cfg.Archive.DynamoDBTable)
			}
		}
	}
	if a.Redis != nil && cfg.Archive.DynamoDBTable == "" {
		opts = append(opts, delivery.WithDedupCache(delivery.NewRedisDedupCache(a.Redis, cfg.Redis.Prefix, cacheTTL)))
	}

	if cfg.Alerting.WebhookURL != "" {
		opts = append(opts, delivery.WithNotifier(alert.NewWebhookNotifier(cfg.Alerting.WebhookURL, nil)))
	} else {
		opts = append(opts, delivery.WithNotifier(alert.LogNotifier{}))
	}

	a.Engine = delivery.New(store, providers, ec, opts...)

	// Outlives one missed tick.
	lockTTL := 2*a.Engine.Config().LeaseDuration + cfg.Delivery.DrainInterval()
	lock := distlock.NewLock(a.Redis, a.DB, worker.DrainLockKey, lockTTL)
	a.Runner = worker.NewDrainRunner(a.Engine, lock, cfg.Delivery.DrainInterval(), 0)
	return a, nil
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// openRedis accepts either a redis:// URL or a bare host:port.
func openRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	var client *redis.Client
	if opts, err := redis.ParseURL(cfg.Addr); err == nil {
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, falling back to in-process limiter and dedup", "error", err.Error())
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}

func buildProviders(ctx context.Context, cfg *config.Config) (*esp.Registry, error) {
	reg := esp.NewRegistry()
	if cfg.SendGrid.APIKey != "" {
		reg.Register(esp.NewSendGridSender(esp.SendGridConfig{
			APIKey:  cfg.SendGrid.APIKey,
			BaseURL: cfg.SendGrid.BaseURL,
			Timeout: cfg.SendGrid.Timeout(),
		}, &http.Client{}))
	}
	if cfg.Mailgun.APIKey != "" && cfg.Mailgun.Domain != "" {
		reg.Register(esp.NewMailgunSender(esp.MailgunConfig{
			APIKey:  cfg.Mailgun.APIKey,
			Domain:  cfg.Mailgun.Domain,
			BaseURL: cfg.Mailgun.BaseURL,
			Timeout: cfg.Mailgun.Timeout(),
		}, &http.Client{}))
	}
	if cfg.SES.Enabled || (cfg.SES.AccessKey != "" && cfg.SES.SecretKey != "") {
		ses, err := esp.NewSESSender(ctx, esp.SESConfig{
			AccessKey:        cfg.SES.AccessKey,
			SecretKey:        cfg.SES.SecretKey,
			Region:           cfg.SES.Region,
			ConfigurationSet: cfg.SES.ConfigurationSet,
			Timeout:          cfg.SES.Timeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("ses sender: %w", err)
		}
		reg.Register(ses)
	}
	if cfg.SparkPost.APIKey != "" {
		reg.Register(esp.NewSparkPostSender(esp.SparkPostConfig{
			APIKey:  cfg.SparkPost.APIKey,
			BaseURL: cfg.SparkPost.BaseURL,
			Timeout: cfg.SparkPost.Timeout(),
		}, &http.Client{}))
	}
	for _, name := range reg.Names() {
		logger.Info("email provider registered", "provider", string(name))
	}
	return reg, nil
}
