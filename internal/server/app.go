package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/filedav-server/internal/auth"
	"github.com/filedav-server/internal/config"
	"github.com/filedav-server/internal/database"
	"github.com/filedav-server/internal/metadata"
	"github.com/filedav-server/internal/properties"
	"github.com/filedav-server/internal/storage"
	"github.com/filedav-server/internal/webdav"
)

// App 持有进程内共享的服务，启动时构造一次
type App struct {
	DB     *database.DB
	Auth   *auth.Service
	Router *gin.Engine

	redis  *redis.Client
	logger logrus.FieldLogger
}

// NewApp 连接数据库、执行迁移并装配全部服务
func NewApp(cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	logger.WithField("type", db.Dialect.String()).Info("Connected to database")

	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}

	app := &App{DB: db, logger: logger}

	props, err := app.newPropertyStore(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}

	resolver := storage.NewResolver(cfg.Storage.DataDir)
	storageService := storage.NewService(resolver)
	files := metadata.NewSQLStore(db, logger.WithField("component", "metadata"))
	files.OnDelete(purgeProperties(props, logger))

	app.Auth = auth.NewService(db, cfg.Auth, logger.WithField("component", "auth"))
	davHandler := webdav.NewHandler(files, props, storageService, logger.WithField("component", "webdav"))
	app.Router = NewRouter(cfg, app.Auth, davHandler, logger)

	return app, nil
}

func (a *App) newPropertyStore(cfg *config.Config) (properties.Store, error) {
	switch cfg.Properties.Backend {
	case "memory":
		a.logger.Warn("Dead properties are kept in memory and lost on restart")
		return properties.NewMemoryStore(), nil

	case "redis":
		timeout := cfg.Redis.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		})

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redis = client
		a.logger.WithField("address", cfg.Redis.Address).Info("Connected to Redis")
		return properties.NewRedisStore(client, cfg.Redis.KeyPrefix), nil

	default:
		return properties.NewSQLStore(a.DB), nil
	}
}

// purgeProperties drops dead properties of deleted records. A failure leaves
// unreachable entries behind, ids are never reused.
func purgeProperties(props properties.Store, logger logrus.FieldLogger) metadata.DeleteHook {
	return func(ctx context.Context, ids []int64) {
		if err := props.Purge(ctx, ids); err != nil {
			logger.WithError(err).WithField("count", len(ids)).Warn("failed to purge properties of deleted records")
		}
	}
}

// Close 释放数据库和 Redis 连接
func (a *App) Close() error {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close redis client")
		}
	}
	return a.DB.Close()
}
