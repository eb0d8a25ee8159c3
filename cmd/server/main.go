package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"securechannel/internal/config"
	"securechannel/internal/metrics"
	"securechannel/internal/repository/bundle"
	redisSvc "securechannel/internal/service/redis"
	"securechannel/internal/service/server"
	"securechannel/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		panic(err)
	}
	if err := log.Init(cfg.LogLevel, cfg.LogDev); err != nil {
		panic(err)
	}
	defer log.Sync()

	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoDBClient, err := initMongo(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatal("connect mongo failed", zap.Error(err))
	}
	defer mongoDBClient.Disconnect(context.Background())

	bundles := bundle.NewBundleRepo(mongoDBClient.Database(cfg.MongoDatabase))
	if err := bundles.EnsureIndexes(ctx); err != nil {
		log.Fatal("create bundle indexes failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	queue := redisSvc.NewRedis(rdb)
	defer queue.Close()
	if err := queue.Ping(ctx); err != nil {
		log.Fatal("connect redis failed", zap.Error(err))
	}

	if err := server.NewHttpServer(bundles, queue).Run(ctx, cfg.Addr); err != nil {
		log.Error("relay stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("relay shut down")
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
