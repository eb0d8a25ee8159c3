package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"securechannel/internal/config"
	"securechannel/internal/persist"
	"securechannel/internal/protocol/x3dh"
	"securechannel/internal/repository/recovery"
	"securechannel/internal/service/app"
	redisSvc "securechannel/internal/service/redis"
	"securechannel/internal/session"
	"securechannel/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	// os.Args[1] is our name, os.Args[2] the peer we talk to
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: client <name> <peer>")
		os.Exit(2)
	}
	name, peer := os.Args[1], os.Args[2]

	cfg, err := config.Load(".env")
	if err != nil {
		panic(err)
	}
	if err := log.Init(cfg.LogLevel, cfg.LogDev); err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoDBClient, err := initMongo(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatal("connect mongo failed", zap.Error(err))
	}
	defer mongoDBClient.Disconnect(context.Background())

	recoveries := recovery.NewRecoveryRepo(mongoDBClient.Database(cfg.MongoDatabase))
	if err := recoveries.EnsureIndexes(ctx); err != nil {
		log.Fatal("create recovery indexes failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	kv := redisSvc.NewRedis(rdb)
	defer kv.Close()

	identity, err := x3dh.NewIdentityBundle(name, 10)
	if err != nil {
		log.Fatal("generate identity failed", zap.Error(err))
	}

	member, err := app.NewApp(ctx, app.Options{
		Host:     cfg.Addr,
		Identity: identity,
		Session: session.Options{
			MembershipID:  cfg.MembershipID,
			Ratchet:       cfg.Ratchet,
			States:        persist.NewRedisStore(kv, cfg.StateTTL),
			Recoveries:    recoveries,
			FlushInterval: cfg.FlushInterval,
		},
		Index:    kv,
		IndexTTL: cfg.StateTTL,
		Out:      os.Stdout,
	})
	if err != nil {
		log.Fatal("join relay failed", zap.Error(err))
	}

	fmt.Printf("chatting with %s, one message per line\n", peer)
	if err := member.Run(ctx, peer, os.Stdin); err != nil && ctx.Err() == nil {
		log.Error("chat stopped", zap.Error(err))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := member.Stop(stopCtx); err != nil {
		log.Error("save state failed", zap.Error(err))
	}
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
