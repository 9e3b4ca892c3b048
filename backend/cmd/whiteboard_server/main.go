package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"syncflow/backend/config"
	"syncflow/backend/internal/authservice"
	"syncflow/backend/internal/cache"
	"syncflow/backend/internal/collab"
	"syncflow/backend/internal/httpapi"
	"syncflow/backend/internal/httpapi/middleware"
	"syncflow/backend/internal/store"
	"syncflow/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

// noteRepo 同时满足 collab.NoteRepository 与 authservice.UserRepository
type noteRepo interface {
	collab.NoteRepository
	authservice.UserRepository
}

type gormRepo struct {
	*store.NoteStore
	*store.UserStore
}

func openStore(dsn string) (noteRepo, error) {
	if dsn == "" {
		log.Printf("mysql.dsn empty, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	db, err := store.InitMySQL(dsn)
	if err != nil {
		return nil, err
	}
	return gormRepo{NoteStore: store.NewNoteStore(db), UserStore: store.NewUserStore(db)}, nil
}

func openKafka(cfg *config.ServerConfig) (*collab.KafkaDispatcher, sarama.SyncProducer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Printf("kafka.brokers empty, line events disabled")
		return nil, nil, nil
	}
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		return nil, nil, err
	}
	dispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		collab.NewSemaphoreControl(8),
		collab.KafkaDispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)
	return dispatcher, producer, nil
}

func main() {
	configFile := flag.String("config", "", "path to server config (default: serverConfig.yaml in ./backend/config, ./config, .)")
	flag.Parse()

	cfg, err := config.LoadServer(viper.New(), *configFile)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("whiteboard server %s (%s) port=%d", buildVersion, buildCommit, cfg.Running.Port)

	repo, err := openStore(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("open mysql: %v", err)
	}

	var (
		locks    cache.SoftLockRegistry
		presence cache.PresenceCache
	)
	if len(cfg.Redis.Addrs) > 0 {
		// 单地址是普通客户端，多地址是集群
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer rdb.Close()
		locks = cache.NewRedisSoftLocks(rdb)
		presence = cache.NewRedisPresence(rdb)
	} else {
		log.Printf("redis.addrs empty, using in-process soft locks")
		locks = cache.NewMemorySoftLocks()
		presence = cache.NewMemoryPresence()
	}

	dispatcher, producer, err := openKafka(cfg)
	if err != nil {
		log.Fatalf("connect kafka: %v", err)
	}
	var events collab.EventSink
	if dispatcher != nil {
		events = dispatcher
		defer producer.Close()
		defer dispatcher.Close()
	}

	svc := collab.NewWhiteboardService(repo, locks, events, collab.Options{
		LockTTL:      cfg.Whiteboard.LockTTL,
		DefaultLines: cfg.Whiteboard.DefaultLines,
	})
	hub := ws.NewHub(presence, cfg.Whiteboard.PresenceTTL)
	manager := ws.NewManager(hub, svc, collab.NewSemaphoreControl(cfg.Whiteboard.MaxInFlight))

	tokens := authservice.NewTokenIssuer(cfg.Auth.Secret)
	deps := httpapi.Deps{
		Service:  svc,
		WS:       manager,
		Presence: presence,
		Version:  buildVersion,
	}
	if cfg.Auth.Path != "" {
		deps.Verifier = middleware.NewRemoteVerifier(cfg.Auth.Path)
	} else {
		deps.Auth = authservice.NewHandler(repo, tokens)
		deps.Verifier = middleware.JWTVerifier{Tokens: tokens}
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: httpapi.NewRouter(deps),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
