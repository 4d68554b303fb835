package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	commonauth "skilltrade_server/server/common/auth"
	"skilltrade_server/server/common/infra/cache"
	"skilltrade_server/server/common/infra/db"
	"skilltrade_server/server/common/infra/docdb"
	"skilltrade_server/server/common/infra/mq"
	"skilltrade_server/server/common/infra/object"
	commonlog "skilltrade_server/server/common/log"
	"skilltrade_server/server/common/middleware"
	matchapi "skilltrade_server/server/matchman/api"
	matchservice "skilltrade_server/server/matchman/service"
)

// Deps holds the connections a matching service may own. Every field is
// optional and closed by Close.
type Deps struct {
	Redis     *redis.Client
	Mongo     *mongo.Client
	Postgres  *pgxpool.Pool
	MQConn    *amqp.Connection
	Publisher *mq.Publisher
}

func (d *Deps) Close() {
	if d.Publisher != nil {
		d.Publisher.Close()
	}
	if d.MQConn != nil {
		_ = d.MQConn.Close()
	}
	if d.Mongo != nil {
		_ = d.Mongo.Disconnect(context.Background())
	}
	if d.Postgres != nil {
		d.Postgres.Close()
	}
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
}

// NewMatchingService wires the store, embedder and optional collaborators
// described by cfg. A store that fails to load is reported but not fatal.
func NewMatchingService(ctx context.Context, cfg Config) (*matchservice.MatchingService, *Deps, error) {
	deps := &Deps{}
	fail := func(err error) (*matchservice.MatchingService, *Deps, error) {
		deps.Close()
		return nil, nil, err
	}

	var embedder matchservice.Embedder
	switch strings.ToLower(cfg.Embedder) {
	case "hash":
		embedder = matchservice.NewHashEmbedder(cfg.HashDim)
	case "openai":
		embedder = matchservice.NewOpenAIEmbedder(cfg.OpenAIURL, cfg.OpenAIKey, cfg.OpenAIModel)
	default:
		return fail(fmt.Errorf("unknown embedder %q", cfg.Embedder))
	}

	if cfg.EmbedCacheEnabled {
		redisClient := cache.NewClient(cfg.RedisAddr)
		if err := cache.Ping(ctx, redisClient); err != nil {
			_ = redisClient.Close()
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		deps.Redis = redisClient
		embedder = matchservice.NewCachedEmbedder(embedder, redisClient, cfg.EmbedCacheTTL)
	}

	opts := matchservice.Options{EmbedTimeout: cfg.EmbedTimeout}

	switch strings.ToLower(cfg.ProfileSource) {
	case "", "none":
	case "mongo":
		client, err := docdb.NewClient(ctx, cfg.MongoURI)
		if err != nil {
			return fail(fmt.Errorf("connect mongo: %w", err))
		}
		deps.Mongo = client
		opts.Source = matchservice.NewMongoProfileSource(client)
	case "postgres":
		pool, err := db.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return fail(fmt.Errorf("connect postgres: %w", err))
		}
		deps.Postgres = pool
		source := matchservice.NewPostgresProfileSource(pool)
		if err := source.EnsureSchema(ctx); err != nil {
			return fail(err)
		}
		opts.Source = source
	default:
		return fail(fmt.Errorf("unknown profile source %q", cfg.ProfileSource))
	}

	if cfg.SnapshotEnabled {
		client, err := object.NewClient(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOUseSSL)
		if err != nil {
			return fail(fmt.Errorf("initialize minio: %w", err))
		}
		if err := object.EnsureBucket(ctx, client, cfg.MinIOBucket); err != nil {
			return fail(fmt.Errorf("ensure bucket: %w", err))
		}
		opts.Snapshots = matchservice.NewSnapshotStore(client, cfg.MinIOBucket, cfg.SnapshotPrefix)
	}

	if cfg.UseMQ {
		conn, err := mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return fail(fmt.Errorf("initialize lavinmq: %w", err))
		}
		deps.MQConn = conn
		publisher, err := mq.NewPublisher(conn)
		if err != nil {
			return fail(fmt.Errorf("initialize amqp publisher: %w", err))
		}
		deps.Publisher = publisher
		opts.Events = publisher
	}

	store, err := matchservice.OpenStore(cfg.DataDir)
	if err != nil {
		commonlog.Exceptionf("open vector store in %s: %v", cfg.DataDir, err)
	}
	return matchservice.NewMatchingService(store, embedder, opts), deps, nil
}

type Server struct {
	HTTPServer *http.Server
	Service    *matchservice.MatchingService
	Deps       *Deps
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc, deps, err := NewMatchingService(ctx, cfg)
	if err != nil {
		return nil, err
	}

	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	h := matchapi.NewHandler(svc, auth)

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger("matchman"))
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      middleware.WithCORS(r, cfg.AllowedOrigins),
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{HTTPServer: httpServer, Service: svc, Deps: deps}, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.Service.Close()
	s.Deps.Close()
	return err
}
