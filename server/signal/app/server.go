package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "skilltrade_server/server/common/auth"
	"skilltrade_server/server/common/infra/cache"
	"skilltrade_server/server/common/infra/mq"
	"skilltrade_server/server/common/middleware"
	signalapi "skilltrade_server/server/signal/api"
	signalservice "skilltrade_server/server/signal/service"
)

type Server struct {
	HTTPServer *http.Server
	Hub        *signalservice.Hub
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Publisher  *mq.Publisher

	stopReaper context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub := signalservice.NewHub(cfg.QueueSize)
	srv := &Server{Hub: hub}

	if cfg.RedisEnabled {
		redisClient := cache.NewClient(cfg.RedisAddr)
		if err := cache.Ping(ctx, redisClient); err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		hub.UseRedis(redisClient)
		if err := hub.StartRedisSubscriber(context.Background()); err != nil {
			_ = redisClient.Close()
			return nil, fmt.Errorf("start redis subscriber: %w", err)
		}
		srv.Redis = redisClient
	}

	if cfg.UseMQ {
		mqConn, err := mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			srv.closeInfra()
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		srv.MQConn = mqConn
		publisher, err := mq.NewPublisher(mqConn)
		if err != nil {
			srv.closeInfra()
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		srv.Publisher = publisher
		hub.UseEvents(publisher)
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	srv.stopReaper = stopReaper
	go hub.RunReaper(reaperCtx, cfg.IdleTimeout)

	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	h := signalapi.NewHandler(hub, auth, signalapi.Options{
		RequireAuth:    cfg.RequireAuth,
		IdleTimeout:    cfg.IdleTimeout,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger("signal"))
	h.RegisterRoutes(r)

	srv.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      middleware.WithCORS(r, cfg.AllowedOrigins),
		ReadTimeout:  20 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	if s.stopReaper != nil {
		s.stopReaper()
	}
	s.Hub.Close()
	s.closeInfra()
	return err
}

func (s *Server) closeInfra() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	s.Hub.StopRedisSubscriber()
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
}
