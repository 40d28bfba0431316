package server

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tiny-giraffes/life-beacon-360/internal/auth"
	"github.com/tiny-giraffes/life-beacon-360/internal/config"
	"github.com/tiny-giraffes/life-beacon-360/internal/db"
	"github.com/tiny-giraffes/life-beacon-360/internal/ingest"
	"github.com/tiny-giraffes/life-beacon-360/internal/stream"
)

type Server struct {
	App    *fiber.App
	Cfg    config.Config
	DB     db.Querier
	Redis  *redis.Client
	Stream *stream.Hub
}

func NewServer(cfg config.Config, pool *pgxpool.Pool, redisClient *redis.Client) *Server {
	var q db.Querier
	if pool != nil {
		q = pool
	}
	return newServer(cfg, q, redisClient)
}

func newServer(cfg config.Config, q db.Querier, redisClient *redis.Client) *Server {
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     q,
		Redis:  redisClient,
		Stream: stream.NewHub(redisClient),
	}

	registerRoutes(s)
	return s
}

// Close releases the stream subscription. The caller owns the pools.
func (s *Server) Close() error {
	return s.Stream.Close()
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "database": s.DB != nil, "redis": s.Redis != nil})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), auth.NewService(s.Cfg.JWTSecret, s.DB), auth.APITokenMiddleware(s.Cfg.APIToken))
	ingest.RegisterRoutes(s.App.Group("/api"), ingest.NewService(s.DB, s.Stream), jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, jwtMiddleware)
}
