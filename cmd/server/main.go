package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-erd/internal/api"
	"github.com/npezzotti/go-erd/internal/config"
	"github.com/npezzotti/go-erd/internal/database"
	"github.com/npezzotti/go-erd/internal/server"
	"github.com/npezzotti/go-erd/internal/stats"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	redisAddr      string
	idleTimeout    time.Duration
	skipMigrations bool
	allowedOrigins stringSliceFlag
)

func main() {
	logger := log.New(os.Stderr, "[go-erd] ", log.LstdFlags)

	if err := config.LoadEnv(); err != nil {
		logger.Fatal("env:", err)
	}

	flag.StringVar(&addr, "addr", config.Getenv("ERD_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", config.Getenv("ERD_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", config.Getenv("ERD_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.StringVar(&redisAddr, "redis", config.Getenv("ERD_REDIS_ADDR", ""), "redis address for relaying broadcasts between instances")
	flag.DurationVar(&idleTimeout, "room-idle-timeout", config.GetenvDuration("ERD_ROOM_IDLE_TIMEOUT", config.DefaultRoomIdleTimeout), "how long an empty room stays loaded")
	flag.BoolVar(&skipMigrations, "skip-migrations", config.GetenvBool("ERD_SKIP_MIGRATIONS", false), "do not migrate the database on startup")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := config.Getenv("ERD_ALLOWED_ORIGINS", ""); v != "" {
			allowedOrigins.Set(v)
		}
	}

	opts := []config.Option{config.WithRoomIdleTimeout(idleTimeout)}
	if redisAddr != "" {
		opts = append(opts, config.WithRedis(redisAddr))
	}
	if skipMigrations {
		opts = append(opts, config.WithoutMigrations())
	}

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins, opts...)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgRepository(cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if !cfg.SkipMigrations {
		if err := dbConn.Migrate(); err != nil {
			logger.Fatal("db migrate:", err)
		}
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	serverOpts := []server.Option{server.WithIdleRoomTimeout(cfg.RoomIdleTimeout)}
	if cfg.RedisAddr != "" {
		relay, err := server.NewRedisRelay(ctx, cfg.RedisAddr, logger)
		if err != nil {
			logger.Fatal("redis relay:", err)
		}
		defer relay.Close()
		serverOpts = append(serverOpts, server.WithRelay(relay))
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	diagramServer := server.NewDiagramServer(logger, dbConn, statsUpdater, serverOpts...)

	srv := api.NewApp(mux, logger, diagramServer, dbConn, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go diagramServer.Run()

	deletes, err := diagramServer.WatchDeletes(ctx)
	if err != nil {
		logger.Fatal("watch deletes:", err)
	}
	defer deletes.Unsubscribe()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutting down diagram server...")
	if err := diagramServer.Shutdown(shutDownCtx); err != nil {
		logger.Println("diagram server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
