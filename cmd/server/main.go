package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/yourorg/stockfolio/internal/auth"
	"github.com/yourorg/stockfolio/internal/config"
	"github.com/yourorg/stockfolio/internal/gateway"
	"github.com/yourorg/stockfolio/internal/ingestion"
	"github.com/yourorg/stockfolio/internal/ledger"
	"github.com/yourorg/stockfolio/internal/logger"
	"github.com/yourorg/stockfolio/internal/market"
	pgRepo "github.com/yourorg/stockfolio/internal/repository/postgres"
	redisRepo "github.com/yourorg/stockfolio/internal/repository/redis"
)

func main() {
	cfgPath := flag.String("config", config.DefaultPath, "path to the yaml config")
	flag.Parse()

	envErr := godotenv.Load()

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("%s: can't load config", err)
	}
	level, _ := logger.ParseLevel(cfg.LogLevel)
	zapLogger, loggerSync, err := logger.NewZapLogger(level)
	if err != nil {
		log.Fatalf("%s: can't init logger", err)
	}
	defer loggerSync()
	if envErr != nil {
		zapLogger.Warnf("can't detect .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zapLogger.Debugf("trying to connect to db with: %s", &cfg.Postgres)
	db, err := pgRepo.Connect(&cfg.Postgres)
	if err != nil {
		zapLogger.Fatalf("%s: can't connect to db", err)
	}
	defer db.Close()
	zapLogger.Infof("database connected")

	if err := pgRepo.RunMigrations(&cfg.Postgres, cfg.MigrationsPath); err != nil {
		zapLogger.Fatalf("%s: can't run migrations", err)
	}
	zapLogger.Infof("migrations applied")

	redisClient, err := redisRepo.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		zapLogger.Fatalf("%s: can't connect to redis", err)
	}
	defer redisClient.Close()
	zapLogger.Infof("redis connected")

	userRepo := pgRepo.NewUserRepo(db)
	portfolioRepo := pgRepo.NewPortfolioRepo(db)
	holdingRepo := pgRepo.NewHoldingRepo(db)
	ledgerRepo := pgRepo.NewLedgerRepo(db)
	priceRepo := pgRepo.NewPriceRepo(db)
	store := pgRepo.NewStore(db, portfolioRepo, holdingRepo, ledgerRepo, priceRepo)
	quotes := redisRepo.NewQuoteCache(redisClient, cfg.Redis.QuoteTTL)

	jwtSvc := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	engine := ledger.NewEngine(store, zapLogger.With("component", "ledger"))
	prices := market.NewService(priceRepo, quotes, zapLogger.With("component", "market"))

	hub := gateway.NewHub(quotes, zapLogger.With("component", "ws"))
	go hub.Run(ctx)

	if cfg.Alpaca.Enabled() {
		stream := ingestion.NewStream(cfg.Alpaca, prices, zapLogger.With("component", "alpaca"))
		go stream.Run(ctx)
	} else {
		zapLogger.Infof("alpaca credentials not set, live ingestion disabled")
	}

	handlers := gateway.NewHandlers(
		userRepo, portfolioRepo, holdingRepo, ledgerRepo,
		engine, prices, jwtSvc, zapLogger.With("component", "http"),
	)
	router := gateway.NewRouter(handlers, hub, jwtSvc, cfg.Server.AllowedOrigins)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		zapLogger.Infof("server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Errorf("%s: server error", err)
			stop()
		}
	}()

	<-ctx.Done()
	zapLogger.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Errorf("%s: shutdown error", err)
	}
	zapLogger.Infof("server stopped")
}
