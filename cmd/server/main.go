package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/detective-arena/api/internal/auth"
	"github.com/detective-arena/api/internal/config"
	"github.com/detective-arena/api/internal/handler"
	"github.com/detective-arena/api/internal/identity"
	"github.com/detective-arena/api/internal/logger"
	"github.com/detective-arena/api/internal/middleware"
	"github.com/detective-arena/api/internal/model"
	"github.com/detective-arena/api/internal/replygen"
	"github.com/detective-arena/api/internal/repository/postgres"
	redisrepo "github.com/detective-arena/api/internal/repository/redis"
	"github.com/detective-arena/api/internal/service"
)

// advanceInterval drives the cycle state machine when no traffic does.
const advanceInterval = 5 * time.Second

func main() {
	logger.Init()
	cfg := config.Load()
	log.Info().Str("databaseURL", cfg.DatabaseURL).Msg("Config loaded")

	// Stats database
	db, err := postgres.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()

	// Game store
	redisClient, err := redisrepo.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Redis connection failed")
	}
	defer redisClient.Close()

	statsRepo := postgres.NewStatsRepo(db)

	// Outbound clients
	identityClient := identity.NewClient(cfg.IdentityURL, cfg.IdentityAPIKey)
	replyGen := replygen.NewClient(cfg.ReplyGenURL, cfg.ReplyGenClientID, cfg.ReplyGenClientSecret, cfg.ReplyGenTokenURL)

	// Auth
	jwtMgr := auth.NewJWTManager(cfg.JWTSecret)

	// WebSocket hub
	wsHub := handler.NewHub()

	// Services
	cycleCfg := model.CycleConfig{
		MaxPlayers:           cfg.Game.MaxPlayers,
		MinPlayers:           cfg.Game.MinPlayers,
		MatchWidth:           cfg.Game.MatchWidth,
		MatchDuration:        cfg.Game.MatchDuration,
		RegistrationDuration: cfg.Game.RegistrationDuration,
		LiveDuration:         cfg.Game.LiveDuration,
		FinishedGrace:        cfg.Game.FinishedGrace,
	}
	cycleSvc := service.NewCycleService(redisClient, wsHub, cycleCfg)
	rosterSvc := service.NewRosterService(redisClient, identityClient, cycleSvc)
	matchSvc := service.NewMatchService(redisClient, cycleSvc, wsHub)
	botReplySvc := service.NewBotReplyService(redisClient, replyGen, wsHub)
	matchSvc.SetReplier(botReplySvc)
	leaderboardSvc := service.NewLeaderboardService(redisClient, statsRepo, matchSvc)
	cycleSvc.SetAggregator(leaderboardSvc)

	// Handlers
	authHandler := handler.NewAuthHandler(jwtMgr)
	cycleHandler := handler.NewCycleHandler(cycleSvc, rosterSvc)
	matchHandler := handler.NewMatchHandler(matchSvc)
	leaderboardHandler := handler.NewLeaderboardHandler(leaderboardSvc)
	adminHandler := handler.NewAdminHandler(cycleSvc)
	wsHandler := handler.NewWSHandler(wsHub, jwtMgr)

	// Router
	mux := http.NewServeMux()
	authMw := auth.Middleware(jwtMgr)

	// Health
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Auth (public)
	mux.HandleFunc("POST /auth/refresh", authHandler.RefreshToken)
	mux.HandleFunc("GET /auth/dev", authHandler.DevLogin)

	// Protected API routes
	api := http.NewServeMux()
	api.HandleFunc("GET /cycle", cycleHandler.GetCycle)
	api.HandleFunc("POST /cycle/register", cycleHandler.Register)
	api.HandleFunc("GET /cycle/players", cycleHandler.ListPlayers)
	api.HandleFunc("GET /matches", matchHandler.ListMatches)
	api.HandleFunc("GET /matches/{id}", matchHandler.GetMatch)
	api.HandleFunc("POST /matches/{id}/messages", matchHandler.SendMessage)
	api.HandleFunc("PUT /matches/{id}/vote", matchHandler.UpdateVote)
	api.HandleFunc("POST /matches/{id}/lock", matchHandler.LockVote)
	api.HandleFunc("GET /leaderboard", leaderboardHandler.TopPlayers)
	api.HandleFunc("GET /leaderboard/bots", leaderboardHandler.TopBots)
	api.HandleFunc("GET /leaderboard/players/{fid}", leaderboardHandler.PlayerStats)
	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", authMw(api)))

	// Agent controllers authenticate with a static key, not player JWTs.
	agents := http.NewServeMux()
	agents.HandleFunc("POST /cycle/agents", cycleHandler.RegisterAgent)
	mux.Handle("/api/v1/cycle/agents", http.StripPrefix("/api/v1", auth.RequireKey(cfg.AgentAPIKey)(agents)))

	// Admin surface
	admin := http.NewServeMux()
	admin.HandleFunc("POST /admin/cycle/transition", adminHandler.ForceTransition)
	admin.HandleFunc("POST /admin/cycle/reset", adminHandler.ResetCycle)
	mux.Handle("/api/v1/admin/", http.StripPrefix("/api/v1", auth.RequireKey(cfg.AdminAPIKey)(admin)))

	// WebSocket (auth via query param, not middleware)
	mux.HandleFunc("GET /api/v1/ws", wsHandler.ServeWS)

	// Apply global middleware
	root := middleware.Chain(mux, middleware.Logger, middleware.CORS("*"), middleware.JSON)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background drive: transitions fire on reads, but a quiet server still
	// needs its deadlines honored.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(advanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := cycleSvc.AdvanceIfDue(ctx); err != nil {
					log.Error().Err(err).Msg("Background cycle advance failed")
				}
			}
		}
	}()

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server shutdown error")
	}
	log.Info().Msg("Server stopped")
}
