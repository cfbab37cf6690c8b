package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/avoinkirjasto/patron-auth-api/api/swagger"
	"github.com/avoinkirjasto/patron-auth-api/internal/handler"
	"github.com/avoinkirjasto/patron-auth-api/internal/middleware"
	"github.com/avoinkirjasto/patron-auth-api/internal/repository"
	"github.com/avoinkirjasto/patron-auth-api/internal/service"
	"github.com/avoinkirjasto/patron-auth-api/pkg/cache"
	"github.com/avoinkirjasto/patron-auth-api/pkg/config"
	"github.com/avoinkirjasto/patron-auth-api/pkg/database"
	"github.com/avoinkirjasto/patron-auth-api/pkg/logger"
	"github.com/avoinkirjasto/patron-auth-api/pkg/mail"
	corsmiddleware "github.com/avoinkirjasto/patron-auth-api/pkg/middleware/cors"
	reqidmiddleware "github.com/avoinkirjasto/patron-auth-api/pkg/middleware/requestid"
)

// @title Patron Auth API
// @version 1.0.0
// @description Authentication gateway with persistent login token support
// @BasePath /
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewLoginTokenRepository(db)
	sessionRepo := repository.NewSessionRepository(redisClient, logr, cfg.JWT.Expiration)

	notifier := service.NewNotifierService(mail.NewSMTPMailer(cfg.Mail), cfg.Mail, logr)
	notifier.Start(ctx)
	defer notifier.Stop()

	tokenSvc := service.NewTokenService(tokenRepo, userRepo, sessionRepo, notifier, metrics, logr, service.TokenConfig{
		Lifetime: cfg.LoginToken.Lifetime(),
	})

	authSvc := service.NewAuthService(userRepo, sessionRepo, tokenSvc, metrics, nil, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})

	maintenance := service.NewMaintenanceService(tokenSvc, cfg.LoginToken.PurgeInterval, logr)
	go maintenance.Run(ctx)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "database unavailable"})
			return
		}
		if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(authSvc, tokenSvc, cfg.LoginToken)
	deviceHandler := handler.NewDeviceHandler(tokenSvc, cfg.LoginToken)

	api := r.Group(cfg.APIPrefix)
	auth := api.Group("/auth")
	{
		auth.POST("/register", authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/token-login", authHandler.TokenLogin)

		protected := auth.Group("")
		protected.Use(middleware.JWT(authSvc))
		{
			protected.POST("/logout", authHandler.Logout)
			protected.POST("/change-password", authHandler.ChangePassword)
			protected.GET("/me", authHandler.Me)
			protected.GET("/devices", deviceHandler.List)
			protected.DELETE("/devices/:series", deviceHandler.Revoke)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		logr.Sugar().Infow("shutting down")
		_ = srv.Shutdown(context.Background())
	}()

	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
