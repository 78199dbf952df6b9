package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"github.com/makrx/gateway/internal/auth"
	"github.com/makrx/gateway/internal/config"
	"github.com/makrx/gateway/internal/handlers"
	"github.com/makrx/gateway/internal/middleware"
	"github.com/makrx/gateway/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	blocklist := security.NewBlockList(nil)
	detector := security.NewThreatDetector(security.DefaultLimits(), nil)
	events := security.NewLogger(logger, detector, blocklist, nil)

	publicKey, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.Keycloak.PublicKeyPEM))
	if err != nil {
		log.Fatalf("Failed to parse verification key: %v", err)
	}

	validator := auth.NewValidator(auth.ValidatorConfig{
		KeycloakURL: cfg.Keycloak.URL,
		Realm:       cfg.Keycloak.Realm,
		Audience:    cfg.Keycloak.Audience,
		Keys:        auth.StaticKeyProvider{Key: publicKey},
		Events:      events,
		BlockList:   blocklist,
		Logger:      logger,
	})

	refresh := auth.NewRefreshService(auth.RefreshServiceConfig{
		KeycloakURL:  cfg.Keycloak.URL,
		Realm:        cfg.Keycloak.Realm,
		ClientID:     cfg.Keycloak.ClientID,
		ClientSecret: cfg.Keycloak.ClientSecret,
		Logger:       logger,
	})

	envelope := middleware.NewEnvelope(logger, cfg.IsProduction(), nil)
	authn := middleware.NewAuthenticator(validator)
	proactive := middleware.ProactiveRefresh(refresh)

	r := chi.NewRouter()
	r.Method(http.MethodPost, "/auth/refresh", envelope.Wrap(handlers.Refresh(refresh)))
	r.Method(http.MethodPost, "/auth/logout", envelope.Wrap(handlers.Logout(refresh)))
	r.Method(http.MethodGet, "/auth/me", envelope.Wrap(authn.Require(proactive(handlers.Me()))))
	r.Method(http.MethodGet, "/auth/security/stats",
		envelope.Wrap(authn.Require(authn.RequireAdmin(handlers.SecurityStats(events)))))

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Starting auth gateway on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
