// Copyright 2026 The OneIDP Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oneidp/oneidp/internal/audit"
	"github.com/oneidp/oneidp/internal/binding"
	"github.com/oneidp/oneidp/internal/bot"
	"github.com/oneidp/oneidp/internal/config"
	"github.com/oneidp/oneidp/internal/oauth2"
	"github.com/oneidp/oneidp/internal/observability/logger"
	"github.com/oneidp/oneidp/internal/observability/metrics"
	"github.com/oneidp/oneidp/internal/observability/tracing"
	"github.com/oneidp/oneidp/internal/oidc"
	"github.com/oneidp/oneidp/internal/ratelimit"
	"github.com/oneidp/oneidp/internal/ssoclient"
	"github.com/oneidp/oneidp/internal/store/postgres"
	transportHTTP "github.com/oneidp/oneidp/internal/transport/http"
)

func main() {
	// First run: write a commented config template and stop so the
	// operator can fill in credentials.
	if config.FindConfigFile() == "" {
		const path = "config.yaml"
		if err := config.WriteDefault(path); err != nil {
			fmt.Printf("Failed to write default configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote default configuration to %s. Edit it and start again.\n", path)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		OTELEnabled: cfg.Observability.OTELEnabled,
	})
	slog.Info("starting oneidp identity provider")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx := context.Background()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   cfg.Observability.SamplingRate,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	}
	defer tracer.Shutdown(ctx)

	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	// Repositories
	bindUserRepo := postgres.NewBindUserRepository(db)
	pendingBindRepo := postgres.NewPendingBindRepository(db)
	pendingUnbindRepo := postgres.NewPendingUnbindRepository(db)
	pendingAuthRepo := postgres.NewPendingAuthRepository(db)
	tokenRepo := postgres.NewTokenRepository(db)
	authLogRepo := postgres.NewAuthorizationLogRepository(db)
	unbindLogRepo := postgres.NewUnbindLogRepository(db)

	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}

	var auditLogger audit.Logger = audit.NewSlogLogger()
	if meter != nil {
		auditLogger = meter.WrapAuditLogger(auditLogger)
	}

	// Upstream relying-party client for the bind flow
	upstream := ssoclient.New(ssoclient.Config{
		ProviderName:     cfg.SSOClient.ProviderName,
		UseWellKnown:     cfg.SSOClient.UseWellKnown,
		WellKnownURL:     cfg.SSOClient.WellKnownURL,
		AuthorizationURL: cfg.SSOClient.AuthorizationURL,
		TokenURL:         cfg.SSOClient.TokenURL,
		UserinfoURL:      cfg.SSOClient.UserinfoURL,
		ClientID:         cfg.SSOClient.ClientID,
		ClientSecret:     cfg.SSOClient.ClientSecret,
		RedirectURI:      cfg.SSOClient.RedirectURI,
		Scope:            cfg.SSOClient.Scope,
	})

	bindingService := binding.NewService(
		bindUserRepo,
		pendingBindRepo,
		pendingUnbindRepo,
		unbindLogRepo,
		upstream,
		auditLogger,
		binding.Config{
			StoredFields:     cfg.Binding.StoredFields,
			StoreBindTime:    cfg.Binding.StoreBindTime,
			BindLinkLifetime: time.Duration(cfg.Binding.BindLinkExpire) * time.Second,
		},
	)

	oidcService := oidc.NewService(cfg.OAuthProvider.Issuer, cfg.Server.SecretKey)

	oauth2Service := oauth2.NewService(
		oauthClients(cfg),
		pendingAuthRepo,
		tokenRepo,
		authLogRepo,
		bindUserRepo,
		auditLogger,
		oidcService,
		oauth2.Config{
			AuthCodeLifetime:         time.Duration(cfg.OAuthProvider.AuthCodeExpire) * time.Second,
			AccessTokenLifetime:      time.Duration(cfg.OAuthProvider.AccessTokenExpire) * time.Second,
			RefreshTokenLifetime:     time.Duration(cfg.OAuthProvider.RefreshTokenExpire) * time.Second,
			VerificationCodeLifetime: time.Duration(cfg.OAuthProvider.VerificationCodeExpire) * time.Second,
			VerificationCodeLength:   cfg.OAuthProvider.VerificationCodeLength,
		},
	)

	limiter := ratelimit.NewLimiter(nil)

	// Bot transport and command dispatcher
	botManager := bot.NewManager(bot.Config{
		ClientEnabled:     cfg.Bot.WSClientEnabled,
		ClientURL:         cfg.Bot.WSClientURL,
		ClientAccessToken: cfg.Bot.WSClientAccessToken,
		ServerEnabled:     cfg.Bot.WSServerEnabled,
		ServerAddr:        fmt.Sprintf("%s:%d", cfg.Bot.WSServerHost, cfg.Bot.WSServerPort),
		ServerAccessToken: cfg.Bot.WSServerAccessToken,
	}, auditLogger)

	dispatcher := bot.NewDispatcher(botManager, bindingService, oauth2Service, limiter, bot.DispatcherConfig{
		Prefix:        cfg.Bot.CommandPrefix,
		AllowedGroups: cfg.Bot.AllowedGroups,
		ProviderName:  cfg.SSOClient.ProviderName,
	})
	botManager.SetHandler(dispatcher)

	if err := botManager.Start(ctx); err != nil {
		slog.Error("failed to start bot transport", logger.Error(err))
		os.Exit(1)
	}

	handler := transportHTTP.NewHandler(
		oauth2Service,
		bindingService,
		oidcService,
		auditLogger,
		botManager,
		cfg.SSOClient.ProviderName,
		cfg.Bot.CommandPrefix,
	)

	router := transportHTTP.NewRouter(handler, limiter)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Janitor: pending rows and dead tokens age out on a fixed cadence.
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go runJanitor(janitorCtx, oauth2Service, bindingService)

	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopJanitor()
	if err := botManager.Stop(shutdownCtx); err != nil {
		slog.Error("bot transport shutdown error", logger.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

// oauthClients converts the configured relying parties into the
// provider's client records.
func oauthClients(cfg *config.Config) []oauth2.Client {
	clients := make([]oauth2.Client, 0, len(cfg.OAuthClients))
	for _, c := range cfg.OAuthClients {
		clients = append(clients, oauth2.Client{
			ClientID:      c.ClientID,
			ClientSecret:  c.ClientSecret,
			Name:          c.Name,
			RedirectURIs:  c.RedirectURIs,
			AllowedScopes: c.AllowedScopes,
		})
	}
	return clients
}

func runJanitor(ctx context.Context, oauth2Service *oauth2.Service, bindingService *binding.Service) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, tokens := oauth2Service.CleanupExpired(ctx)
			binds, unbinds := bindingService.CleanupExpired(ctx)
			if pending+tokens+binds+unbinds > 0 {
				slog.InfoContext(ctx, "janitor pass",
					logger.Component("janitor"),
					logger.RowsAffected(pending+tokens+binds+unbinds),
				)
			}
		}
	}
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Applying initial schema...")
	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return err
	}
	fmt.Println("Migration successful.")
	return nil
}
