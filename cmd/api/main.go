package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"entitlements-api/internal/appstore"
	"entitlements-api/internal/config"
	"entitlements-api/internal/handler"
	"entitlements-api/internal/middleware"
	"entitlements-api/internal/playstore"
	"entitlements-api/internal/repository"
	"entitlements-api/internal/router"
	"entitlements-api/internal/service"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting entitlements API...")

	// Load configuration
	cfg := config.MustLoad()
	log.Printf("Environment: %s", cfg.App.Environment)

	// Initialize the entitlement store based on config
	var store repository.Store
	var persister *repository.SnapshotPersister
	var pruner repository.Pruner

	switch cfg.Store.Type {
	case "sqlite":
		sqliteStore, err := repository.NewSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite store: %v", err)
		}
		store = sqliteStore
		pruner = sqliteStore
		log.Println("SQLite store initialized")
	case "mysql":
		mysqlStore, err := repository.NewMySQLStore(cfg.Store.MySQLDSN())
		if err != nil {
			log.Fatalf("Failed to initialize MySQL store: %v", err)
		}
		store = mysqlStore
		pruner = mysqlStore
		log.Println("MySQL store initialized")
	case "redis":
		redisStore, err := repository.NewRedisStore(repository.RedisStoreConfig{
			Addr:     cfg.Store.RedisAddress(),
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err != nil {
			log.Fatalf("Failed to initialize Redis store: %v", err)
		}
		store = redisStore
		log.Println("Redis store initialized")
	default: // memory
		memStore := repository.NewMemoryStore()
		if cfg.Store.SnapshotPath != "" {
			var err error
			persister, err = repository.NewSnapshotPersister(memStore, cfg.Store.SnapshotPath, cfg.Store.FlushDebounce)
			if err != nil {
				log.Fatalf("Failed to load snapshot %s: %v", cfg.Store.SnapshotPath, err)
			}
			log.Printf("Memory store initialized with snapshot at %s", cfg.Store.SnapshotPath)
		} else {
			log.Println("Memory store initialized (no snapshot)")
		}
		store = memStore
	}
	defer store.Close()

	// App Store Server API client (optional)
	var appleClient *appstore.Client
	if cfg.AppStore.APIConfigured() {
		keyPEM, err := os.ReadFile(cfg.AppStore.PrivateKeyPath)
		if err != nil {
			log.Fatalf("Failed to read App Store private key: %v", err)
		}
		appleClient, err = appstore.NewClient(appstore.ClientConfig{
			IssuerID:      cfg.AppStore.IssuerID,
			KeyID:         cfg.AppStore.KeyID,
			BundleID:      cfg.AppStore.BundleID,
			PrivateKeyPEM: keyPEM,
			Environment:   cfg.AppStore.Environment,
			Timeout:       cfg.AppStore.RequestTimeout,
		})
		if err != nil {
			log.Fatalf("Failed to initialize App Store client: %v", err)
		}
		log.Println("App Store Server API client initialized")
	} else {
		log.Println("Warning: App Store Server API not configured; apple validation disabled")
	}

	// Play Developer API client (optional)
	var playClient *playstore.Client
	if cfg.PlayStore.APIConfigured() {
		saJSON, err := os.ReadFile(cfg.PlayStore.ServiceAccountJSONPath)
		if err != nil {
			log.Fatalf("Failed to read Play service account JSON: %v", err)
		}
		playClient, err = playstore.NewClient(context.Background(), playstore.ClientConfig{
			PackageName:        cfg.PlayStore.PackageName,
			ServiceAccountJSON: saJSON,
			Timeout:            cfg.PlayStore.RequestTimeout,
		})
		if err != nil {
			log.Fatalf("Failed to initialize Play Developer client: %v", err)
		}
		log.Printf("Play Developer API client initialized for package %s", playClient.PackageName())
	} else {
		log.Println("Warning: Play Developer API not configured; google validation disabled")
	}

	// Apple webhook verifier
	var decoder *appstore.JWSDecoder
	switch {
	case cfg.AppStore.RootCertsPath != "":
		rootPEM, err := os.ReadFile(cfg.AppStore.RootCertsPath)
		if err != nil {
			log.Fatalf("Failed to read Apple root certificates: %v", err)
		}
		decoder, err = appstore.NewJWSDecoder(rootPEM)
		if err != nil {
			log.Fatalf("Failed to initialize notification verifier: %v", err)
		}
		log.Println("Apple notification verifier initialized")
	case !cfg.AppStore.RequireSignature && !cfg.App.IsProduction():
		decoder = appstore.NewInsecureJWSDecoder()
		log.Println("Warning: Apple notification signatures are NOT verified; payloads are treated as untrusted")
	default:
		log.Println("Warning: No Apple root certificates configured; apple webhooks disabled")
	}

	// Initialize services
	sessions := service.NewSessionService(cfg.Session.Secret, cfg.Session.TTL)
	if sessions.Enabled() {
		log.Println("Session token auth enabled")
	} else if cfg.Session.SharedAPIKey != "" {
		log.Println("Shared API key auth enabled")
	} else {
		log.Println("Warning: No auth configured; authenticated endpoints will refuse requests")
	}

	gateway := service.NewValidationGateway(
		service.NewAppleValidator(appleClient),
		service.NewGoogleValidator(playClient),
	)
	fraud := service.NewFraudScorer(store, service.FraudScorerConfig{
		VelocityThreshold: cfg.Fraud.VelocityThreshold,
		VelocityWindow:    cfg.Fraud.VelocityWindow,
	})
	entitlements := service.NewEntitlementService(store, cfg.Store.TransactionTTL)
	webhooks := service.NewWebhookService(entitlements, gateway, decoder)

	// Initialize handlers
	healthHandler := handler.New(gateway, sessions)
	sessionHandler := handler.NewSessionHandler(sessions)
	entitlementHandler := handler.NewEntitlementHandler(entitlements, fraud, sessions)
	validateHandler := handler.NewValidateHandler(entitlements, gateway, fraud, sessions, store,
		cfg.Store.IdempotencyTTL, cfg.Fraud.RejectThreshold)
	webhookHandler := handler.NewWebhookHandler(webhooks, cfg.AppStore, cfg.PlayStore)

	// Create auth middleware with injected dependencies (NO GLOBALS!)
	authMiddleware := middleware.NewAuthMiddleware(middleware.AuthConfig{
		Sessions:     sessions,
		SharedAPIKey: cfg.Session.SharedAPIKey,
	})

	// Create router
	r := router.New(router.Config{
		Handler:            healthHandler,
		SessionHandler:     sessionHandler,
		EntitlementHandler: entitlementHandler,
		ValidateHandler:    validateHandler,
		WebhookHandler:     webhookHandler,
		AuthMiddleware:     authMiddleware,
	})

	// Periodic pruning for backends without native TTL support
	if pruner != nil {
		scheduler := service.NewPruneScheduler(pruner, cfg.Store.PruneInterval)
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	// Flush pending snapshot writes before the store closes.
	if persister != nil {
		log.Println("Flushing snapshot...")
		if err := persister.Close(); err != nil {
			log.Printf("Snapshot flush error: %v", err)
		}
	}

	log.Println("Server stopped")
	fmt.Println("Goodbye!")
}
