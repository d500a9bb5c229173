package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spanbilt/backend/docs"
	"github.com/spanbilt/backend/internal/config"
	"github.com/spanbilt/backend/internal/database"
	"github.com/spanbilt/backend/internal/events"
	"github.com/spanbilt/backend/internal/events/kafka"
	"github.com/spanbilt/backend/internal/handlers"
	mW "github.com/spanbilt/backend/internal/middleware"
	"github.com/spanbilt/backend/internal/processor"
	"github.com/spanbilt/backend/internal/services"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Spanbilt Payments Ledger API
// @version 1.0
// @description Payment ledger and reconciliation service for fabricated building sales orders
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("processor.base_url", "PROCESSOR_BASE_URL")
	viper.BindEnv("processor.api_key", "PROCESSOR_API_KEY")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Spanbilt Payments Ledger API"
	docs.SwaggerInfo.Description = "Payment ledger and reconciliation service for fabricated building sales orders"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	ledgerCfg := config.LoadLedgerConfig()

	// Initialize infrastructure
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher events.Publisher
	if brokers := viper.GetString("kafka.brokers"); brokers != "" {
		kafkaPublisher := kafka.NewPublisher(strings.Split(brokers, ","))
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	} else {
		log.Println("KAFKA_BROKERS not set, ledger events will not be published")
	}

	processorClient := processor.NewHTTPClient(
		viper.GetString("processor.base_url"),
		viper.GetString("processor.api_key"),
		ledgerCfg.ProcessorRPS,
	)

	// Initialize services
	sequenceService := services.NewSequenceService(db)
	ledgerService := services.NewLedgerService(db, sequenceService, publisher)
	orderReader := services.NewSQLOrderReader(db)
	summaryService := services.NewSummaryService(db, ledgerService, orderReader, redisClient, publisher)
	reconciliationService := services.NewReconciliationService(db, processorClient)
	reconciliationService.SetLookback(ledgerCfg.ReconciliationWindow)
	migrationService := services.NewMigrationService(db, ledgerService, summaryService)
	prepaidService := services.NewPrepaidService(db, ledgerService, summaryService, orderReader, processorClient)
	rateCache := config.NewDepositRateCache(config.NewSQLRateLoader(db), ledgerCfg.DepositCacheTTL, ledgerCfg.DefaultDepositRate, time.Now)
	paymentLinkService := services.NewPaymentLinkService(redisClient, summaryService, orderReader, rateCache)
	authService := services.NewAuthService(db, redisClient)

	ledgerHandler := handlers.NewLedgerHandler(ledgerService, summaryService)
	reconciliationHandler := handlers.NewReconciliationHandler(reconciliationService)
	migrationHandler := handlers.NewMigrationHandler(migrationService)
	prepaidHandler := handlers.NewPrepaidHandler(prepaidService)
	paymentLinkHandler := handlers.NewPaymentLinkHandler(paymentLinkService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authService.Register)
		r.Post("/auth/login", authService.Login)
		r.Post("/auth/logout", authService.Logout)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware(redisClient))

			r.Get("/auth/profile", authService.GetProfile)

			// Ledger endpoints
			r.Post("/ledger/entries", ledgerHandler.CreateEntry)
			r.Post("/ledger/entries/{entryId}/void", ledgerHandler.VoidEntry)
			r.Post("/ledger/entries/{entryId}/correct", ledgerHandler.CorrectEntry)
			r.Post("/ledger/entries/{entryId}/settle", ledgerHandler.SettleEntry)
			r.Get("/orders/{orderId}/ledger", ledgerHandler.ListOrderEntries)
			r.Get("/orders/{orderId}/summary", ledgerHandler.GetSummary)
			r.Post("/orders/{orderId}/summary/recalc", ledgerHandler.RecalcSummary)

			// Reconciliation endpoints
			r.Post("/reconciliation/runs", reconciliationHandler.RunReconciliation)
			r.Get("/reconciliation/runs/{runId}", reconciliationHandler.GetReport)

			// Migration endpoints
			r.Post("/migration/orders/{orderId}", migrationHandler.MigrateOrder)
			r.Post("/migration/batch", migrationHandler.MigrateBatch)

			// Prepaid credit endpoints
			r.Post("/prepaid", prepaidHandler.CreateCredit)
			r.Get("/prepaid/{creditId}", prepaidHandler.GetCredit)
			r.Post("/prepaid/{creditId}/apply", prepaidHandler.ApplyCredit)
			r.Post("/prepaid/{creditId}/refund", prepaidHandler.RefundCredit)

			// Payment link endpoints
			r.Post("/payment-links", paymentLinkHandler.GenerateLink)
			r.Post("/payment-links/resolve", paymentLinkHandler.ResolveLink)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
