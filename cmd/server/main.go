package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/brokage/brokage-api/internal/auth"
	"github.com/brokage/brokage-api/internal/database"
	"github.com/brokage/brokage-api/internal/ledger"
	"github.com/brokage/brokage-api/internal/matching"
	"github.com/brokage/brokage-api/internal/orders"
	"github.com/brokage/brokage-api/internal/outbox"
	"github.com/brokage/brokage-api/internal/saga"
	"github.com/brokage/brokage-api/internal/types"
	"github.com/brokage/brokage-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the brokerage API server with graceful
// shutdown support. It sets up all required services, the outbox relay,
// and API routes.
func main() {
	// Load environment overrides from .env when present
	if err := godotenv.Load(); err != nil {
		zlog.Debug().Err(err).Msg("No .env file loaded")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "brokage-dev-secret"
		zlog.Warn().Msg("JWT_SECRET not set, using development secret")
	}

	// Initialize database
	db, err := database.NewDatabase(os.Getenv("DB_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	registerDemoAccounts(authService)

	ledgerService := ledger.NewService(db)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	matchingService := matching.NewService(db)
	matchingHandlers := matching.NewGinHandlers(matchingService)

	sagaOrchestrator := saga.NewOrchestrator(db)

	orderService := orders.NewService(db, ledgerService, matchingService, sagaOrchestrator)
	orderHandlers := orders.NewGinHandlers(orderService)

	// Create and start the outbox relay
	relay := outbox.NewRelay(db, newPublisher())
	relayCtx, relayCancel := context.WithCancel(context.Background())
	defer relayCancel()

	go relay.Start(relayCtx)

	// Create and start the saga timeout reconciler
	reconciler := orders.NewReconciler(orderService)
	go reconciler.Start(relayCtx)

	// Setup API routes
	setupRoutes(router, jwtSecret, authHandlers, ledgerHandlers, orderHandlers, matchingHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the relay before closing HTTP so in-flight events drain
	relayCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// newPublisher selects the event publisher: Kafka when brokers are
// configured, otherwise a log-only publisher for local development.
func newPublisher() outbox.Publisher {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		zlog.Info().Msg("KAFKA_BROKERS not set, events will be logged only")
		return outbox.NewLogPublisher()
	}
	return outbox.NewKafkaPublisher(strings.Split(brokers, ","))
}

// registerDemoAccounts seeds credentials for local development and the
// simulation client.
func registerDemoAccounts(authService *auth.Service) {
	authService.RegisterAccount("customer-one-key", "customer-one-secret", "CUST-001", types.RoleCustomer)
	authService.RegisterAccount("customer-two-key", "customer-two-secret", "CUST-002", types.RoleCustomer)
	authService.RegisterAccount("broker-key", "broker-secret", "BROKER-001", types.RoleBroker)
	authService.RegisterAccount("admin-key", "admin-secret", "ADMIN-001", types.RoleAdmin)
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints, rate limited per client IP
// - Asset and order routes: Protected by JWT authentication; the rate
//   limiter runs after it so limits key on the customer identity
// - Admin routes: Additionally require the admin role
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	orderHandlers *orders.GinHandlers,
	matchingHandlers *matching.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		authGroup.Use(middleware.RateLimit())
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Asset routes
		assets := v1.Group("/assets")
		assets.Use(middleware.JWTAuth(jwtSecret), middleware.RateLimit())
		{
			assets.GET("", ledgerHandlers.GetAssetsHandler())
			assets.POST("/deposit", ledgerHandlers.DepositHandler())
			assets.POST("/withdraw", ledgerHandlers.WithdrawHandler())
		}

		// Order routes
		orderGroup := v1.Group("/orders")
		orderGroup.Use(middleware.JWTAuth(jwtSecret), middleware.RateLimit())
		{
			orderGroup.POST("", orderHandlers.SubmitOrderHandler())
			orderGroup.GET("", orderHandlers.ListOrdersHandler())
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.GET("/:order_id/trades", orderHandlers.OrderTradesHandler())
			orderGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
		}

		// Market data routes
		market := v1.Group("/market")
		market.Use(middleware.JWTAuth(jwtSecret), middleware.RateLimit())
		{
			market.GET("/trades/:asset_name", matchingHandlers.RecentTradesHandler())
			market.GET("/queue", matchingHandlers.QueueDepthHandler())
		}

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(jwtSecret), middleware.RateLimit(), middleware.AdminOnly())
		{
			admin.POST("/orders/:order_id/match", orderHandlers.MatchOrderHandler())
			admin.GET("/orders/stats", orderHandlers.StatsHandler())
			admin.GET("/assets/cash", ledgerHandlers.AllCashBalancesHandler())
			admin.GET("/assets/stats", ledgerHandlers.StatsHandler())
		}
	}
}
