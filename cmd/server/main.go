package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/trip-booking-core/internal/cache"
	"github.com/smarttransit/trip-booking-core/internal/config"
	"github.com/smarttransit/trip-booking-core/internal/database"
	"github.com/smarttransit/trip-booking-core/internal/events"
	"github.com/smarttransit/trip-booking-core/internal/handlers"
	"github.com/smarttransit/trip-booking-core/internal/middleware"
	"github.com/smarttransit/trip-booking-core/internal/services"
	"github.com/smarttransit/trip-booking-core/internal/upstream"
	"github.com/smarttransit/trip-booking-core/pkg/metrics"
	"github.com/smarttransit/trip-booking-core/pkg/pricing"
	"github.com/smarttransit/trip-booking-core/pkg/retry"
	"go.mongodb.org/mongo-driver/mongo"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting SmartTransit Trip Booking Core")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	m := metrics.New("trip_booking")
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	// ============================================================================
	// CACHE
	// ============================================================================

	var (
		cacheStore  cache.Store
		purger      cache.Purger
		redisClient *redis.Client
	)
	switch cfg.Cache.Backend {
	case "redis":
		logger.Info("Connecting to Redis cache...")
		redisClient, err = cache.NewRedisClient(startupCtx, cfg.Redis.URL)
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		cacheStore = cache.NewRedisStore(redisClient, "trip-booking:")
		logger.Info("✓ Redis cache connected")
	default:
		memory := cache.NewMemoryStore(cfg.Cache.MaxEntries)
		cacheStore = memory
		purger = memory
		logger.WithField("max_entries", cfg.Cache.MaxEntries).Info("✓ In-memory cache initialized")
	}
	guarded := cache.NewGuarded(cacheStore, logger, m)

	// ============================================================================
	// RECORD STORES
	// ============================================================================

	memoryRecords := database.NewMemoryRecordStore()
	var (
		cartRecords     services.CartRecordStore     = memoryRecords
		purchaseRecords services.PurchaseRecordStore = memoryRecords
		mongoDB         *mongo.Database
		db              *sqlx.DB
	)

	if cfg.Mongo.URI != "" {
		logger.Info("Connecting to MongoDB...")
		mongoDB, err = database.ConnectMongoDB(startupCtx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			logger.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		repo := database.NewCartRecordRepository(mongoDB)
		if err := repo.CreateIndexes(startupCtx); err != nil {
			logger.Fatalf("Failed to create cart record indexes: %v", err)
		}
		cartRecords = repo
		logger.Info("✓ Cart records stored in MongoDB")
	} else {
		logger.Warn("MONGO_URI not set, cart records are kept in memory")
	}

	if cfg.Database.URL != "" {
		logger.Info("Connecting to database...")
		db, err = database.NewConnection(cfg.Database)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		if err := database.EnsureSchema(startupCtx, db); err != nil {
			logger.Fatalf("Failed to prepare database schema: %v", err)
		}
		purchaseRecords = database.NewPurchaseRecordRepository(db)
		logger.Info("✓ Purchase records stored in PostgreSQL")
	} else {
		logger.Warn("DATABASE_URL not set, purchase records are kept in memory")
	}

	sink := services.NewRecordSink(cartRecords, purchaseRecords, logger)

	// ============================================================================
	// BOOKING PROVIDER
	// ============================================================================

	upstreamConfig := upstream.DefaultConfig()
	upstreamConfig.BaseURL = cfg.Upstream.BaseURL
	upstreamConfig.APIToken = cfg.Upstream.APIToken
	upstreamConfig.RequestTimeout = cfg.Upstream.RequestTimeout
	upstreamConfig.BreakerFailures = uint32(cfg.Upstream.BreakerFailures)
	upstreamConfig.BreakerCooldown = cfg.Upstream.BreakerCooldown

	client, err := upstream.NewClient(upstreamConfig, logger, m)
	if err != nil {
		logger.Fatalf("Failed to create booking provider client: %v", err)
	}
	executor := retry.NewExecutor(retry.Config{
		Base:        cfg.Retry.Base,
		MaxAttempts: cfg.Retry.MaxAttempts,
	})
	caller := upstream.NewCaller(client, executor, logger, m)
	poller := upstream.NewPoller(caller, upstream.PollerConfig{
		DefaultInterval: cfg.Polling.DefaultInterval,
		MaxInterval:     cfg.Polling.MaxInterval,
	}, logger, m)

	// ============================================================================
	// PRICING AND EVENTS
	// ============================================================================

	defaultPercent, err := decimal.NewFromString(cfg.Pricing.DiscountPercent)
	if err != nil {
		logger.Fatalf("Invalid PRICE_DISCOUNT_PERCENT: %v", err)
	}
	overrides, err := pricing.ParseOverrides(cfg.Pricing.DiscountOverrides)
	if err != nil {
		logger.Fatalf("Invalid PRICE_DISCOUNT_OVERRIDES: %v", err)
	}
	engine := pricing.NewEngine(pricing.Policy{
		DefaultPercent: defaultPercent,
		Overrides:      overrides,
	})
	logger.WithFields(logrus.Fields{
		"discount_percent": defaultPercent.String(),
		"overrides":        len(overrides),
	}).Info("✓ Price adjustment policy loaded")

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.PurchaseTopic, cfg.Kafka.Brokers...)
		logger.WithFields(logrus.Fields{
			"brokers": cfg.Kafka.Brokers,
			"topic":   cfg.Kafka.PurchaseTopic,
		}).Info("✓ Purchase events published to Kafka")
	}

	// ============================================================================
	// SERVICES
	// ============================================================================

	logger.Info("Initializing services...")
	searchConfig := services.DefaultSearchConfig()
	searchConfig.CacheTTL = cfg.Cache.SearchTTL
	searchConfig.PollCeiling = cfg.Polling.SearchCeiling
	searchService := services.NewSearchService(caller, poller, guarded, engine, searchConfig, logger)

	cartConfig := services.DefaultCartConfig()
	cartConfig.ChargesTTL = cfg.Cache.ChargesTTL
	cartConfig.VerifyAfterAdd = cfg.Polling.VerifyCart
	cartConfig.VerifyCeiling = cfg.Polling.CartVerifyCeiling
	cartService := services.NewCartService(caller, poller, guarded, sink, engine, cartConfig, logger)

	purchaseConfig := services.DefaultPurchaseConfig()
	purchaseConfig.StatusCeiling = cfg.Polling.PurchaseCeiling
	purchaseConfig.StatusMaxAttempts = cfg.Polling.PurchaseMaxAttempts
	purchaseService := services.NewPurchaseService(caller, poller, sink, engine, publisher, purchaseConfig, logger)

	// Initialize and start cron service
	cronService := services.NewCronService(purger, sink, logger)
	if err := cronService.Start(); err != nil {
		logger.Fatalf("Failed to start cron service: %v", err)
	}

	// Initialize handlers
	searchHandler := handlers.NewSearchHandler(searchService, logger)
	cartHandler := handlers.NewCartHandler(cartService, logger)
	purchaseHandler := handlers.NewPurchaseHandler(purchaseService, logger)

	// ============================================================================
	// ROUTER
	// ============================================================================

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.HTTPMetrics(m))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(cfg.CORS.AllowedOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", healthCheckHandler(db, mongoDB, redisClient))
	router.GET("/metrics", gin.WrapH(m.Handler()))

	inFlight := middleware.NewInFlightSet()

	v1 := router.Group("/api/v1")
	{
		v1.POST("/search", searchHandler.SearchTrips)

		carts := v1.Group("/carts")
		{
			carts.POST("", cartHandler.CreateCart)
			carts.GET("/:cart_id", cartHandler.GetCart)
			carts.POST("/:cart_id/trips", middleware.InFlightGuard(inFlight, handlers.AddTripKey, logger), cartHandler.AddTrip)
			carts.DELETE("/:cart_id/trips/:trip_id", cartHandler.RemoveTrip)
			carts.PUT("/:cart_id/trips/:trip_id/passengers", cartHandler.UpdatePassengers)
			carts.DELETE("/:cart_id/items/:item_id", cartHandler.RemoveItem)
			carts.PUT("/:cart_id/purchaser", cartHandler.UpdatePurchaser)
			carts.GET("/:cart_id/charges", cartHandler.GetCharges)
			carts.PUT("/:cart_id/charges", cartHandler.AcceptCharges)
		}

		purchases := v1.Group("/purchases")
		{
			purchases.POST("", purchaseHandler.CreatePurchase)
			purchases.GET("/:purchase_id/status", purchaseHandler.GetPurchaseStatus)
			purchases.POST("/:purchase_id/complete", purchaseHandler.CompletePurchase)
		}
	}

	// ============================================================================
	// SERVER
	// ============================================================================

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Polling.PurchaseCeiling + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	cronService.Stop()
	if err := publisher.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close event publisher")
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if mongoDB != nil {
		_ = mongoDB.Client().Disconnect(ctx)
	}
	if db != nil {
		_ = db.Close()
	}

	logger.Info("Server exited")
}

// healthCheckHandler reports the state of every configured backend
func healthCheckHandler(db *sqlx.DB, mongoDB *mongo.Database, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		checks := gin.H{}
		healthy := true
		record := func(name string, err error) {
			if err != nil {
				checks[name] = "unhealthy"
				healthy = false
				return
			}
			checks[name] = "healthy"
		}

		if db != nil {
			record("database", db.PingContext(ctx))
		}
		if mongoDB != nil {
			record("mongodb", mongoDB.Client().Ping(ctx, nil))
		}
		if redisClient != nil {
			record("redis", redisClient.Ping(ctx).Err())
		}

		status := http.StatusOK
		state := "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			state = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":    state,
			"checks":    checks,
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
