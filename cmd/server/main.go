package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/otc-desk/internal/auth"
	"github.com/ksred/otc-desk/internal/database"
	"github.com/ksred/otc-desk/internal/deal"
	"github.com/ksred/otc-desk/internal/feed"
	"github.com/ksred/otc-desk/internal/messaging"
	"github.com/ksred/otc-desk/internal/pricing"
	"github.com/ksred/otc-desk/internal/quote"
	"github.com/ksred/otc-desk/internal/volatility"
	"github.com/ksred/otc-desk/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	_ = godotenv.Load()

	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the OTC desk server with graceful shutdown
// support: database, pricing, deal lifecycle, quote issuance, the price
// feed and the volatility monitor guarding it.
func main() {
	db, err := database.NewDatabase(os.Getenv("DB_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "otc-desk-dev-secret"
	}
	middleware.Configure(jwtSecret)

	router := gin.Default()

	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		authService.RegisterAPICredentials(apiKey, os.Getenv("API_SECRET"))
	}

	pricingService := pricing.NewService(db, pricing.StandardDefaults())
	pricingHandlers := pricing.NewGinHandlers(pricingService)
	resolver := pricingService.Resolver()

	dealService := deal.NewService(db)
	dealHandlers := deal.NewGinHandlers(dealService, resolver)

	messenger := messaging.LogMessenger{}
	notifier := messaging.LogNotifier{}

	priceFeed, fetcher := buildFeed()

	registry := quote.NewRegistry()
	dealService.AttachQuoteRegistry(registry)
	quoteService := quote.NewService(registry, resolver, fetcher, messenger)
	quoteHandlers := quote.NewGinHandlers(quoteService)

	monitor := volatility.NewMonitor(db, registry, resolver, fetcher, messenger, notifier, volatility.Config{
		MaxReprices:         envInt("MAX_REPRICES", 0),
		DefaultThresholdBps: float64(envInt("DEFAULT_THRESHOLD_BPS", 0)),
	})
	volatilityHandlers := volatility.NewGinHandlers(monitor)

	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	dealProcessor := deal.NewProcessor(dealService, resolver, messenger, 30*time.Second)
	go dealProcessor.Start(processorCtx)
	go monitor.Start(processorCtx, priceFeed)
	go startFeed(processorCtx, priceFeed)
	go auditTransitions(processorCtx, dealService)

	router.Use(middleware.RateLimit())

	setupRoutes(router, authHandlers, quoteHandlers, dealHandlers, pricingHandlers, volatilityHandlers)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// buildFeed wires the live websocket feed and HTTP fetcher when their
// endpoints are configured, falling back to the simulated random walk
// for development.
func buildFeed() (feed.PriceFeed, feed.PriceFetcher) {
	feedURL := os.Getenv("FEED_WS_URL")
	rateURL := os.Getenv("RATE_API_URL")
	if feedURL != "" && rateURL != "" {
		ws := feed.NewWebsocketFeed(feedURL)
		return ws, feed.NewHTTPFetcher(rateURL, 5*time.Second)
	}

	zlog.Warn().Msg("FEED_WS_URL/RATE_API_URL not set, using simulated feed")
	sim := feed.NewSimulatedFeed(5.25, time.Second)
	return sim, sim
}

// startFeed runs whichever feed implementation was built.
func startFeed(ctx context.Context, priceFeed feed.PriceFeed) {
	switch f := priceFeed.(type) {
	case *feed.WebsocketFeed:
		f.Start(ctx)
	case *feed.SimulatedFeed:
		f.Start(ctx)
	}
}

// auditTransitions drains the deal service's transition stream into the
// structured log. Best-effort by contract.
func auditTransitions(ctx context.Context, dealService *deal.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-dealService.Events():
			zlog.Info().
				Str("component", "deal_audit").
				Str("deal_id", event.DealID).
				Str("group_id", event.GroupID).
				Str("client_id", event.ClientID).
				Str("from", string(event.From)).
				Str("to", string(event.To)).
				Str("reason", event.Reason).
				Time("at", event.At).
				Msg("deal transition")
		}
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Quote/deal routes: Protected by JWT authentication
// - Internal routes: Operator surface, protected by internal auth
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	quoteHandlers *quote.GinHandlers,
	dealHandlers *deal.GinHandlers,
	pricingHandlers *pricing.GinHandlers,
	volatilityHandlers *volatility.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Quote routes
		quotes := v1.Group("/quotes")
		quotes.Use(middleware.JWTAuth())
		{
			quotes.POST("", quoteHandlers.IssueQuoteHandler())
			quotes.GET("", quoteHandlers.ListActiveQuotesHandler())
		}

		// Deal routes
		deals := v1.Group("/deals")
		deals.Use(middleware.JWTAuth())
		{
			deals.POST("", dealHandlers.CreateDealHandler())
			deals.GET("/:deal_id", dealHandlers.GetDealHandler())
			deals.POST("/:deal_id/lock", dealHandlers.LockDealHandler())
			deals.POST("/:deal_id/await-amount", dealHandlers.AwaitAmountHandler())
			deals.POST("/:deal_id/compute", dealHandlers.StartComputationHandler())
			deals.POST("/:deal_id/complete", dealHandlers.CompleteDealHandler())
			deals.POST("/:deal_id/reject", dealHandlers.RejectDealHandler())
			deals.POST("/:deal_id/cancel", dealHandlers.CancelDealHandler())
			deals.POST("/:deal_id/extend", dealHandlers.ExtendTTLHandler())
			deals.POST("/:deal_id/archive", dealHandlers.ArchiveDealHandler())
		}

		// Group-scoped read routes
		groups := v1.Group("/groups")
		groups.Use(middleware.JWTAuth())
		{
			groups.GET("/:group_id/deals", dealHandlers.ListActiveDealsHandler())
			groups.GET("/:group_id/deals/history", dealHandlers.ListHistoryHandler())
			groups.GET("/:group_id/deals/active", dealHandlers.ActiveDealForSenderHandler())
			groups.GET("/:group_id/quote", quoteHandlers.GetActiveQuoteHandler())
			groups.GET("/:group_id/paused", volatilityHandlers.GroupPausedHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/rules", pricingHandlers.CreateRuleHandler())
			internal.PUT("/rules/:rule_id", pricingHandlers.UpdateRuleHandler())
			internal.DELETE("/rules/:rule_id", pricingHandlers.DeleteRuleHandler())
			internal.GET("/groups/:group_id/rules", pricingHandlers.ListRulesHandler())
			internal.GET("/groups/:group_id/config", pricingHandlers.GetGroupConfigHandler())
			internal.PUT("/groups/:group_id/config", pricingHandlers.SaveGroupConfigHandler())
			internal.GET("/escalations", volatilityHandlers.ListEscalationsHandler())
			internal.GET("/paused", volatilityHandlers.ListPausedGroupsHandler())
			internal.POST("/groups/:group_id/unpause", volatilityHandlers.UnpauseGroupHandler())
		}
	}
}
