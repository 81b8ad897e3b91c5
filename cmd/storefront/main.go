package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"

	"github.com/rmachado/storefront/internal/auth"
	"github.com/rmachado/storefront/internal/cart"
	"github.com/rmachado/storefront/internal/catalog"
	"github.com/rmachado/storefront/internal/checkout"
	"github.com/rmachado/storefront/internal/email"
	"github.com/rmachado/storefront/internal/messaging"
	"github.com/rmachado/storefront/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "storefront", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("storefront", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	if err := runtime.Start(); err != nil {
		logger.Error("failed to start runtime instrumentation", "error", err)
		os.Exit(1)
	}

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	db, err := telemetry.OpenDB("postgres", postgresURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		logger.Error("JWT_SECRET environment variable is required")
		os.Exit(1)
	}

	emailServiceURL := os.Getenv("EMAIL_SERVICE_URL")
	if emailServiceURL == "" {
		logger.Error("EMAIL_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() { _ = redisClient.Close() }()

	baseURL := os.Getenv("BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	var publisher *messaging.Publisher
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers != "" {
		brokers := strings.Split(kafkaBrokers, ",")
		publisher = messaging.NewPublisher(brokers, "ticket.created")
		defer func() { _ = publisher.Close() }()
	}

	checkoutMetrics, err := telemetry.NewCheckoutMetrics()
	if err != nil {
		logger.Error("failed to create checkout metrics", "error", err)
		os.Exit(1)
	}

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	emailClient := email.NewClient(emailServiceURL, httpClient)

	users := auth.NewUserRepository(db)
	resetTokens := auth.NewResetTokenStore(redisClient)
	products := catalog.NewProductRepository(db)
	carts := cart.NewRepository(db, products)
	tickets := checkout.NewRepository(db, products, carts)

	authHandler := auth.NewHandler(users, resetTokens, emailClient, []byte(jwtSecret), baseURL, logger)
	catalogHandler := catalog.NewHandler(products, logger)
	cartHandler := cart.NewHandler(carts, logger)
	checkoutHandler := checkout.NewHandler(tickets, users, publisherOrNil(publisher), checkoutMetrics, logger)

	protected := auth.Middleware([]byte(jwtSecret))
	route := telemetry.WithHTTPRoute

	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", route(authHandler.HandleRegister))
	mux.HandleFunc("POST /auth/login", route(authHandler.HandleLogin))
	mux.HandleFunc("GET /auth/current", route(protected(authHandler.HandleCurrent)))
	mux.HandleFunc("POST /auth/password-reset/request", route(authHandler.HandleResetRequest))
	mux.HandleFunc("POST /auth/password-reset/confirm", route(authHandler.HandleResetConfirm))

	mux.HandleFunc("GET /products", route(catalogHandler.HandleList))
	mux.HandleFunc("POST /products", route(catalogHandler.HandleCreate))
	mux.HandleFunc("GET /products/{id}", route(catalogHandler.HandleGet))
	mux.HandleFunc("PUT /products/{id}", route(catalogHandler.HandleUpdate))
	mux.HandleFunc("DELETE /products/{id}", route(catalogHandler.HandleDeactivate))
	mux.HandleFunc("POST /products/{id}/restock", route(catalogHandler.HandleRestock))

	mux.HandleFunc("GET /cart", route(protected(cartHandler.HandleGet)))
	mux.HandleFunc("DELETE /cart", route(protected(cartHandler.HandleClear)))
	mux.HandleFunc("GET /cart/validate", route(protected(cartHandler.HandleValidate)))
	mux.HandleFunc("POST /cart/items", route(protected(cartHandler.HandleAddItem)))
	mux.HandleFunc("PUT /cart/items/{itemId}", route(protected(cartHandler.HandleUpdateItem)))
	mux.HandleFunc("DELETE /cart/items/{itemId}", route(protected(cartHandler.HandleRemoveItem)))

	mux.HandleFunc("POST /checkout", route(protected(checkoutHandler.HandleCheckout)))
	mux.HandleFunc("GET /tickets", route(protected(checkoutHandler.HandleList)))
	mux.HandleFunc("GET /tickets/summary", route(protected(checkoutHandler.HandleSummary)))
	mux.HandleFunc("GET /tickets/{id}", route(protected(checkoutHandler.HandleGet)))
	mux.HandleFunc("POST /tickets/{id}/cancel", route(protected(checkoutHandler.HandleCancel)))
	mux.HandleFunc("GET /admin/tickets", route(checkoutHandler.HandleListByStatus))

	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "storefront",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting storefront service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// publisherOrNil keeps the untyped nil out of the EventPublisher interface
// when Kafka is not configured.
func publisherOrNil(p *messaging.Publisher) checkout.EventPublisher {
	if p == nil {
		return nil
	}
	return p
}
