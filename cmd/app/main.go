package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"runtime/trace"

	"github.com/Harvey-AU/parcel-valuation/internal/analysis"
	"github.com/Harvey-AU/parcel-valuation/internal/api"
	"github.com/Harvey-AU/parcel-valuation/internal/db"
	"github.com/Harvey-AU/parcel-valuation/internal/gis"
	"github.com/Harvey-AU/parcel-valuation/internal/imagery"
	"github.com/Harvey-AU/parcel-valuation/internal/jobs"
	"github.com/Harvey-AU/parcel-valuation/internal/notifications"
	"github.com/Harvey-AU/parcel-valuation/internal/observability"
	"github.com/Harvey-AU/parcel-valuation/internal/parcel"
	"github.com/Harvey-AU/parcel-valuation/internal/storage"
	"github.com/Harvey-AU/parcel-valuation/internal/tabular"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const serviceName = "parcel-valuation"

// startHealthMonitoring periodically checks database health and reports
// degradation to Sentry. Stuck job detection lives in the job scheduler.
func startHealthMonitoring(ctx context.Context, checker api.HealthChecker) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	check := func() {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		health := checker.CheckHealth(checkCtx)
		if health.Healthy() {
			log.Debug().Dur("latency", health.Latency).Msg("Database healthy")
			return
		}

		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelWarning)
			scope.SetTag("event_type", "database_health")
			scope.SetContext("database_health", map[string]any{
				"connected":      health.Connected,
				"latency_ms":     health.Latency.Milliseconds(),
				"missing_tables": health.MissingTables,
				"error":          health.Error,
			})
			sentry.CaptureMessage("Database health check failed")
		})

		log.Warn().
			Bool("connected", health.Connected).
			Strs("missing_tables", health.MissingTables).
			Str("error", health.Error).
			Msg("Database health check failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Config holds the application configuration loaded from environment variables
type Config struct {
	Port                  string        // HTTP port to listen on
	Env                   string        // Environment (development/production)
	SentryDSN             string        // Sentry DSN for error tracking
	LogLevel              string        // Log level (debug, info, warn, error)
	FlightRecorderEnabled bool          // Flight recorder for performance debugging
	ObservabilityEnabled  bool          // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr           string        // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint          string        // OTLP HTTP endpoint for trace export
	OTLPHeaders           string        // Comma separated headers for OTLP exporter
	OTLPInsecure          bool          // Disable TLS verification for OTLP exporter
	S3Endpoint            string        // Object storage endpoint; local storage when empty
	S3Bucket              string        // Bucket for uploads, exports and images
	S3AccessKey           string        // Object storage access key
	S3SecretKey           string        // Object storage secret key
	S3UseSSL              bool          // Use TLS for object storage
	S3PublicURL           string        // Public base URL for stored objects
	LocalStorageDir       string        // Directory for local object storage
	RenderServiceURL      string        // Image render service; images disabled when empty
	SlackWebhookURL       string        // Slack incoming webhook for job notifications
	AppURL                string        // Public app URL used in notification links
	SpatialQPS            float64       // Spatial query rate limit
	AnalysisConcurrency   int           // Concurrent metric queries per analysis
	ShutdownGrace         time.Duration // How long running jobs get to finish on shutdown
	Jobs                  jobs.Config   // Batch engine tuning
}

func loadConfig() *Config {
	return &Config{
		Port:                  getEnvWithDefault("PORT", "8080"),
		Env:                   getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:             os.Getenv("SENTRY_DSN"),
		LogLevel:              getEnvWithDefault("LOG_LEVEL", "info"),
		FlightRecorderEnabled: getEnvBool("FLIGHT_RECORDER_ENABLED", false),
		ObservabilityEnabled:  getEnvBool("OBSERVABILITY_ENABLED", true),
		MetricsAddr:           getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:           os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:          getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		S3Endpoint:            os.Getenv("S3_ENDPOINT"),
		S3Bucket:              getEnvWithDefault("S3_BUCKET", serviceName),
		S3AccessKey:           os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:           os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:              getEnvBool("S3_USE_SSL", true),
		S3PublicURL:           os.Getenv("S3_PUBLIC_URL"),
		LocalStorageDir:       getEnvWithDefault("LOCAL_STORAGE_DIR", "./data"),
		RenderServiceURL:      os.Getenv("RENDER_SERVICE_URL"),
		SlackWebhookURL:       os.Getenv("SLACK_WEBHOOK_URL"),
		AppURL:                os.Getenv("APP_URL"),
		SpatialQPS:            getEnvFloat("SPATIAL_QPS", 50),
		AnalysisConcurrency:   getEnvInt("ANALYSIS_CONCURRENCY", 20),
		ShutdownGrace:         getEnvDuration("JOB_SHUTDOWN_GRACE", time.Minute),
		Jobs: jobs.Config{
			PollInterval:      getEnvDuration("JOB_POLL_INTERVAL", 5*time.Second),
			MonitorInterval:   getEnvDuration("JOB_MONITOR_INTERVAL", time.Minute),
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 3),
			RowConcurrency:    getEnvInt("ROW_CONCURRENCY", 15),
			ProgressBatchSize: getEnvInt("PROGRESS_BATCH_SIZE", 10),
			RowTimeout:        getEnvDuration("ROW_TIMEOUT", 5*time.Minute),
			PriorityAging:     getEnvDuration("PRIORITY_AGING_INTERVAL", 10*time.Minute),
			StuckJobTimeout:   getEnvDuration("STUCK_JOB_TIMEOUT", 2*time.Hour),
			ExportRetention:   getEnvDuration("EXPORT_RETENTION", 24*time.Hour),
			ArtifactFormat:    tabular.Format(strings.ToLower(getEnvWithDefault("ARTIFACT_FORMAT", "csv"))),
		},
	}
}

func main() {
	// Load .env files - .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := loadConfig()

	// Start flight recorder if enabled
	if config.FlightRecorderEnabled {
		f, err := os.Create("trace.out")
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create trace file")
		}

		if err := trace.Start(f); err != nil {
			log.Fatal().Err(err).Msg("failed to start flight recorder")
		}
		log.Info().Msg("Flight recorder enabled, writing to trace.out")

		defer func() {
			trace.Stop()
			f.Close()
			log.Info().Msg("Flight recorder stopped and trace file closed.")
		}()
	}

	setupLogging(config)

	var err error

	// Initialise Sentry for error tracking and performance monitoring
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			Release:     serviceName + "@" + api.Version,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1 // 10% sampling in production
				}
				return 1.0 // 100% sampling in development
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			// Ensure Sentry flushes before application exits
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
	)

	if config.ObservabilityEnabled {
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    serviceName,
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
				metricsSrv = &http.Server{
					Addr:              config.MetricsAddr,
					Handler:           obsProviders.MetricsHandler,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	// Jobs run on appCtx; cancelling it interrupts them
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	// Connect to PostgreSQL
	pgDB, err := db.InitFromEnvWithRetry(appCtx)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	log.Info().Msg("Connected to PostgreSQL database")

	blobs, err := newBlobStore(appCtx, config)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to initialise object storage")
	}

	resolver := parcel.NewResolver(pgDB.GetDB())
	metrics := gis.NewProvider(pgDB.GetDB(), config.SpatialQPS).Metrics()

	// Left as a nil interface when rendering is off so the analyser skips images
	var images analysis.ImageGenerator
	if config.RenderServiceURL != "" {
		images = imagery.NewService(imagery.NewHTTPRenderer(config.RenderServiceURL), blobs)
		log.Info().Str("render_service", config.RenderServiceURL).Msg("Image rendering enabled")
	} else {
		log.Warn().Msg("RENDER_SERVICE_URL not configured, image generation disabled")
	}

	analyzer := analysis.NewService(resolver, metrics, images, analysis.NewPostgresStore(pgDB.GetDB()), config.AnalysisConcurrency)

	var notifier jobs.Notifier
	if n := newNotifier(config); n.Enabled() {
		notifier = n
	}

	dbQueue := db.NewDbQueue(pgDB.GetDB())
	jobStore := jobs.NewPostgresStore(pgDB.GetDB(), dbQueue)
	jobsManager := jobs.NewManager(jobStore, blobs, resolver, analyzer, notifier, config.Jobs)

	// LISTEN needs a direct connection; behind a pooler the scheduler polls only
	var wake <-chan struct{}
	if connStr, ok := db.ListenConnString(pgDB.GetConfig().ConnectionString()); ok {
		wake = db.ListenForQueuedJobs(appCtx, connStr)
	} else {
		log.Info().Msg("Pooled database connection, job queue notifications disabled")
	}

	scheduler := jobs.NewScheduler(jobsManager, wake)
	scheduler.Start(appCtx)

	// Start background health monitoring
	go startHealthMonitoring(appCtx, pgDB)

	limiter := newRateLimiter()

	apiHandler := api.NewHandler(jobsManager, analyzer, resolver, pgDB)

	routes := apiHandler.Routes()
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if !limiter.getLimiter(ip).Allow() {
			api.TooManyRequests(w, r, "Too many requests", time.Second)
			return
		}
		routes.ServeHTTP(w, r)
	})
	handler = observability.WrapHandler(handler, obsProviders)

	server := &http.Server{
		Addr:              ":" + config.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for termination signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Channel to signal when the server has shut down
	done := make(chan struct{})

	go func() {
		<-stop
		log.Info().Msg("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop accepting new requests
		if err := server.Shutdown(ctx); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		// Stop admitting jobs, then give running ones a chance to finish.
		// Anything still running is interrupted and recovered on next start.
		scheduler.Stop()
		if !waitTimeout(scheduler.WaitForJobs, config.ShutdownGrace) {
			log.Warn().Dur("grace", config.ShutdownGrace).Msg("Running jobs did not finish in time, interrupting")
		}
		cancelApp()
		waitTimeout(scheduler.WaitForJobs, 10*time.Second)

		close(done)
	}()

	log.Info().Str("port", config.Port).Msg("Starting server")

	baseURL := fmt.Sprintf("http://localhost:%s", config.Port)
	log.Info().Str("health", baseURL+"/health").Msg("Health Check")
	log.Info().Str("batch", baseURL+"/v1/batch").Msg("Batch API")

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Server error")
	}

	<-done // Wait for the shutdown process to complete
	log.Info().Msg("Server stopped")
}

// newBlobStore returns S3 compatible storage when an endpoint is configured and
// local disk otherwise
func newBlobStore(ctx context.Context, config *Config) (storage.Store, error) {
	if config.S3Endpoint == "" {
		log.Warn().Str("dir", config.LocalStorageDir).Msg("S3_ENDPOINT not configured, using local storage")
		return storage.NewLocalStore(config.LocalStorageDir, "")
	}

	client, err := storage.New(ctx,
		storage.WithEndpoint(config.S3Endpoint),
		storage.WithBucket(config.S3Bucket),
		storage.WithAccessKey(config.S3AccessKey),
		storage.WithSecretKey(config.S3SecretKey),
		storage.WithSSL(config.S3UseSSL),
		storage.WithPublicURL(config.S3PublicURL),
	)
	if err != nil {
		return nil, err
	}
	log.Info().Str("endpoint", config.S3Endpoint).Str("bucket", config.S3Bucket).Msg("Object storage initialised")
	return client, nil
}

// newNotifier builds the notification service from the configured channels
func newNotifier(config *Config) *notifications.Service {
	svc := notifications.NewService()

	if config.SlackWebhookURL != "" {
		ch, err := notifications.NewSlackChannel(config.SlackWebhookURL, config.AppURL)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to configure Slack notifications")
		} else {
			svc.AddChannel(ch)
			log.Info().Msg("Slack notifications enabled")
		}
	}

	return svc
}

// waitTimeout runs wait and reports whether it returned within timeout
func waitTimeout(wait func(), timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		wait()
		close(finished)
	}()

	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result int
	if _, err := fmt.Sscanf(value, "%d", &result); err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Float64("default", defaultValue).
			Msg("Invalid number in environment variable, using default")
		return defaultValue
	}

	return result
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
		return defaultValue
	}

	return result
}

// getEnvDuration accepts Go duration strings such as "90s" or "10m"
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := time.ParseDuration(value)
	if err != nil || result <= 0 {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
		return defaultValue
	}

	return result
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	}
}

// RateLimiter represents a rate limiting system based on client IP addresses
type RateLimiter struct {
	limits   map[string]*IPRateLimiter
	mu       sync.Mutex
	rate     rate.Limit
	capacity int
}

// IPRateLimiter wraps a token bucket rate limiter specific to an IP address
type IPRateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter creates a new rate limiter with default settings
func newRateLimiter() *RateLimiter {
	return &RateLimiter{
		limits:   make(map[string]*IPRateLimiter),
		rate:     rate.Limit(20), // 20 requests per second
		capacity: 10,             // 10 burst capacity
	}
}

// getLimiter returns the rate limiter for a specific IP address
func (rl *RateLimiter) getLimiter(ip string) *IPRateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limits[ip]
	if !exists {
		limiter = &IPRateLimiter{
			limiter: rate.NewLimiter(rl.rate, rl.capacity),
		}
		rl.limits[ip] = limiter
	}

	return limiter
}

// Allow checks if a request from this IP should be allowed
func (ipl *IPRateLimiter) Allow() bool {
	return ipl.limiter.Allow()
}

// getClientIP extracts the client's IP address from a request
func getClientIP(r *http.Request) string {
	// X-Forwarded-For might contain multiple IPs, take the first one
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ips := strings.Split(ip, ",")
		return strings.TrimSpace(ips[0])
	}

	ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	return ip
}
