package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/quipper/poc/lti/tool/internal/ags"
	ltiHandler "github.com/quipper/poc/lti/tool/internal/controller/http/lti"
	"github.com/quipper/poc/lti/tool/internal/launch"
	"github.com/quipper/poc/lti/tool/internal/registry"
	launchSqlite "github.com/quipper/poc/lti/tool/internal/repositories/launch/sqlite"
	platformSqlite "github.com/quipper/poc/lti/tool/internal/repositories/platform/sqlite"
	"github.com/quipper/poc/lti/tool/internal/repositories/postgres"
	"github.com/quipper/poc/lti/tool/internal/repositories/validation"
	"github.com/quipper/poc/lti/tool/internal/verifier"
	"github.com/quipper/poc/lti/tool/pkg/common/config"
	"github.com/quipper/poc/lti/tool/pkg/common/events"
	"github.com/quipper/poc/lti/tool/pkg/common/jwkscache"
	"github.com/quipper/poc/lti/tool/pkg/common/keys"
	"github.com/quipper/poc/lti/tool/pkg/common/logger"
	"github.com/quipper/poc/lti/tool/pkg/common/metrics"
	"github.com/quipper/poc/lti/tool/pkg/common/telemetry"
	lr "github.com/quipper/poc/lti/tool/pkg/repositories/launch"
	"github.com/quipper/poc/lti/tool/pkg/repositories/platform"
	vrepo "github.com/quipper/poc/lti/tool/pkg/repositories/validation"
)

const maxBodySize = 2_100_000

// sqliteDSN lets the three stores share one database file without SQLITE_BUSY.
func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

type stores struct {
	platforms platform.Repository
	launches  lr.Repository
	states    vrepo.Repository
}

func (s stores) close() {
	if s.states != nil {
		s.states.Disconnect()
	}
	if s.launches != nil {
		s.launches.Disconnect()
	}
	if s.platforms != nil {
		s.platforms.Disconnect()
	}
}

// openStores uses Postgres when DATABASE_URL is set and SQLite otherwise. Login states
// live in Redis when REDIS_URL is set.
func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	var s stores
	if cfg.DatabaseURL != "" {
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return s, err
		}
		s.platforms = postgres.NewPlatformRepo(pool)
		s.launches = postgres.NewLaunchRepo(pool)
		logger.Info("using postgres store")
	} else {
		p, err := platformSqlite.NewSQLiteRepo(sqliteDSN(cfg.SQLitePath))
		if err != nil {
			return s, err
		}
		s.platforms = p
		l, err := launchSqlite.NewSQLiteRepo(sqliteDSN(cfg.SQLitePath))
		if err != nil {
			s.close()
			return s, err
		}
		s.launches = l
		logger.Info("using sqlite store at %s", cfg.SQLitePath)
	}

	if cfg.RedisURL != "" {
		r, err := validation.NewRedisRepo(ctx, cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			s.close()
			return s, err
		}
		s.states = r
		logger.Info("login states in redis")
	} else {
		v, err := validation.NewSQLiteRepo(sqliteDSN(cfg.SQLitePath))
		if err != nil {
			s.close()
			return s, err
		}
		s.states = v
	}
	return s, nil
}

func newCustodian(ctx context.Context, cfg config.Config) (keys.Custodian, error) {
	if cfg.KeyCustodian == "kms" {
		k, err := keys.NewKMSCustodian(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		logger.Info("tool keys held in AWS KMS")
		return k, nil
	}
	c, err := keys.NewLocalCustodian(cfg.KeysDir)
	if err != nil {
		return nil, err
	}
	c.GenerateMissing = cfg.GenerateDevKeys
	return c, nil
}

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		logger.Initialize("info")
		logger.Error("load config: %v", err)
		os.Exit(1)
	}
	logger.Initialize(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("starting lti tool at %s", cfg.PublicBaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init("lti-tool", cfg.TracingExporter)
	if err != nil {
		logger.Error("init tracing: %v", err)
		os.Exit(1)
	}

	custodian, err := newCustodian(ctx, cfg)
	if err != nil {
		logger.Error("init key custodian: %v", err)
		os.Exit(1)
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Error("init stores: %v", err)
		os.Exit(1)
	}

	reg := registry.New(st.platforms)
	if cfg.PlatformsFile != "" {
		n, err := reg.SeedFile(ctx, cfg.PlatformsFile)
		if err != nil {
			logger.Error("seed platforms from %s: %v", cfg.PlatformsFile, err)
			os.Exit(1)
		}
		logger.Info("seeded %d platform registrations", n)
	}

	m := metrics.NewDefault()
	publisher := events.NewPublisher(cfg.NATSURL)

	cache := jwkscache.New(jwkscache.Options{
		MaxTTL:  cfg.JWKSCacheTTL,
		Timeout: cfg.JWKSTimeout,
		Metrics: m,
	})
	v := verifier.New(cache, custodian, reg, verifier.Options{ClockSkew: cfg.ClockSkew})
	launchSvc := launch.NewService(reg, v, st.states, st.launches, launch.Options{
		LaunchURL:     cfg.LaunchURL(),
		LaunchTTL:     cfg.LaunchTTL,
		LoginStateTTL: cfg.LoginStateTTL,
		Metrics:       m,
		Events:        publisher,
	})
	grader := ags.NewClient(reg, st.launches, custodian, ags.Options{
		TokenTimeout: cfg.TokenTimeout,
		ScoreTimeout: cfg.ScoreTimeout,
		SafetyMargin: cfg.TokenSafetyMargin,
		Metrics:      m,
		Events:       publisher,
	})

	if cfg.InternalAPIToken == "" {
		logger.Warn("LTI_INTERNAL_API_TOKEN is not set; POST /lti/grade is unauthenticated")
	}
	h := ltiHandler.NewHandler(launchSvc, grader, v, ltiHandler.Options{
		InternalToken: cfg.InternalAPIToken,
		Metrics:       m,
		HealthChecks: map[string]ltiHandler.HealthCheck{
			"platforms": st.platforms.Health,
			"launches":  st.launches.Health,
		},
	})

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.RequestSize(maxBodySize))
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	router.Use(m.Instrument)
	router.Mount("/", h.Router())

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go launchSvc.SweepEvery(sweepCtx, cfg.ExpirySweepInterval)

	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown: %v", err)
	}
	stopSweep()
	if err := publisher.Close(); err != nil {
		logger.Warn("close event publisher: %v", err)
	}
	st.close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown: %v", err)
	}
	logger.Info("server stopped")
}
