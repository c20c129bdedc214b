package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/stock-reservation/internal/config"
	"github.com/iliyamo/stock-reservation/internal/database"
	"github.com/iliyamo/stock-reservation/internal/handler"
	"github.com/iliyamo/stock-reservation/internal/logger"
	"github.com/iliyamo/stock-reservation/internal/metrics"
	"github.com/iliyamo/stock-reservation/internal/middleware"
	"github.com/iliyamo/stock-reservation/internal/model"
	"github.com/iliyamo/stock-reservation/internal/queue"
	"github.com/iliyamo/stock-reservation/internal/repository"
	"github.com/iliyamo/stock-reservation/internal/reservation"
	"github.com/iliyamo/stock-reservation/internal/retry"
	"github.com/iliyamo/stock-reservation/internal/router"
	"github.com/iliyamo/stock-reservation/internal/tracing"
)

// stores bundles the persistence adapters selected by STORE_DRIVER.
type stores struct {
	stocks       repository.StockStore
	reservations repository.ReservationStore
	users        repository.UserStore
	tokens       repository.TokenStore
	db           *sql.DB
}

func main() {
	_ = godotenv.Load() // .env is optional

	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}
	log := logger.New(cfg.Env, cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(cfg.ServiceName, cfg.JaegerEndpoint, log)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}
	if err := bootstrapAdmin(ctx, cfg, st.users, log); err != nil {
		return err
	}

	rdb := openRedis(log)
	if rdb != nil {
		defer rdb.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rc := cfg.Reservation
	ex := retry.New(
		retry.Config{MaxRetries: rc.RetryMax, BaseDelay: rc.RetryBase, MaxJitter: rc.RetryJitter},
		repository.IsVersionConflict,
		retry.Observers{retry.LogObserver{Log: log}, metrics.RetryObserver{M: m}},
	)

	events := newPublisher(cfg, log)
	defer events.Close()

	deps := reservation.Deps{
		Stocks:       st.stocks,
		Reservations: st.reservations,
		Retry:        ex,
		Events:       events,
		Metrics:      m,
		Log:          log,
	}
	ledger := reservation.NewLedger(deps)
	coord := reservation.NewCoordinator(deps, ledger, reservation.CoordinatorConfig{Window: rc.Window, MaxWindow: rc.MaxWindow})
	var lease reservation.Lease
	if rdb != nil {
		lease = reservation.NewRedisLease(rdb, rc.SweepLeaseKey, rc.SweepLeaseTTL)
	}
	sweeper := reservation.NewSweeper(ledger, reservation.SweeperConfig{
		Interval:  rc.SweepInterval,
		BatchSize: rc.SweepBatchSize,
	}, lease)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLogger(log), tracing.Middleware(cfg.ServiceName))

	router.RegisterRoutes(e, reg)
	v1 := router.V1(e, middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
	router.RegisterAuth(v1, handler.NewAuthHandler(cfg, st.users, st.tokens), cfg.JWTSecret)
	router.RegisterPublic(v1, handler.NewStockHandler(st.stocks), middleware.NewRedisCache(config.LoadCacheConfig(), rdb))
	router.RegisterCustomer(v1, handler.NewReservationHandler(coord, ledger), cfg.JWTSecret)
	router.RegisterAdmin(v1, handler.NewAdminHandler(st.stocks, ex, ledger, sweeper), cfg.JWTSecret)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Str("broker", cfg.EventBroker).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	if cfg.EventConsumer && cfg.EventBroker == config.BrokerRabbitMQ {
		c := queue.NewConsumer(cfg.RabbitURL, cfg.EventTopic, "logs", log)
		g.Go(func() error { return c.Run(gctx) })
	}

	err = g.Wait()
	log.Info().Msg("shutdown complete")
	return err
}

func openStores(ctx context.Context, cfg config.Config, log zerolog.Logger) (stores, error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn().Msg("using in-memory store, data is lost on restart")
		mem := repository.NewMemoryStore()
		auth := repository.NewMemoryAuthStore()
		return stores{stocks: mem, reservations: mem, users: auth, tokens: auth}, nil
	}

	db, err := database.Open(ctx, database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		return stores{}, err
	}
	if cfg.DBMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return stores{}, err
		}
		log.Info().Msg("schema migrated")
	}
	return stores{
		stocks:       repository.NewProductStockRepo(db),
		reservations: repository.NewStockReservationRepo(db),
		users:        repository.NewUserRepo(db),
		tokens:       repository.NewTokenRepo(db),
		db:           db,
	}, nil
}

// openRedis returns nil when Redis is not reachable; the rate limiter,
// response cache and sweep lease all degrade to no-ops without it.
func openRedis(log zerolog.Logger) *redis.Client {
	rdb, err := config.NewRedisClient(config.LoadRedisConfig())
	if err != nil {
		log.Warn().Err(err).Msg("redis unreachable, running without it")
		return nil
	}
	return rdb
}

func newPublisher(cfg config.Config, log zerolog.Logger) queue.Publisher {
	switch cfg.EventBroker {
	case config.BrokerRabbitMQ:
		return queue.NewRabbitPublisher(cfg.RabbitURL, cfg.EventTopic, log)
	case config.BrokerKafka:
		return queue.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventTopic, log)
	}
	return queue.NopPublisher{}
}

// bootstrapAdmin creates the configured admin account once. Registration
// only ever creates customers, so this is the way an admin comes to exist.
func bootstrapAdmin(ctx context.Context, cfg config.Config, users repository.UserStore, log zerolog.Logger) error {
	if cfg.AdminEmail == "" {
		return nil
	}
	id, err := users.Create(ctx, cfg.AdminEmail, cfg.AdminPassword, model.RoleAdmin, cfg.BcryptCost)
	switch {
	case errors.Is(err, repository.ErrEmailExists):
		return nil
	case err != nil:
		return err
	}
	log.Info().Uint64("user_id", id).Msg("admin account created")
	return nil
}
