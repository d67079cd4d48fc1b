package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	c "github.com/fjod/go_cart/cart-core/internal/cache"
	"github.com/fjod/go_cart/cart-core/internal/catalog"
	"github.com/fjod/go_cart/cart-core/internal/config"
	"github.com/fjod/go_cart/cart-core/internal/consumer"
	"github.com/fjod/go_cart/cart-core/internal/discount"
	carthttp "github.com/fjod/go_cart/cart-core/internal/http"
	"github.com/fjod/go_cart/cart-core/internal/lock"
	"github.com/fjod/go_cart/cart-core/internal/logger"
	"github.com/fjod/go_cart/cart-core/internal/merge"
	"github.com/fjod/go_cart/cart-core/internal/publisher"
	"github.com/fjod/go_cart/cart-core/internal/repository"
	s "github.com/fjod/go_cart/cart-core/internal/service"
	"github.com/fjod/go_cart/cart-core/internal/sweeper"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

func main() {
	configPath := flag.String("config", os.Getenv("CART_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("cart service failed", "error", err)
		os.Exit(1)
	}
	log.Info("cart service stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	closers = append(closers, closeRepo)

	deps := s.Deps{Repo: repo, Logger: log}

	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { redisClient.Close() })
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		log.Info("redis ping succeeded", "addr", cfg.Redis.Addr)
		deps.Cache = c.NewRedisCache(redisClient, cfg.Redis.CacheTTL)
		deps.Locker = lock.NewRedisLocker(redisClient, cfg.Redis.LockTTL, log)
	}

	if cfg.Catalog.URL != "" {
		deps.Catalog = catalog.NewHTTPCatalog(cfg.Catalog.URL, cfg.Catalog.Timeout, log)
		log.Info("using catalog service", "url", cfg.Catalog.URL)
	} else {
		deps.Catalog = catalog.NewStaticCatalog(cfg.Catalog.Products)
		log.Info("using configured product list", "products", len(cfg.Catalog.Products))
	}

	promos, err := cfg.Promotions()
	if err != nil {
		return err
	}
	if cfg.Discount.Postgres.Host != "" {
		store, err := discount.NewStore(ctx, cfg.Discount.Postgres)
		if err != nil {
			return err
		}
		closers = append(closers, func() { store.Close() })
		if err := store.RunMigrations(); err != nil {
			return err
		}
		for _, p := range promos {
			if err := store.Upsert(ctx, p); err != nil {
				return err
			}
		}
		deps.Discounts = store
		log.Info("discount codes served from postgres", "host", cfg.Discount.Postgres.Host)
	} else {
		deps.Discounts = discount.NewStaticResolver(promos)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kp := publisher.NewKafkaPublisher(cfg.Kafka.EventsTopic, cfg.Kafka.Brokers...)
		closers = append(closers, func() { kp.Close() })
		deps.Events = kp
	}

	svc := s.NewCartService(deps, s.Options{Policy: cfg.Cart, Rules: cfg.Pricing})
	merger := merge.NewEngine(svc, deps.Events, log)

	auth := carthttp.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	routerCfg := carthttp.RouterConfig{
		Handler:            carthttp.NewCartHandler(svc, merger, log),
		Auth:               auth,
		Logger:             log,
		RequestTimeout:     cfg.HTTP.RequestTimeout,
		MaxRequestBodySize: cfg.HTTP.MaxRequestBodySize,
		Health:             repo.Ping,
	}
	var limiter *carthttp.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = carthttp.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		routerCfg.Limiter = limiter
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           otelhttp.NewHandler(carthttp.NewRouter(routerCfg), cfg.ServiceName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	// Enable reflection for grpcurl/grpcui
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("cart service listening", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info("grpc health listening", "port", cfg.GRPC.Port)
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		reportHealth(gctx, repo, healthServer, cfg.ServiceName, log)
		return nil
	})
	g.Go(func() error {
		sweeper.New(svc, cfg.Sweeper.Interval, cfg.Sweeper.BatchSize, log).Run(gctx)
		return nil
	})
	if limiter != nil {
		g.Go(func() error {
			limiter.Run(gctx)
			return nil
		})
	}
	if len(cfg.Kafka.Brokers) > 0 {
		cons := consumer.NewConsumer(svc, log, cfg.Kafka.CheckoutTopic, cfg.Kafka.GroupID, cfg.Kafka.Brokers...)
		closers = append(closers, cons.Close)
		g.Go(func() error {
			cons.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down cart service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openRepository(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.CartRepository, func(), error) {
	if cfg.Store.Driver != "mongo" {
		log.Warn("using in-memory cart store; carts are lost on restart")
		return repository.NewMemoryRepository(), func() {}, nil
	}

	mongoDB, err := repository.ConnectMongoDB(ctx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database)
	if err != nil {
		return nil, nil, err
	}
	repo := repository.NewMongoRepository(mongoDB)
	if err := repository.EnsureIndexes(ctx, repo); err != nil {
		mongoDB.Client().Disconnect(context.Background())
		return nil, nil, err
	}
	log.Info("connected to MongoDB", "database", cfg.Store.Mongo.Database)

	return repo, func() { mongoDB.Client().Disconnect(context.Background()) }, nil
}

// reportHealth mirrors the store's reachability into the gRPC health service.
func reportHealth(ctx context.Context, repo repository.CartRepository, hs *health.Server, service string, log *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_SERVING
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := repo.Ping(pingCtx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		cancel()

		if status != last {
			log.Info("health status changed", "status", status.String())
			last = status
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(service, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
