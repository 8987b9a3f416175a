package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"memberfund.org/internal/approval"
	"memberfund.org/internal/auth"
	"memberfund.org/internal/config"
	"memberfund.org/internal/finance"
	"memberfund.org/internal/httpapi"
	"memberfund.org/internal/ledger"
	"memberfund.org/internal/migrate"
	"memberfund.org/internal/notify"
	"memberfund.org/internal/notify/kafka"
	"memberfund.org/internal/obs"
	"memberfund.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backends struct {
	entities approval.Store
	book     ledger.Store
	users    auth.UserStore
	ready    httpapi.ReadyProbe
	close    []func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := obs.NewLogger(cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api stopped with error", zap.Error(err))
	}
	logger.Info("stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	be, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for i := len(be.close) - 1; i >= 0; i-- {
			_ = be.close[i]()
		}
	}()

	tokens, err := auth.NewTokenIssuer(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer), auth.WithTokenTTL(cfg.TokenTTL))
	if err != nil {
		return err
	}
	authn, err := auth.NewAuthenticator(tokens, be.users)
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.Log{}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		be.close = append(be.close, pub.Close)
		notifier = pub
		logger.Info("kafka notifications enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	svc, err := approval.NewService(be.entities, be.book,
		approval.WithNotifier(notifier),
		approval.WithUserDirectory(be.users),
		approval.WithResolver(authn),
		approval.WithPersistTimeout(cfg.PersistTimeout),
		approval.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	var limiter httpapi.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		be.close = append(be.close, rdb.Close)
		be.ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		window := time.Minute
		limiter = httpapi.NewRedisLimiter(rdb, int(cfg.RatePerSec*window.Seconds())+cfg.RateBurst, window)
	} else {
		mem := httpapi.NewMemoryLimiter(cfg.RatePerSec, cfg.RateBurst)
		go mem.Run(ctx, time.Minute)
		limiter = mem
	}

	api, err := httpapi.New(httpapi.Options{
		Service:        svc,
		Authenticator:  authn,
		Ready:          be.ready,
		Version:        version,
		Limiter:        limiter,
		CORSOrigins:    cfg.CORSOrigins,
		DevDiagnostics: cfg.DevDiagnostics,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var gs *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		gs = grpc.NewServer()
		hs := httpapi.NewHealthServer(be.ready, 10*time.Second)
		hs.Register(gs)
		go hs.Run(ctx)
		go func() {
			logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if gs != nil {
		gs.GracefulStop()
	}
	return srv.Shutdown(shutdownCtx)
}

// openBackends picks Postgres when a DSN is configured and in-memory stores
// otherwise.
func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backends, error) {
	be := &backends{ready: httpapi.ReadyProbe{}}

	if cfg.PGDSN == "" {
		logger.Warn("no database configured; using in-memory stores")
		var users []auth.User
		if cfg.BootstrapAdminEmail != "" {
			hash, err := auth.HashPassword(cfg.BootstrapAdminPassword)
			if err != nil {
				return nil, err
			}
			users = append(users, auth.User{
				ID:           "bootstrap-admin",
				Email:        cfg.BootstrapAdminEmail,
				Name:         "Bootstrap Admin",
				Role:         auth.RoleSuperAdmin,
				Status:       auth.UserStatusActive,
				PasswordHash: hash,
				CreatedAt:    time.Now().UTC(),
			})
		}
		be.entities = finance.NewInMemory()
		be.book = ledger.NewInMemory()
		be.users = auth.NewMemoryUsers(users...)
		return be, nil
	}

	store, err := pg.Open(cfg.PGDSN, pg.DefaultPool)
	if err != nil {
		return nil, err
	}
	be.close = append(be.close, store.Close)
	mgr := migrate.NewManager(store.DB())
	be.ready["postgres"] = store.Ping
	be.ready["migrations"] = func(ctx context.Context) error {
		pending, err := mgr.Pending(ctx)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return errors.New("pending migrations: " + pending[0])
		}
		return nil
	}

	if cfg.BootstrapAdminEmail != "" {
		if err := bootstrapAdmin(ctx, store, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword); err != nil {
			logger.Warn("bootstrap admin skipped", zap.Error(err))
		}
	}

	be.entities = store
	be.book = store
	be.users = store
	return be, nil
}

func bootstrapAdmin(ctx context.Context, store *pg.Store, email, password string) error {
	if _, err := store.FindUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, auth.ErrUserNotFound) {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = store.CreateUser(ctx, auth.User{
		Email:        email,
		Name:         "Bootstrap Admin",
		Role:         auth.RoleSuperAdmin,
		PasswordHash: hash,
	})
	return err
}
