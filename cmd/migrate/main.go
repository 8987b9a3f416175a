package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"memberfund.org/internal/auth"
	"memberfund.org/internal/migrate"
	"memberfund.org/internal/obs"
	"memberfund.org/internal/store/pg"
)

const usage = "usage: migrate [up|down|seed|status|pending|create-admin]"

func main() {
	log.SetFlags(0)
	var (
		dsn       = flag.String("dsn", os.Getenv("MEMBERFUND_PG_DSN"), "PostgreSQL DSN")
		seedsPath = flag.String("seeds", "", "Directory with SQL seed files")
		email     = flag.String("email", "", "Admin email for create-admin")
		password  = flag.String("password", os.Getenv("MEMBERFUND_ADMIN_PASSWORD"), "Admin password for create-admin")
		name      = flag.String("name", "Administrator", "Admin display name for create-admin")
		role      = flag.String("role", string(auth.RoleSuperAdmin), "Role for create-admin")
		dev       = flag.Bool("dev", false, "Human-readable logs")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or MEMBERFUND_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal(usage)
	}

	logger, err := obs.NewLogger(*dev)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer store.Close()

	var opts []migrate.Option
	if *seedsPath != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(*seedsPath)))
	}
	mgr := migrate.NewManager(store.DB(), opts...)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil {
			logger.Info("migrations up to date", zap.Int("applied", len(applied)))
		}
	case "down":
		var rolled string
		rolled, err = mgr.Down(ctx)
		if err == nil {
			logger.Info("migration rolled back", zap.String("name", rolled))
		}
	case "seed":
		err = mgr.Seed(ctx)
	case "status", "pending":
		var names []string
		if cmd == "status" {
			names, err = mgr.Status(ctx)
		} else {
			names, err = mgr.Pending(ctx)
		}
		if err == nil {
			for _, item := range names {
				fmt.Println(item)
			}
		}
	case "create-admin":
		err = createAdmin(ctx, store, *email, *password, *name, *role)
	default:
		logger.Fatal("unknown command", zap.String("command", cmd), zap.String("usage", usage))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}

func createAdmin(ctx context.Context, store *pg.Store, email, password, name, rawRole string) error {
	role, ok := auth.ParseRole(rawRole)
	if !ok {
		return fmt.Errorf("unknown role %q", rawRole)
	}
	if email == "" || password == "" {
		return fmt.Errorf("create-admin requires -email and -password")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user, err := store.CreateUser(ctx, auth.User{
		Email:        email,
		Name:         name,
		Role:         role,
		PasswordHash: hash,
	})
	if err != nil {
		return err
	}
	obs.Logger().Info("account created", zap.String("user_id", user.ID), zap.String("role", string(user.Role)))
	return nil
}
