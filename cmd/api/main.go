package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-parking-go/internal/device"
	devicerepo "github.com/ovaphlow/pitchfork/service-parking-go/internal/device/repo"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/identity"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/merge"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/notification"
	notificationrepo "github.com/ovaphlow/pitchfork/service-parking-go/internal/notification/repo"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/referral"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-parking-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-parking-go/internal/vehicle"
	vehiclerepo "github.com/ovaphlow/pitchfork/service-parking-go/internal/vehicle/repo"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-parking-go/pkg/utilities"
)

func main() {
	// load .env file if present so os.Getenv picks values from it
	// this is best-effort: if no .env exists, continue (use defaults or real env)
	_ = godotenv.Load()

	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-parking-go")

	// init db
	db, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	handler, err := build(sugar, db)
	if err != nil {
		sugar.Fatalf("init: %v", err)
	}

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = "0.0.0.0:8431"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// run server in background
	go func() {
		sugar.Infow("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()

	sugar.Info("shutting down")

	// give a short grace period for cleanup
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}

// build creates tables and wires repositories, services and handlers.
func build(logger *zap.SugaredLogger, db *sqlx.DB) (http.Handler, error) {
	users := userrepo.NewUserRepo(db)
	sessions := devicerepo.NewSessionRepo(db)
	vehicles := vehiclerepo.NewVehicleRepo(db)
	tickets := vehiclerepo.NewTicketRepo(db)
	inbox := notificationrepo.NewRepo(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// order matters: every table references users
	for _, t := range []interface {
		EnsureTable(context.Context) error
	}{users, sessions, vehicles, tickets, inbox} {
		if err := t.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("ensure table: %w", err)
		}
	}

	tokens, err := device.NewTokenIssuer(device.TokenConfigFromEnv())
	if err != nil {
		return nil, err
	}

	tx := database.NewTxRunner(db)
	deviceSvc := device.NewService(tx, users, sessions, logger.Named("device"))
	merger := merge.NewMerger(tx, merge.Stores{
		Users:    users,
		Vehicles: vehicles,
		Tickets:  tickets,
		Inbox:    inbox,
		Sessions: sessions,
	}, logger.Named("merge"))
	resolver := identity.NewResolver(tx, users, sessions, merger, referral.New(referral.ConfigFromEnv()), logger.Named("identity"))

	return router.RegisterRoutes(logger, router.Handlers{
		Auth:         device.NewAuthenticator(tokens, deviceSvc, logger.Named("auth")),
		Device:       device.NewHandler(deviceSvc, tokens, logger),
		Identity:     identity.NewHandler(resolver, tokens, identity.CallbackSecretFromEnv(), logger),
		User:         user.NewHandler(user.NewUserService(users), logger),
		Vehicle:      vehicle.NewHandler(vehicle.NewService(vehicles, tickets), logger),
		Notification: notification.NewHandler(notification.NewService(inbox), logger),
	}), nil
}
