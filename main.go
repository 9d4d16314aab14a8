package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hehehe1cracka/empathic-space-hub/internal/auth"
	"github.com/hehehe1cracka/empathic-space-hub/internal/avatars"
	"github.com/hehehe1cracka/empathic-space-hub/internal/commands"
	"github.com/hehehe1cracka/empathic-space-hub/internal/config"
	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
	"github.com/hehehe1cracka/empathic-space-hub/internal/notify"
	"github.com/hehehe1cracka/empathic-space-hub/internal/web"
)

func run(ctx context.Context, seedUser string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if seedUser != "" {
		return commands.SeedUser(seedUser, cfg)
	}

	store, err := gateway.Open(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	avatarStore, err := avatars.NewStore(cfg.AvatarsPath)
	if err != nil {
		return err
	}

	authService := auth.NewService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry})
	pushSender := notify.NewSender(store, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.PushSubscriber)
	if pushSender == nil {
		slog.Info("web push disabled, no VAPID keys configured")
	}

	apiServer := web.NewServer(authService, store, avatarStore, pushSender, cfg.APIAddr, cfg.BaseURL)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	seedUser := flag.String("seed-user", "", "Email to create an account for (generates a password and prints details)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *seedUser); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
