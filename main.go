package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"scribe/internal/api"
	"scribe/internal/commands"
	"scribe/internal/config"
	"scribe/internal/directory"
	"scribe/internal/filestore"
	"scribe/internal/gateway"
	"scribe/internal/http"
	"scribe/internal/identity"
	"scribe/internal/ledger"
	"scribe/internal/push"
	"scribe/internal/storage"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, addUser string) error {
	cfg, err := config.Load(addUser != "")
	if err != nil {
		return err
	}

	if addUser != "" {
		return commands.AddUser(addUser, cfg)
	}

	identityService, err := identity.NewService(ctx, identity.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	files, err := filestore.NewLocal(cfg.UploadsPath)
	if err != nil {
		return err
	}

	directoryService := directory.New(store)
	hub := gateway.NewHub(directoryService)
	pushService := push.New(push.Config{
		VAPIDPublic:  cfg.VAPIDPublic,
		VAPIDPrivate: cfg.VAPIDPrivate,
		Subscriber:   cfg.PushContact,
	}, store)
	var notifier ledger.Notifier
	if pushService != nil {
		notifier = pushService
	}
	ledgerService := ledger.New(store, hub, notifier)

	handlers := api.New(identityService, directoryService, ledgerService, store, files, pushService)
	adminHandler := api.NewAdminHandler(identityService, store, cfg.AdminPassword)
	gatewayServer := gateway.NewServer(identityService, hub)

	adminServer := http.NewAdminServer(adminHandler, cfg.AdminAddr)
	apiServer := http.NewAPIServer(handlers, gatewayServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	addUser := flag.String("add-user", "", "Username to create (provisions the user via the admin API and prints their token)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addUser); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
