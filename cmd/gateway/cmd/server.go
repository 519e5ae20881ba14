package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/pagopa/io-auth-gateway/api"
	"github.com/pagopa/io-auth-gateway/internal/util"
	"github.com/pagopa/io-auth-gateway/keyauth"
	"github.com/pagopa/io-auth-gateway/lollipop"
	"github.com/pagopa/io-auth-gateway/sessionctl"
	"github.com/pagopa/io-auth-gateway/storage"
	bboltstorage "github.com/pagopa/io-auth-gateway/storage/bbolt"
	memorystorage "github.com/pagopa/io-auth-gateway/storage/memory"
	pgstorage "github.com/pagopa/io-auth-gateway/storage/postgres"
)

var (
	port         int
	backend      string
	dataDir      string
	postgresDSN  string
	keyauthURL   string
	keyauthKey   string
	consumerURL  string
	consumerKey  string
	notifyURL    string
	notifyKey    string
	operatorKey  string
	hashSalt     string
	fastLogin    bool
	tlsCert      string
	tlsKey       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		if operatorKey == "" {
			return fmt.Errorf("an operator API key is required (--operator-key or GATEWAY_OPERATOR_KEY)")
		}
		if hashSalt == "" {
			return fmt.Errorf("an audit hash salt is required (--hash-salt or GATEWAY_HASH_SALT)")
		}

		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		authority := keyauth.NewHTTPClient(keyauthURL, keyauthKey)
		revoker := keyauth.NewRevokeQueue(authority, logger)
		defer revoker.Close()

		var notifications sessionctl.NotificationService = sessionctl.NoopNotifications{}
		if notifyURL != "" {
			notifications = sessionctl.NewHTTPNotifications(notifyURL, notifyKey)
		}

		hashUserID := util.UserIDHasher([]byte(hashSalt))
		mgr := sessionctl.NewManager(sessionctl.Config{
			Sessions:      store,
			Bindings:      store,
			Locks:         store,
			Authority:     authority,
			Revoker:       revoker,
			Notifications: notifications,
			Logger:        logger,
			HashUserID:    hashUserID,
		})

		// The resolution strategy is fixed at startup, not branched per
		// request: fast-login deployments trust the verified identity's
		// assertion ref, legacy deployments read the binding store.
		var bindingResolver lollipop.BindingResolver = &lollipop.StoreBindingResolver{Bindings: store}
		if fastLogin {
			bindingResolver = lollipop.IdentityBindingResolver{}
		}
		resolver := &lollipop.LocalsResolver{
			Bindings:   bindingResolver,
			Authority:  authority,
			Logger:     logger,
			HashUserID: hashUserID,
		}

		consumer := api.NewHTTPConsumer(consumerURL, consumerKey)
		a := api.New(mgr, resolver, consumer, store, operatorKey, hashUserID,
			api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsCert != "" && tlsKey != "" {
				err = server.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		logger.Info("server started", "port", port, "backend", backend, "fast_login", fastLogin)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func openStore(ctx context.Context) (storage.Store, func(), error) {
	switch backend {
	case "memory":
		return memorystorage.NewStore(), func() {}, nil
	case "bbolt":
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := bboltstorage.NewStoreFromFile(dataDir+"/gateway.db", nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return store, func() { store.Close() }, nil
	case "postgres":
		if postgresDSN == "" {
			return nil, nil, fmt.Errorf("--postgres-dsn is required with the postgres backend")
		}
		store, err := pgstorage.NewStoreFromDSN(ctx, postgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", backend)
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&backend, "backend", "bbolt", "Storage backend: memory, bbolt or postgres")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for bbolt data")
	serverCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", os.Getenv("GATEWAY_POSTGRES_DSN"), "PostgreSQL DSN")
	serverCmd.Flags().StringVar(&keyauthURL, "keyauth-url", os.Getenv("GATEWAY_KEYAUTH_URL"), "Key authority base URL")
	serverCmd.Flags().StringVar(&keyauthKey, "keyauth-key", os.Getenv("GATEWAY_KEYAUTH_KEY"), "Key authority API key")
	serverCmd.Flags().StringVar(&consumerURL, "consumer-url", os.Getenv("GATEWAY_CONSUMER_URL"), "Lollipop consumer base URL")
	serverCmd.Flags().StringVar(&consumerKey, "consumer-key", os.Getenv("GATEWAY_CONSUMER_KEY"), "Lollipop consumer API key")
	serverCmd.Flags().StringVar(&notifyURL, "notify-url", os.Getenv("GATEWAY_NOTIFY_URL"), "Notification hub base URL (empty disables)")
	serverCmd.Flags().StringVar(&notifyKey, "notify-key", os.Getenv("GATEWAY_NOTIFY_KEY"), "Notification hub API key")
	serverCmd.Flags().StringVar(&operatorKey, "operator-key", os.Getenv("GATEWAY_OPERATOR_KEY"), "API key for the privileged endpoints")
	serverCmd.Flags().StringVar(&hashSalt, "hash-salt", os.Getenv("GATEWAY_HASH_SALT"), "Salt for fiscal-code pseudonymization in logs")
	serverCmd.Flags().BoolVar(&fastLogin, "fast-login", false, "Resolve key bindings from the verified identity instead of the store")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
