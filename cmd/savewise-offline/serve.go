package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	offline "github.com/savewise/offline-dispatcher"
	"github.com/savewise/offline-dispatcher/cache"
	"github.com/savewise/offline-dispatcher/config"
	"github.com/savewise/offline-dispatcher/events"
	"github.com/savewise/offline-dispatcher/notify"
	"github.com/savewise/offline-dispatcher/queue"
	"github.com/savewise/offline-dispatcher/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	originFlag     string
	hostFlag       string
	portFlag       string
	dbFlag         string
	generationFlag string
	amqpURLFlag    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install, activate and start proxying requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyServeFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&originFlag, "origin", "", "Origin URL of the SaveWise backend")
	serveCmd.Flags().StringVar(&hostFlag, "host", "", "Hostname of origin")
	serveCmd.Flags().StringVar(&portFlag, "port", "", "Port to listen on")
	serveCmd.Flags().StringVar(&dbFlag, "db", "", "Store DB file name (use 'memory' for in-memory stores)")
	serveCmd.Flags().StringVar(&generationFlag, "generation", "", "Store generation tag ('auto' derives it from the manifest)")
	serveCmd.Flags().StringVar(&amqpURLFlag, "amqp-url", "", "AMQP broker URL for notifications and triggers")
	rootCmd.AddCommand(serveCmd)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("origin") {
		cfg.Origin = originFlag
	}
	if flags.Changed("host") {
		cfg.Host = hostFlag
	}
	if flags.Changed("port") {
		cfg.Port = portFlag
	}
	if flags.Changed("db") {
		cfg.DB = dbFlag
	}
	if flags.Changed("generation") {
		cfg.Generation = generationFlag
	}
	if flags.Changed("amqp-url") {
		cfg.AMQP.URL = amqpURLFlag
	}
}

// storages opens the cache and pending stores selected by the db setting.
func storages(db string) (cache.CacheStorage, queue.PendingStore, func(), error) {
	if db == config.MemoryDB {
		return cache.NewMemStorage(), queue.NewMemQueue(), func() {}, nil
	}
	stores, err := cache.NewSQLiteStorage(db)
	if err != nil {
		return nil, nil, nil, err
	}
	pending, err := queue.NewSQLiteQueue(db)
	if err != nil {
		stores.Close()
		return nil, nil, nil, err
	}
	return stores, pending, func() {
		pending.Close()
		stores.Close()
	}, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	stores, pending, closeStores, err := storages(cfg.DB)
	if err != nil {
		return err
	}
	defer closeStores()

	cacheable, err := cfg.CacheablePatterns()
	if err != nil {
		return err
	}

	logNotifier := notify.NewLogNotifier(log.Logger)
	var notifier notify.Notifier = logNotifier
	var opener notify.WindowOpener = logNotifier
	if cfg.AMQP.URL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.NotificationsKey, log.Logger)
		if err != nil {
			return err
		}
		defer amqpNotifier.Shutdown()
		notifier, opener = amqpNotifier, amqpNotifier
	}

	originURL := cfg.OriginURL()
	d := offline.New(offline.Config{
		Cache:            stores,
		Network:          offline.NewOriginFetcher(originURL, cfg.Host, cfg.OriginTimeout),
		Pending:          pending,
		Notifier:         notifier,
		Opener:           opener,
		Logger:           &log.Logger,
		Generation:       cfg.Generation,
		Manifest:         cfg.Manifest,
		APIPrefix:        cfg.APIPrefix,
		Cacheable:        cacheable,
		SyncTag:          cfg.SyncTag,
		TransactionsPath: cfg.TransactionsPath,
	})
	// a failed install is logged and not retried, the proxy still serves
	if err := d.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Started without a complete app shell")
	}

	var consumer *events.Consumer
	if cfg.AMQP.URL != "" {
		consumer, err = events.NewConsumer(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.EventsQueue, log.Logger)
		if err != nil {
			return err
		}
		defer consumer.Close()
	}

	if cfg.ControlToken == "" {
		log.Warn().Msg("No control token configured, lifecycle and trigger endpoints are disabled")
	}
	limiter := server.NewLimiter(cfg.ControlRate, cfg.ControlBurst)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.NewRouter(d, limiter, cfg.ControlToken, log.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Proxying port %s to %s (with hostname '%s')", cfg.Port, originURL.String(), cfg.Host)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		d.Wait()
		log.Info().Msg("Shutdown complete")
		return err
	})
	g.Go(func() error {
		limiter.CleanOldVisitors(gctx)
		return nil
	})
	if consumer != nil {
		g.Go(func() error {
			err := consumer.Consume(gctx, d)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}
