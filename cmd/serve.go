package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/huddle/internal/adapter/partyclient"
	"github.com/xiaot623/huddle/internal/booking"
	"github.com/xiaot623/huddle/internal/config"
	"github.com/xiaot623/huddle/internal/fanout"
	"github.com/xiaot623/huddle/internal/logging"
	"github.com/xiaot623/huddle/internal/policy"
	"github.com/xiaot623/huddle/internal/reconcile"
	"github.com/xiaot623/huddle/internal/repository"
	"github.com/xiaot623/huddle/internal/service"
	"github.com/xiaot623/huddle/internal/session"
	httptransport "github.com/xiaot623/huddle/internal/transport/http"
	"github.com/xiaot623/huddle/internal/transport/ws"
	"github.com/xiaot623/huddle/internal/venue"
)

func newServeCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}

			logger, err := logging.New(cfg.LogLevel, cfg.IsProduction())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file (default ./huddle.yaml if present)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting coordinator",
		zap.Int("port", cfg.HTTPPort),
		zap.String("database", cfg.DatabaseURL),
		zap.String("venue", cfg.VenueID),
		zap.String("venue_backend", cfg.VenueBackend),
		zap.String("quorum", cfg.QuorumMode),
	)

	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.QuorumPolicyFile)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	venues, closeVenues, err := openVenues(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeVenues()

	sessionCfg := session.DefaultConfig()
	sessionCfg.MinSlotDuration = cfg.MinSlotDuration()
	sessionCfg.RoundTimeout = cfg.RoundTimeout()
	sessionCfg.PartyRetry = fanout.RetryPolicy{MaxRetries: cfg.PartyMaxRetries, BaseDelay: cfg.PartyRetryBase()}
	sessionCfg.RoundRetries = cfg.RoundRetries
	sessionCfg.BookingRetries = cfg.BookingRetries
	sessionCfg.BookingTimeout = cfg.BookingTimeout()
	sessionCfg.SessionTimeout = cfg.SessionTimeout()

	hub := ws.NewHub(logger)
	svc := service.New(service.Options{
		Store:    db,
		Registry: session.NewRegistry(cfg.SessionGrace(), logger),
		Engines: session.Engines{
			Coordinator: fanout.New(logger),
			Reconciler:  reconcile.NewEngine(policy.NewQuorum(policyEngine, cfg.QuorumMode, cfg.QuorumMin), logger),
			Finalizer:   booking.New(logger),
			Logger:      logger,
		},
		Venues:       venues,
		Hub:          hub,
		Session:      sessionCfg,
		PartyOptions: []partyclient.HTTPOption{partyclient.WithRateLimit(cfg.PartyRatePerSec)},
		Logger:       logger,
	})

	if err := svc.SeedParties(ctx, cfg.Parties); err != nil {
		return fmt.Errorf("failed to seed parties: %w", err)
	}

	wsServer := ws.NewServer(ws.Options{
		PingInterval:   cfg.WSPingInterval(),
		WriteTimeout:   cfg.WSWriteTimeout(),
		ReadTimeout:    cfg.WSReadTimeout(),
		MaxMessageSize: cfg.WSMaxMessageSize,
	}, hub, svc, logger)
	e := httptransport.NewServer(svc, wsServer)

	// The hub outlives the server so closing connections can unregister.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.Run(gctx)
		return nil
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("API started", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down coordinator")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown server gracefully", zap.Error(err))
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to stop sessions gracefully", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("coordinator stopped")
	return err
}

// openVenues builds the venue directory for the configured backend.
func openVenues(ctx context.Context, cfg *config.Config, db *repository.SQLiteStore) (*venue.Directory, func(), error) {
	switch cfg.VenueBackend {
	case config.VenueBackendMemory:
		return venue.NewDirectory(cfg.VenueID, func(id string) venue.Venue {
			return venue.NewMemory(id)
		}), func() {}, nil

	case config.VenueBackendRedis:
		client, err := venue.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return venue.NewDirectory(cfg.VenueID, func(id string) venue.Venue {
			return venue.NewRedis(id, client)
		}), closeRedis(client), nil

	default:
		return venue.NewDirectory(cfg.VenueID, func(id string) venue.Venue {
			return venue.NewSQL(id, db)
		}), func() {}, nil
	}
}

func closeRedis(client *redis.Client) func() {
	return func() { _ = client.Close() }
}
