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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaot623/huddle/internal/adapter/partyclient"
	"github.com/xiaot623/huddle/internal/logging"
	"github.com/xiaot623/huddle/internal/partyserver"
)

func newPartyCmd() *cobra.Command {
	var (
		name        string
		addr        string
		seed        uint64
		slotsPerDay int
		days        int
		latency     time.Duration
		endWithDone bool
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "party",
		Short: "Serve a stub party with a generated calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			logger, err := logging.New(logLevel, false)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			today := time.Now().UTC().Truncate(24 * time.Hour)
			cal := partyclient.NewGeneratedCalendar(seed, today, days, slotsPerDay)
			for _, s := range cal.Slots() {
				logger.Debug("free", zap.String("slot", s.String()))
			}

			srv := partyserver.New(name, cal, partyserver.Options{Latency: latency, EndWithDone: endWithDone}, logger)
			e := srv.Echo()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("party started", zap.String("party", name), zap.String("addr", addr), zap.Int("free_slots", len(cal.Slots())))
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("failed to start party: %w", err)
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return e.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "party name")
	cmd.Flags().StringVar(&addr, "addr", ":8001", "listen address")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "calendar seed")
	cmd.Flags().IntVar(&slotsPerDay, "slots-per-day", 4, "free one-hour slots per day")
	cmd.Flags().IntVar(&days, "days", 7, "days of calendar starting today")
	cmd.Flags().DurationVar(&latency, "latency", 0, "delay before answering and between streamed partials")
	cmd.Flags().BoolVar(&endWithDone, "done", false, "end streams with a done event instead of a final offer")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
