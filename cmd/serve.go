package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/travelroboto/trip-ingest/internal/api"
	"github.com/travelroboto/trip-ingest/internal/notify"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server, reply listener and expiry sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		handler := api.NewHandler(api.Deps{
			Ingester:       env.Pipeline,
			Confirmations:  env.Coordinator,
			Trips:          env.Store,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		if env.Redis != nil {
			listener := notify.NewReplyListener(env.Redis, cfg.Redis.ReplyChannel, env.Coordinator)
			go func() {
				if err := listener.Run(ctx); err != nil {
					zap.L().Error("reply listener stopped", zap.Error(err))
				}
			}()
		}

		sweep := time.Duration(cfg.Confirmation.SweepIntervalSecs) * time.Second
		go runExpirySweep(ctx, env.Coordinator, sweep)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// expirer is the part of the coordinator the sweep drives.
type expirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// runExpirySweep expires stale confirmation requests every interval until
// ctx is done. A non-positive interval disables the sweep.
func runExpirySweep(ctx context.Context, e expirer, interval time.Duration) {
	if interval <= 0 {
		zap.L().Info("confirmation expiry sweep disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := e.ExpireStale(ctx, now.UTC())
			if err != nil {
				zap.L().Error("confirmation expiry sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				zap.L().Info("expired stale confirmations", zap.Int("count", n))
			}
		}
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
