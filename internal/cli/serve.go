package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pdfhub-offline/internal/logger"
)

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the offline router in front of the origin",
		Long: `Serve boots the cache lifecycle, then proxies every request through the
offline router. SIGHUP installs the configured version again; SIGINT and
SIGTERM shut down gracefully.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetInt("port"); port > 0 {
				cfg.Server.Port = port
			}

			svc, err := newService(cfg)
			if err != nil {
				return fmt.Errorf("init service: %w", err)
			}
			defer func() { _ = svc.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := svc.Start(ctx); err != nil {
				return err
			}

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}

			srv := &http.Server{
				Handler:           svc.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						logger.Info("SIGHUP received, installing %s", cfg.CurrentCacheName())
						svc.RequestUpdate()
					}
				}
			}()

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("pdfhub-offline listening on %s, origin=%s", addr, cfg.Server.Origin)
				err := srv.Serve(ln)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
					stop()
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)

			select {
			case err := <-serveErr:
				return fmt.Errorf("server error: %w", err)
			default:
				return nil
			}
		},
	}

	cmd.Flags().IntP("port", "p", 0, "listen port (overrides server.port)")
	return cmd
}
