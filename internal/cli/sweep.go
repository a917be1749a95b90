package cli

import (
	"github.com/spf13/cobra"

	"pdfhub-offline/internal/logger"
)

func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete cached entries older than cache.retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			svc, err := newService(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			svc.Lifecycle().Restore()
			n, err := svc.Janitor().Sweep()
			if err != nil {
				return err
			}
			logger.Info("removed %d expired entries from %s", n, svc.Lifecycle().ActiveCache())
			return nil
		},
	}
}
