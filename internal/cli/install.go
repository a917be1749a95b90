package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pdfhub-offline/internal/logger"
)

func NewInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Precache the configured version and activate it",
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

			lc := svc.Lifecycle()
			lc.Restore()
			if err := lc.Update(cmd.Context()); err != nil {
				return fmt.Errorf("install %s: %w", cfg.CurrentCacheName(), err)
			}
			st := lc.Status()
			logger.Info("%s active with %d precached paths", logger.Green(st.Active), len(st.Precache))
			return nil
		},
	}
}
