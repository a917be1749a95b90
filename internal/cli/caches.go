package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"pdfhub-offline/internal/logger"
)

func NewCachesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "caches",
		Short: "List named caches and their role",
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
			st := svc.Lifecycle().Status()
			counts := svc.Store().Counts()

			names := make([]string, 0, len(counts))
			for name := range counts {
				names = append(names, name)
			}
			sort.Strings(names)

			table := logger.CreateTable([]string{"Cache", "Entries", "Role"})
			for _, name := range names {
				row := []string{name, strconv.Itoa(counts[name]), cacheRole(name, st.Current, st.Active, st.Runtime)}
				if err := table.Append(row); err != nil {
					return fmt.Errorf("an error occurred while appending to the table: %w", err)
				}
			}
			if err := table.Render(); err != nil {
				return fmt.Errorf("an error occurred while rendering the table: %w", err)
			}
			if st.Active != st.Current {
				logger.Warn("configured version %s is not active yet, run install", st.Current)
			}
			return nil
		},
	}
}

func cacheRole(name, current, active, runtime string) string {
	switch {
	case name == active && name == current:
		return logger.Green("active")
	case name == active:
		return logger.Yellow("active (outdated)")
	case name == current:
		return logger.Yellow("installed")
	case name == runtime:
		return "runtime"
	default:
		return logger.Red("stale")
	}
}
