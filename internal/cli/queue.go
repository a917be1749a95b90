package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"pdfhub-offline/internal/logger"
	"pdfhub-offline/internal/offline"
)

func NewQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or replay actions queued while offline",
	}
	cmd.AddCommand(newQueueListCmd(), newQueueDrainCmd())
	return cmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending actions in replay order",
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

			pending := svc.Queue().Pending()
			if len(pending) == 0 {
				logger.Info("queue is empty")
				return nil
			}
			return renderActions(pending, cfg.Queue.MaxAttempts)
		},
	}
}

func newQueueDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay every pending action once against the backend",
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

			res, err := svc.RetryFailedActions(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("%s succeeded, %s failed, %s dropped, %d pending",
				logger.Green(strconv.Itoa(len(res.Succeeded))),
				logger.Yellow(strconv.Itoa(len(res.Failed))),
				logger.Red(strconv.Itoa(len(res.Dropped))),
				res.Pending)
			if len(res.Failed) > 0 {
				return renderActions(res.Failed, cfg.Queue.MaxAttempts)
			}
			return nil
		},
	}
}

func renderActions(actions []offline.Action, maxAttempts int) error {
	table := logger.CreateTable([]string{"ID", "Kind", "Target", "Attempts", "Last error", "Queued at"})
	for _, a := range actions {
		if err := renderActionRow(table, a, maxAttempts); err != nil {
			return fmt.Errorf("an error occurred while appending to the table: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("an error occurred while rendering the table: %w", err)
	}
	return nil
}

func renderActionRow(table *tablewriter.Table, a offline.Action, maxAttempts int) error {
	lastErr := a.LastError
	if lastErr == "" {
		lastErr = "-"
	}
	return table.Append([]string{
		a.ID,
		a.Kind,
		a.Target,
		prettyAttempts(a.Attempts, maxAttempts),
		lastErr,
		a.QueuedAt.Local().Format(time.DateTime),
	})
}

func prettyAttempts(n, limit int) string {
	s := fmt.Sprintf("%d/%d", n, limit)
	switch {
	case n == 0:
		return logger.Green(s)
	case n >= limit:
		return logger.Red(s)
	default:
		return logger.Yellow(s)
	}
}
