// Package cli holds the pdfhub-offline command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pdfhub-offline/internal/backend"
	"pdfhub-offline/internal/i18n"
	"pdfhub-offline/internal/logger"
	"pdfhub-offline/internal/offline"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

type ctxKey string

const ctxKeyConfig ctxKey = "config"

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pdfhub-offline",
		Short: "Offline cache and request router for PDF Hub Pro",
		Long: `pdfhub-offline sits between the PDF Hub Pro frontend and its origin.
It precaches the app shell, serves documents and API responses from cache when
the network is gone, and replays actions queued while offline once it returns.`,
		Example: `pdfhub-offline serve --config ./pdfhub.yaml`,
		Run: func(cmd *cobra.Command, _ []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Printf("Version: %s\n", Version)
				return
			}
			_ = cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !needsConfig(cmd) {
				return nil
			}
			// .env feeds the env overrides, so it loads before the config;
			// the logger is only configured after that.
			envErr := godotenv.Load()
			path, _ := cmd.Flags().GetString("config")
			cfg, err := offline.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("load config %s: %w", path, err)
			}
			logger.Configure(logger.Options{
				Level: cfg.Logging.Level,
				JSON:  cfg.Logging.JSON,
				Color: !cfg.Logging.JSON,
			})
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				logger.SetLevel(level)
			}
			if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
				logger.Warn("could not load .env: %v", envErr)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), ctxKeyConfig, cfg))
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logger.Sync()
		},
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.Flags().BoolP("version", "v", false, "Print version information")
	cmd.PersistentFlags().String("log-level", "", "override logging.level (debug, info, warn, error)")
	cmd.PersistentFlags().StringP("config", "c", getenvDefault("PDFHUB_CONFIG", "./pdfhub.yaml"), "path to pdfhub.yaml")

	RegisterSubCommands(cmd)

	return cmd
}

func Execute() error {
	root := NewRootCmd()

	if os.Getenv("COMP_LINE") != "" ||
		(len(os.Args) > 1 && strings.HasPrefix(os.Args[1], "__complete")) {
		return root.Execute()
	}

	if err := root.Execute(); err != nil {
		logger.Debug("Failed to execute root command: %v", err)
		return err
	}
	return nil
}

func needsConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "pdfhub-offline", "help", "completion":
		return false
	}
	return true
}

func configFrom(cmd *cobra.Command) (offline.Config, error) {
	cfg, ok := cmd.Context().Value(ctxKeyConfig).(offline.Config)
	if !ok {
		return offline.Config{}, errors.New("config not loaded")
	}
	return cfg, nil
}

// newService wires the backend and translations into an offline service.
// Without Supabase credentials queued actions stay queued.
func newService(cfg offline.Config) (*offline.Service, error) {
	opts := offline.Options{Translator: i18n.New(cfg.I18n.Lang)}

	client, err := backend.NewClient(backend.Config{
		URL:            cfg.Backend.SupabaseURL,
		Key:            cfg.Backend.SupabaseKey,
		Bucket:         cfg.Backend.Bucket,
		CommentsTable:  cfg.Backend.CommentsTable,
		DocumentsTable: cfg.Backend.DocumentsTable,
	})
	switch {
	case errors.Is(err, backend.ErrNotConfigured):
		logger.Warn("backend not configured, queued actions will not be replayed")
	case err != nil:
		return nil, err
	default:
		opts.Executor = backend.NewExecutor(client)
		opts.Identity = backend.NewIdentity(client)
	}

	return offline.NewService(cfg, opts)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
