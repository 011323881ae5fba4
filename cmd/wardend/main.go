// Command wardend runs the warden capability broker daemon.
//
// The chat transport and the LLM agent runtime are injected when warden is
// embedded as a library; the standalone daemon uses a logging transport so
// the full pipeline (broker, outbox, observability) can run without a chat
// backend. The observability endpoint reports health, status and metrics;
// it offers no way to submit operations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	warden "github.com/itsneelabh/warden"
	"github.com/itsneelabh/warden/persistence"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile, envFile string

	root := &cobra.Command{
		Use:           "wardend",
		Short:         "Capability broker for AI-assistant file and git operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "config/default.toml", "path to TOML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to .env file")

	root.AddCommand(newRunCmd(&configFile, &envFile))
	root.AddCommand(newMigrateCmd(&configFile, &envFile))
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd(configFile, envFile *string) *cobra.Command {
	var watchConfig bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the broker, notification worker, and observability collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			framework, err := warden.New(warden.Options{
				ConfigFile:  *configFile,
				EnvFile:     *envFile,
				Transport:   &loggingTransport{},
				WatchConfig: watchConfig,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return framework.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&watchConfig, "watch-config", false, "hot-reload dynamic keys when the config file changes")
	return cmd
}

func newMigrateCmd(configFile, envFile *string) *cobra.Command {
	var showStatus bool
	var migrationsDir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations with checksum verification",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			dbPath := os.Getenv("WARDEN_DATABASE_PATH")
			if dbPath == "" {
				dbPath = "data/warden.db"
			}

			source := persistence.EmbeddedMigrations()
			if migrationsDir != "" {
				source = os.DirFS(migrationsDir)
			}
			migrator := persistence.NewMigrator(dbPath, source, logger)

			if showStatus {
				statuses, err := migrator.Status()
				if err != nil {
					return err
				}
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied"
					}
					fmt.Printf("%-40s %-8s %s\n", s.Name, state, s.Checksum[:12])
				}
				return nil
			}
			return migrator.Run()
		},
	}
	cmd.Flags().BoolVar(&showStatus, "status", false, "show migration status without applying")
	cmd.Flags().StringVar(&migrationsDir, "dir", "", "read migrations from a directory instead of the embedded set")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the wardend version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("wardend", version)
		},
	}
}

// loggingTransport prints outbound notifications to stdout. The standalone
// daemon has no chat backend; embedding applications inject a real one.
type loggingTransport struct{}

func (t *loggingTransport) SendMessage(chatID int64, text string) bool {
	fmt.Printf("[notify chat=%d]\n%s\n", chatID, text)
	return true
}
