package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gotrs-io/mailbridge/internal/app"
	"github.com/gotrs-io/mailbridge/internal/config"
	"github.com/gotrs-io/mailbridge/internal/version"
)

var configFileFlag string

var rootCmd = &cobra.Command{
	Use:   "mailbridge",
	Short: "Support mailbox bridge - email correlation, merge and reply dispatch",
	Long: `mailbridge ingests support email through a webhook, threads it into
conversation logs, merges threads into tickets and sends agent replies
through SES, SMTP, Gmail or Microsoft Graph.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and live update hub",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Migrate creates the mailbridge tables for the configured SQL driver.
Statements are idempotent, so running it against an existing schema is safe.`,
	RunE: runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetInfo()
		fmt.Printf("mailbridge %s\n", rootCmd.Version)
		fmt.Printf("  go: %s\n", info.GoVersion)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFileFlag, "config", "", "Path to a YAML config file (MAILBRIDGE_* env vars override it)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	manager, err := config.Load(configFileFlag)
	if err != nil {
		return err
	}
	cfg := manager.Get()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	manager.Watch(a.Logger(), a.ApplyConfig)
	return a.Run(ctx)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	manager, err := config.Load(configFileFlag)
	if err != nil {
		return err
	}
	n, err := app.Migrate(cmd.Context(), manager.Get().Database)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	fmt.Printf("Applied %d schema statements\n", n)
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
