// Package cli provides the command-line interface for the protection engine.
package cli

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dhan-tracker/internal/config"
	"dhan-tracker/internal/logging"
	"dhan-tracker/internal/security"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-01"
)

// skipConnect marks commands that only need configuration.
const skipConnect = "skip-connect"

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dhan-tracker",
		Short: "Portfolio stop-loss protection for Indian equity holdings",
		Long: `dhan-tracker keeps a protective stop-loss order resting against every holding
in your demat account. Stops are priced from your cost basis: the more a
position is up, the more of the profit is locked in.

Run 'dhan-tracker protect' during market hours (bracket orders) or
'dhan-tracker amo' after the close (after-market stop-loss orders), or
'dhan-tracker serve' to let the scheduler do both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			if dir, _ := cmd.Flags().GetString("config"); dir != "" {
				app.ConfigDir = dir
			}
			if cmd.Annotations[skipConnect] == "true" {
				return app.loadConfig()
			}
			return app.connect(cmd.Context())
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/dhan-tracker)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addPortfolioCommands(rootCmd, app)
	addProtectionCommands(rootCmd, app)
	addTriggerCommands(rootCmd, app)
	addTokenCommands(rootCmd, app)
	rootCmd.AddCommand(newServeCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("dhan-tracker v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "Configuration management",
		Long:        "View and initialise the configuration files.",
		Annotations: map[string]string{skipConnect: "true"},
	}

	cmd.AddCommand(&cobra.Command{
		Use:         "show",
		Short:       "Show current configuration",
		Annotations: map[string]string{skipConnect: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(redacted(app.Config))
			}
			return showConfig(output, app.Config)
		},
	})

	var overwrite bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write template config.toml and credentials.toml",
		// init must work when the existing files do not validate.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dir, _ := cmd.Flags().GetString("config"); dir != "" {
				app.ConfigDir = dir
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dir := app.ConfigDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			written, err := config.WriteTemplates(dir, overwrite)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"dir": dir, "written": written})
			}
			if len(written) == 0 {
				output.Warning("Configuration already exists in %s (use --force to overwrite)", dir)
				return nil
			}
			for _, path := range written {
				output.Success("✓ Wrote %s", path)
			}
			output.Println()
			output.Println("Add your broker credentials to credentials.toml, or set DHAN_CLIENT_ID")
			output.Println("and DHAN_ACCESS_TOKEN in a .env file.")
			return nil
		},
	}
	initCmd.Flags().BoolVar(&overwrite, "force", false, "overwrite existing files")
	cmd.AddCommand(initCmd)

	return cmd
}

func showConfig(output *Output, cfg *config.Config) error {
	output.Bold("Trading")
	output.Printf("  Mode:              %s\n", cfg.Trading.Mode)
	output.Printf("  Broker:            %s\n", cfg.Trading.Broker)
	output.Printf("  Read-only:         %v\n", cfg.Security.ReadOnlyMode)
	output.Println()

	s := cfg.Protection.Strategy
	output.Bold("Protection")
	tiers := make([]string, 0, len(s.Tiers))
	for _, t := range s.Tiers {
		tiers = append(tiers, fmt.Sprintf("%g→%g", t.MinPnLPct, t.LockPct))
	}
	output.Printf("  Profit tiers:      %s\n", strings.Join(tiers, ", "))
	output.Printf("  Max loss:          %.1f%%\n", s.MaxLossPct)
	output.Printf("  Deep loss cut:     %.1f%%\n", s.DeepLossPct)
	output.Printf("  Safety fallback:   %.1f%%\n", s.SafetyFallbackPct)
	output.Printf("  Target:            +%.1f%%\n", s.TargetPct)
	output.Printf("  Min qty / value:   %d / %.2f\n", s.MinQuantity, s.MinValue)
	output.Printf("  AMO slot:          %s\n", cfg.Protection.AMOTime)
	output.Printf("  Submit width:      %d\n", cfg.Protection.SubmitConcurrency)
	output.Println()

	output.Bold("Scheduler")
	output.Printf("  Enabled:           %v (%s)\n", cfg.Scheduler.Enabled, cfg.Scheduler.Timezone)
	output.Printf("  AMO protection:    %s\n", cfg.Scheduler.AMOSchedule)
	output.Printf("  Super protection:  %s\n", cfg.Scheduler.SuperSchedule)
	output.Printf("  Trigger monitor:   %s\n", cfg.Scheduler.TriggerSchedule)
	output.Printf("  Token refresh:     every %s\n", cfg.Token.RefreshInterval)
	output.Printf("  Daily summary:     %s\n", cfg.Scheduler.SummarySchedule)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Enabled:           %v\n", cfg.Notifications.Enabled)
	output.Printf("  Level:             %s\n", cfg.Notifications.Level)
	output.Printf("  Webhook:           %v\n", cfg.Notifications.Webhook.Enabled)
	output.Printf("  Telegram:          %v\n", cfg.Notifications.Telegram.Enabled)
	output.Printf("  Email:             %v\n", cfg.Notifications.Email.Enabled)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Database:          %s\n", cfg.Store.DBPath)
	output.Printf("  Dhan client:       %s\n", orNotSet(cfg.Credentials.Dhan.ClientID))

	return nil
}

// redacted returns a copy of cfg with every secret masked.
func redacted(cfg *config.Config) *config.Config {
	c := *cfg
	c.Server.Password = security.MaskSecret(c.Server.Password)
	c.Notifications.Telegram.BotToken = security.MaskSecret(c.Notifications.Telegram.BotToken)
	c.Notifications.Email.Password = security.MaskSecret(c.Notifications.Email.Password)
	c.Credentials.Dhan.AccessToken = security.MaskSecret(c.Credentials.Dhan.AccessToken)
	c.Credentials.Upstox.AccessToken = security.MaskSecret(c.Credentials.Upstox.AccessToken)
	c.Credentials.Zerodha.APISecret = security.MaskSecret(c.Credentials.Zerodha.APISecret)
	c.Credentials.Zerodha.AccessToken = security.MaskSecret(c.Credentials.Zerodha.AccessToken)
	return &c
}

func orNotSet(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
