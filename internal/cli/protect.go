package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/logging"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/trading"
	"dhan-tracker/pkg/utils"
)

// ErrPassFailed is returned when every attempted holding failed.
var ErrPassFailed = errors.New("protection failed for every holding")

func addProtectionCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newProtectCmd(app))
	rootCmd.AddCommand(newAMOCmd(app))
	rootCmd.AddCommand(newCancelCmd(app))
}

type protectFlags struct {
	amo     bool
	force   bool
	dryRun  bool
	amoTime string
}

func (f *protectFlags) bind(cmd *cobra.Command, withAMO bool) {
	if withAMO {
		cmd.Flags().BoolVar(&f.amo, "amo", false, "place after-market stop-loss orders instead of super orders")
	}
	cmd.Flags().BoolVar(&f.force, "force", false, "re-price holdings that already have a resting stop")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "compute decisions without sending orders")
	cmd.Flags().StringVar(&f.amoTime, "amo-time", "", "AMO release slot: PRE_OPEN, OPEN, OPEN_30, OPEN_60 (default from config)")
}

func newProtectCmd(app *App) *cobra.Command {
	var flags protectFlags

	cmd := &cobra.Command{
		Use:   "protect",
		Short: "Place or update protective stop-loss orders",
		Long: `Run one protection pass over every holding with available quantity.

During market hours this places super (bracket) orders; with --amo it places
after-market SL-M orders priced from the latest close. Holdings that already
have a resting stop are left alone unless --force is given.`,
		Example: `  dhan-tracker protect
  dhan-tracker protect --force
  dhan-tracker protect --amo --amo-time OPEN_30
  dhan-tracker protect --dry-run --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := models.ModeImmediate
			if flags.amo {
				mode = models.ModeAMO
			}
			return runProtect(cmd, app, mode, flags)
		},
	}

	flags.bind(cmd, true)
	return cmd
}

func newAMOCmd(app *App) *cobra.Command {
	var flags protectFlags

	cmd := &cobra.Command{
		Use:   "amo",
		Short: "Place after-market stop-loss orders (same as protect --amo)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProtect(cmd, app, models.ModeAMO, flags)
		},
	}

	flags.bind(cmd, false)
	return cmd
}

func runProtect(cmd *cobra.Command, app *App, mode models.ProtectionMode, flags protectFlags) error {
	output := NewOutput(cmd)

	opts := trading.RunOptions{
		Mode:    mode,
		Force:   flags.force,
		DryRun:  flags.dryRun,
		AMOTime: models.AMOTime(strings.ToUpper(flags.amoTime)),
	}
	if app.Config.Security.ReadOnlyMode && !opts.DryRun {
		if !output.IsJSON() {
			output.Warning("Read-only mode: running as a dry run")
		}
		opts.DryRun = true
	}

	if !output.IsJSON() {
		printPassHeader(output, app, opts)
	}

	results, err := app.Reconciler.Run(cmd.Context(), opts)
	if err != nil && results == nil {
		return err
	}

	tally := models.TallyResults(results)
	if output.IsJSON() {
		resp := map[string]interface{}{
			"mode":    opts.Mode,
			"force":   opts.Force,
			"dry_run": opts.DryRun,
			"summary": tally,
			"results": results,
		}
		if err != nil {
			resp["error"] = err.Error()
		}
		if jerr := output.JSON(resp); jerr != nil {
			return jerr
		}
	} else {
		printResults(output, results, tally)
	}

	if err != nil {
		if apperrors.IsAuthError(err) {
			output.Error("❌ Broker session expired. Store a fresh token with 'dhan-tracker token set'.")
		}
		return err
	}
	if tally.Total > 0 && tally.Failed == tally.Total {
		return ErrPassFailed
	}
	return nil
}

func printPassHeader(output *Output, app *App, opts trading.RunOptions) {
	s := app.Reconciler.Config().Strategy
	title := "🛡️  RUNNING PORTFOLIO PROTECTION (super orders)"
	if opts.Mode == models.ModeAMO {
		slot := opts.AMOTime
		if slot == "" {
			slot = app.Reconciler.Config().AMOTime
		}
		title = fmt.Sprintf("🌙 RUNNING AFTER-MARKET PROTECTION (SL-M, slot %s)", slot)
	}
	output.Bold(title)
	output.Printf("Broker: %s   Market: %s\n", app.Gateway.Name(), output.MarketStatus(utils.GetMarketStatus()))
	output.Printf("Max loss %.1f%%, deep-loss cut %.1f%%", s.MaxLossPct, s.DeepLossPct)
	if opts.Mode == models.ModeImmediate && s.TargetPct > 0 {
		output.Printf(", target +%.1f%%", s.TargetPct)
	}
	output.Println()
	if opts.Force {
		output.Warning("Force: existing stops will be re-priced")
	}
	if opts.DryRun {
		output.Warning("Dry run: no orders will be sent")
	}
	output.Println()
}

func printResults(output *Output, results []models.ProtectionResult, tally models.Tally) {
	if len(results) == 0 {
		output.Info("No holdings to protect.")
		return
	}

	table := NewTable(output, "Symbol", "Qty", "LTP", "Stop Loss", "Target", "Tier", "Action", "Status").
		AlignRight(1, 2, 3, 4)
	for _, r := range results {
		target := "-"
		if r.TargetPrice > 0 {
			target = utils.FormatIndianAmount(r.TargetPrice)
		}
		stop := "-"
		if r.StopLossPrice > 0 {
			stop = utils.FormatIndianAmount(r.StopLossPrice)
		}

		var status string
		switch {
		case r.Skipped:
			status = output.Yellow("– " + r.Message)
		case r.Success:
			status = output.Green("✓ " + r.Message)
		default:
			status = output.Red("✗ " + r.Message)
		}
		table.AddRow(r.Holding.TradingSymbol, fmt.Sprint(r.Holding.AvailableQty), utils.FormatIndianAmount(r.LTP),
			stop, target, r.Tier, string(r.Action), status)
	}
	table.Render()
	output.Println()

	switch {
	case tally.Failed == tally.Total:
		output.Error("❌ All %d holdings failed protection", tally.Total)
	case tally.Failed > 0:
		output.Warning("Summary: %d protected, %d failed, %d skipped", tally.Succeeded, tally.Failed, tally.Skipped)
	default:
		output.Success("Summary: %d protected, %d failed, %d skipped", tally.Succeeded, tally.Failed, tally.Skipped)
	}
}

func newCancelCmd(app *App) *cobra.Command {
	var amo bool

	cmd := &cobra.Command{
		Use:   "cancel [order-id]",
		Short: "Cancel protective orders",
		Long: `Cancel one protective order by id, or every resting protective order for
the current holdings. Use --amo to cancel after-market stop orders instead of
super orders.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)
			if app.Config.Security.ReadOnlyMode {
				return fmt.Errorf("cancel is disabled in read-only mode")
			}

			logger := logging.WithOperation(app.Logger, "cancel")
			if len(args) == 1 {
				orderID := args[0]
				cancel := app.Gateway.CancelBracketOrder
				if amo {
					cancel = app.Gateway.CancelOrder
				}
				if _, err := cancel(ctx, orderID); err != nil {
					l := logging.WithOrderID(logger, orderID)
					l.Error().Err(err).Msg("Cancel failed")
					return fmt.Errorf("cancelling order %s: %w", orderID, err)
				}
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"order_id": orderID, "cancelled": 1})
				}
				output.Success("✓ Cancelled order: %s", orderID)
				return nil
			}

			mode := models.ModeImmediate
			if amo {
				mode = models.ModeAMO
			}
			n, err := app.Reconciler.CancelAll(ctx, mode)
			if output.IsJSON() {
				resp := map[string]interface{}{"mode": mode, "cancelled": n}
				if err != nil {
					resp["error"] = err.Error()
				}
				if jerr := output.JSON(resp); jerr != nil {
					return jerr
				}
			} else {
				output.Printf("Total cancelled: %d\n", n)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&amo, "amo", false, "cancel after-market stop orders instead of super orders")
	return cmd
}
