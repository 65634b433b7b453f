package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"dhan-tracker/internal/models"
	"dhan-tracker/pkg/utils"
)

func addTriggerCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Executed stop-loss history",
		Long:  "Detect executed stop-loss orders and browse the recorded history.",
	}

	cmd.AddCommand(newTriggersCheckCmd(app))
	cmd.AddCommand(newTriggersHistoryCmd(app))
	cmd.AddCommand(newTriggersSummaryCmd(app))
	rootCmd.AddCommand(cmd)
}

func newTriggersCheckCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Record and notify stop-losses executed today",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			found, err := app.Monitor.Check(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				if found == nil {
					found = []models.TriggerRecord{}
				}
				return output.JSON(map[string]interface{}{"new_triggers": len(found), "triggers": found})
			}
			if len(found) == 0 {
				output.Info("No new stop-loss executions.")
				return nil
			}
			output.Bold("🔔 %d new stop-loss execution(s)", len(found))
			printTriggers(output, found)
			return nil
		},
	}
}

func newTriggersHistoryCmd(app *App) *cobra.Command {
	var (
		symbol string
		days   int
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded stop-loss executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			filter := models.TriggerFilter{Symbol: strings.ToUpper(symbol), Limit: limit}
			if days > 0 {
				filter.Since = time.Now().AddDate(0, 0, -days)
			}
			triggers, err := app.Monitor.History(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(triggers)
			}
			if len(triggers) == 0 {
				output.Info("No stop-loss executions in the last %d days.", days)
				return nil
			}
			printTriggers(output, triggers)
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "only this trading symbol")
	cmd.Flags().IntVar(&days, "days", 30, "look back this many days (0 for all)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func newTriggersSummaryCmd(app *App) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate P&L of recent stop-loss executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			s, err := app.Monitor.Summary(cmd.Context(), days)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(s)
			}
			output.Bold("📊 Stop-loss executions, last %d days", s.PeriodDays)
			output.Printf("Triggers:        %d (%d profit, %d loss)\n", s.TotalTriggers, s.ProfitTriggers, s.LossTriggers)
			output.Printf("Realised P&L:    %s\n", output.FormatPnL(s.TotalPnL))
			if len(s.Symbols) > 0 {
				output.Printf("Symbols:         %s\n", strings.Join(s.Symbols, ", "))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "look back this many days")
	return cmd
}

func printTriggers(output *Output, triggers []models.TriggerRecord) {
	table := NewTable(output, "When", "Symbol", "Qty", "Trigger", "Executed", "P&L", "%", "Tier", "Notified").
		AlignRight(2, 3, 4, 5, 6)
	for _, t := range triggers {
		pnl, pct := "-", "-"
		if t.PnLAmount != nil {
			pnl = output.FormatPnL(*t.PnLAmount)
		}
		if t.PnLPercent != nil {
			pct = output.FormatPercent(*t.PnLPercent)
		}
		notified := ""
		if t.EmailSent {
			notified = "✓"
		}
		table.AddRow(t.TriggeredAt.In(utils.IndiaLocation).Format("02-Jan 15:04"), t.TradingSymbol,
			fmt.Sprint(t.Quantity), utils.FormatIndianAmount(t.TriggerPrice), utils.FormatIndianAmount(t.ExecutedPrice),
			pnl, pct, t.ProtectionTier, notified)
	}
	table.Render()
}
