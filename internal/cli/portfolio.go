package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"dhan-tracker/internal/models"
	"dhan-tracker/pkg/utils"
)

func addPortfolioCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newHoldingsCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newOrdersCmd(app))
}

// holdingRow is one line of the holdings report.
type holdingRow struct {
	models.Holding
	LTP      float64 `json:"ltp"`
	Invested float64 `json:"invested"`
	Current  float64 `json:"current_value"`
	PnL      float64 `json:"pnl"`
	PnLPct   float64 `json:"pnl_pct"`
}

func newHoldingsCmd(app *App) *cobra.Command {
	var noLTP bool

	cmd := &cobra.Command{
		Use:   "holdings",
		Short: "Show portfolio holdings with live P&L",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			output := NewOutput(cmd)

			holdings, err := app.Gateway.ListHoldings(ctx)
			if err != nil {
				return fmt.Errorf("listing holdings: %w", err)
			}

			var prices map[string]float64
			if !noLTP && len(holdings) > 0 {
				prices, err = app.Gateway.LastPrices(ctx, holdings)
				if err != nil {
					app.Logger.Warn().Err(err).Msg("Live prices unavailable")
				}
			}

			rows := make([]holdingRow, 0, len(holdings))
			for _, h := range holdings {
				row := holdingRow{Holding: h, LTP: prices[h.SecurityID]}
				row.Invested = h.AvgCostPrice * float64(h.TotalQty)
				if row.LTP > 0 {
					row.Current = row.LTP * float64(h.TotalQty)
					row.PnL = row.Current - row.Invested
					if row.Invested > 0 {
						row.PnLPct = row.PnL / row.Invested * 100
					}
				}
				rows = append(rows, row)
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].TradingSymbol < rows[j].TradingSymbol })

			if output.IsJSON() {
				return output.JSON(rows)
			}
			if len(rows) == 0 {
				output.Info("📊 No holdings found in your portfolio.")
				return nil
			}

			output.Bold("📊 PORTFOLIO HOLDINGS")
			table := NewTable(output, "Symbol", "Qty", "Avail", "Avg Cost", "LTP", "Invested", "Current", "P&L", "%").
				AlignRight(1, 2, 3, 4, 5, 6, 7, 8)
			var invested, current float64
			for _, r := range rows {
				invested += r.Invested
				if r.LTP <= 0 {
					table.AddRow(r.TradingSymbol, fmt.Sprint(r.TotalQty), fmt.Sprint(r.AvailableQty),
						utils.FormatIndianAmount(r.AvgCostPrice), "-", utils.FormatIndianCurrency(r.Invested), "-", "-", "-")
					continue
				}
				current += r.Current
				table.AddRow(r.TradingSymbol, fmt.Sprint(r.TotalQty), fmt.Sprint(r.AvailableQty),
					utils.FormatIndianAmount(r.AvgCostPrice), utils.FormatIndianAmount(r.LTP),
					utils.FormatIndianCurrency(r.Invested), utils.FormatIndianCurrency(r.Current),
					output.FormatPnL(r.PnL), output.FormatPercent(r.PnLPct))
			}
			table.Render()

			output.Println()
			output.Printf("Invested: %s\n", utils.FormatIndianCurrency(invested))
			if current > 0 {
				pnl := current - invested
				pct := 0.0
				if invested > 0 {
					pct = pnl / invested * 100
				}
				output.Printf("Current:  %s  (%s, %s)\n", utils.FormatIndianCurrency(current), output.FormatPnL(pnl), output.FormatPercent(pct))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noLTP, "no-ltp", false, "skip fetching live prices")
	return cmd
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how much of the portfolio is protected",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			summary, err := app.Reconciler.Summary(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(summary)
			}

			output.Bold("🛡️  PROTECTION SUMMARY (%s)", app.Gateway.Name())
			output.Printf("Market:                %s\n", output.MarketStatus(utils.GetMarketStatus()))
			output.Printf("Total holdings:        %d\n", summary.TotalHoldings)
			output.Printf("Protected holdings:    %d\n", summary.ProtectedCount)
			output.Printf("Unprotected holdings:  %d\n", summary.UnprotectedCount)
			output.Rule(48)
			output.Printf("Total market value:    %s\n", utils.FormatIndianCurrency(summary.TotalValue))
			output.Printf("Protected value:       %s\n", utils.FormatIndianCurrency(summary.ProtectedValue))
			output.Printf("Unprotected value:     %s\n", utils.FormatIndianCurrency(summary.UnprotectedValue))
			output.Printf("Protection coverage:   %.1f%%\n", summary.ProtectionPercent)

			if len(summary.Protected) > 0 {
				output.Println()
				output.Success("✅ Protected holdings")
				table := NewTable(output, "Symbol", "Qty", "LTP", "Stop", "Order").AlignRight(1, 2, 3)
				for _, h := range summary.Protected {
					o := summary.ActiveOrders[h.SecurityID]
					table.AddRow(h.TradingSymbol, fmt.Sprint(h.AvailableQty),
						utils.FormatIndianAmount(summary.LastPrices[h.SecurityID]),
						utils.FormatIndianAmount(o.StopPrice), o.OrderID)
				}
				table.Render()
			}
			if len(summary.Unprotected) > 0 {
				output.Println()
				output.Warning("⚠️  Unprotected holdings")
				table := NewTable(output, "Symbol", "Qty", "LTP", "Value").AlignRight(1, 2, 3)
				for _, h := range summary.Unprotected {
					ltp := summary.LastPrices[h.SecurityID]
					table.AddRow(h.TradingSymbol, fmt.Sprint(h.AvailableQty),
						utils.FormatIndianAmount(ltp), utils.FormatIndianCurrency(ltp*float64(h.AvailableQty)))
				}
				table.Render()
			}
			return nil
		},
	}
}

func newOrdersCmd(app *App) *cobra.Command {
	var regular bool

	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Show resting protection orders",
		Long:  "Show super (bracket) orders, or with --regular the plain order book including after-market stops.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			if regular {
				orders, err := app.Gateway.ListPlainOrders(cmd.Context())
				if err != nil {
					return err
				}
				if output.IsJSON() {
					return output.JSON(orders)
				}
				if len(orders) == 0 {
					output.Info("No orders today.")
					return nil
				}
				table := NewTable(output, "Symbol", "Side", "Type", "Qty", "Trigger", "Status", "AMO", "Order ID").AlignRight(3, 4)
				for _, o := range orders {
					amo := ""
					if o.AfterMarket {
						amo = string(o.AMOTime)
						if amo == "" {
							amo = "yes"
						}
					}
					table.AddRow(o.TradingSymbol, string(o.TransactionType), string(o.OrderType),
						fmt.Sprint(o.Quantity), utils.FormatIndianAmount(o.TriggerPrice), string(o.Status), amo, o.OrderID)
				}
				table.Render()
				return nil
			}

			orders, err := app.Gateway.ListStopOrders(cmd.Context())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(orders)
			}
			if len(orders) == 0 {
				output.Info("🛡️  No super orders found.")
				return nil
			}
			table := NewTable(output, "Symbol", "Side", "Qty", "Status", "Stop", "Target", "Order ID").AlignRight(2, 4, 5)
			for _, o := range orders {
				table.AddRow(o.TradingSymbol, string(o.TransactionType), fmt.Sprint(o.Quantity), string(o.Status),
					utils.FormatIndianAmount(o.StopPrice), utils.FormatIndianAmount(o.TargetPrice), o.OrderID)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&regular, "regular", false, "show the plain order book instead of super orders")
	return cmd
}
