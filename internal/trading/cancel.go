package trading

import (
	"context"
	"fmt"

	"dhan-tracker/internal/broker"
	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/logging"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/security"
)

// CancelAll cancels every resting protective order of the mode's family for
// the account's current holdings and returns how many were cancelled.
// Individual failures are logged; an expired credential stops the loop.
func (r *Reconciler) CancelAll(ctx context.Context, mode models.ProtectionMode) (int, error) {
	if !r.pass.TryLock() {
		return 0, apperrors.ErrPassInProgress
	}
	defer r.pass.Unlock()

	logger := logging.WithOperation(r.logger, "cancel")

	holdings, err := r.gateway.ListHoldings(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing holdings: %w", err)
	}
	held := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		held[h.SecurityID] = true
	}

	var (
		orders []models.ExistingOrder
		cancel func(context.Context, string) (*broker.OrderResult, error)
	)
	if mode == models.ModeAMO {
		raw, err := r.gateway.ListPlainOrders(ctx)
		if err != nil {
			return 0, fmt.Errorf("listing orders: %w", err)
		}
		orders = plainStops(raw)
		cancel = r.gateway.CancelOrder
	} else {
		orders, err = r.gateway.ListStopOrders(ctx)
		if err != nil {
			return 0, fmt.Errorf("listing super orders: %w", err)
		}
		cancel = r.gateway.CancelBracketOrder
	}

	cancelled := 0
	for _, o := range orders {
		if !o.IsProtective() || !held[o.SecurityID] {
			continue
		}
		_, err := cancel(ctx, o.OrderID)
		_ = r.audit.LogOrder(ctx, security.AuditOrderCancelled, o.OrderID, o.TradingSymbol,
			map[string]interface{}{"family": string(o.Family)}, err)
		if err != nil {
			if apperrors.IsAuthError(err) {
				return cancelled, fmt.Errorf("cancel stopped: %w", err)
			}
			logger.Warn().Err(err).Str("order_id", o.OrderID).Str("symbol", o.TradingSymbol).Msg("Failed to cancel order")
			continue
		}
		logging.LogOrder(logger, o.OrderID, o.TradingSymbol, string(o.TransactionType), string(models.OrderStatusCancelled))
		cancelled++
	}

	logger.Info().Int("cancelled", cancelled).Str("mode", string(mode)).Msg("Protective orders cancelled")
	return cancelled, nil
}
