package protection

import (
	"fmt"

	"dhan-tracker/internal/models"
)

// NoOp reasons reported by Decide.
const (
	ReasonInvalidLTP       = "invalid LTP"
	ReasonBelowMinQuantity = "below minimum quantity"
	ReasonBelowMinValue    = "below minimum value"
	ReasonNonPositiveStop  = "non-positive trigger price"
	ReasonAlreadyProtected = "already protected"
)

// Decide returns the single action that reconciles the broker's state for a
// holding with the desired protection. existing is nil when no protective
// order rests for the instrument. Decide never fails; unusable input yields a
// NoOp whose reason names the check that failed.
func Decide(h models.Holding, snap models.PriceSnapshot, existing *models.ExistingOrder, s Strategy, force bool) models.Action {
	if !snap.ValidLTP() {
		return models.NoOp(fmt.Sprintf("%s (%.2f)", ReasonInvalidLTP, snap.LastPrice))
	}
	ltp := snap.LastPrice

	if h.AvailableQty < s.MinQuantity || h.AvailableQty <= 0 {
		return models.NoOp(fmt.Sprintf("%s: available %d < %d", ReasonBelowMinQuantity, h.AvailableQty, s.MinQuantity))
	}
	if value := float64(h.AvailableQty) * ltp; value < s.MinValue {
		return models.NoOp(fmt.Sprintf("%s: %.2f < %.2f", ReasonBelowMinValue, value, s.MinValue))
	}

	intent, ok := Intent(h, ltp, s)
	if !ok {
		return models.NoOp(fmt.Sprintf("%s (%.2f)", ReasonNonPositiveStop, intent.TriggerPrice))
	}

	if existing != nil {
		if !force {
			return models.NoOp(fmt.Sprintf("%s (order %s)", ReasonAlreadyProtected, existing.OrderID))
		}
		return models.Modify(existing.OrderID, intent)
	}
	return models.Create(intent)
}

// Intent builds the protective order for a holding at the given last price.
// ok is false when the computed trigger is not a usable positive price.
func Intent(h models.Holding, ltp float64, s Strategy) (intent models.ProtectiveOrderIntent, ok bool) {
	stop := StopLoss(h.AvgCostPrice, ltp, s)
	intent = models.ProtectiveOrderIntent{
		SecurityID:    h.SecurityID,
		TradingSymbol: h.TradingSymbol,
		Exchange:      h.Exchange,
		Quantity:      h.AvailableQty,
		EntryPrice:    RoundToTick(ltp, s.TickSize),
		TriggerPrice:  stop.Price,
		TargetPrice:   TargetPrice(ltp, s),
		TrailingJump:  s.TrailingJump,
		Tier:          stop.Tier,
	}
	return intent, stop.Price > 0
}
