package models

import "fmt"

// ProtectionMode selects the order family used by a protection pass.
type ProtectionMode string

const (
	ModeImmediate ProtectionMode = "immediate" // bracket (super) orders during market hours
	ModeAMO       ProtectionMode = "amo"       // after-market stop-loss orders
)

// ProtectiveOrderIntent is the order the engine wants resting for a holding.
type ProtectiveOrderIntent struct {
	SecurityID    string   `json:"security_id"`
	TradingSymbol string   `json:"trading_symbol"`
	Exchange      Exchange `json:"exchange"`
	Quantity      int      `json:"quantity"`
	EntryPrice    float64  `json:"entry_price"`
	TriggerPrice  float64  `json:"trigger_price"`
	TargetPrice   float64  `json:"target_price"` // 0 disables the target leg
	TrailingJump  float64  `json:"trailing_jump"`
	Tier          string   `json:"tier"`
}

// ActionKind tags a reconciliation action.
type ActionKind string

const (
	ActionNoOp   ActionKind = "noop"
	ActionCreate ActionKind = "create"
	ActionModify ActionKind = "modify"
)

// Action is the engine's decision for one holding. Exactly one kind is set;
// use NoOp, Create or Modify to build one.
type Action struct {
	Kind    ActionKind             `json:"kind"`
	Reason  string                 `json:"reason,omitempty"`
	OrderID string                 `json:"order_id,omitempty"`
	Intent  *ProtectiveOrderIntent `json:"intent,omitempty"`
}

// NoOp returns an action that leaves exchange state untouched.
func NoOp(reason string) Action {
	return Action{Kind: ActionNoOp, Reason: reason}
}

// Create returns an action that places a new protective order.
func Create(intent ProtectiveOrderIntent) Action {
	return Action{Kind: ActionCreate, Intent: &intent}
}

// Modify returns an action that updates the resting order orderID.
func Modify(orderID string, intent ProtectiveOrderIntent) Action {
	return Action{Kind: ActionModify, OrderID: orderID, Intent: &intent}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionCreate:
		return fmt.Sprintf("create(sl=%.2f target=%.2f tier=%s)", a.Intent.TriggerPrice, a.Intent.TargetPrice, a.Intent.Tier)
	case ActionModify:
		return fmt.Sprintf("modify(%s sl=%.2f target=%.2f tier=%s)", a.OrderID, a.Intent.TriggerPrice, a.Intent.TargetPrice, a.Intent.Tier)
	default:
		return fmt.Sprintf("noop(%s)", a.Reason)
	}
}

// ProtectionResult records the outcome of one holding in a protection pass.
type ProtectionResult struct {
	Holding       Holding    `json:"holding"`
	Action        ActionKind `json:"action"`
	Success       bool       `json:"success"`
	Skipped       bool       `json:"skipped"`
	LTP           float64    `json:"ltp"`
	StopLossPrice float64    `json:"stop_loss_price"`
	TargetPrice   float64    `json:"target_price"`
	Tier          string     `json:"tier,omitempty"`
	OrderID       string     `json:"order_id,omitempty"`
	Message       string     `json:"message"`
}

// Tally holds aggregate counts over a set of results.
type Tally struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// TallyResults derives success, failure and skip counts.
func TallyResults(results []ProtectionResult) Tally {
	t := Tally{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Skipped:
			t.Skipped++
		case r.Success:
			t.Succeeded++
		default:
			t.Failed++
		}
	}
	return t
}
