package trading

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"dhan-tracker/internal/broker"
	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/logging"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/protection"
	"dhan-tracker/internal/quote"
	"dhan-tracker/internal/security"
	"dhan-tracker/pkg/utils"
)

// Reconciler runs protection passes. Only one pass (or cancel) runs at a time
// per Reconciler; a second caller gets errors.ErrPassInProgress.
type Reconciler struct {
	gateway broker.Gateway
	quotes  quote.Provider
	history quote.Provider
	cfg     Config
	audit   *security.AuditLogger
	runs    RunRecorder
	logger  zerolog.Logger
	now     func() time.Time

	pass    sync.Mutex
	summary singleflight.Group
}

// NewReconciler creates a reconciler. quotes is consulted for instruments the
// broker feed cannot price and may be nil.
func NewReconciler(gateway broker.Gateway, quotes quote.Provider, cfg Config, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		gateway: gateway,
		quotes:  quotes,
		cfg:     cfg.normalized(),
		logger:  logger.With().Str("component", "reconciler").Logger(),
		now:     time.Now,
	}
}

// WithHistory sets the provider whose historical data prices after-market passes.
func (r *Reconciler) WithHistory(p quote.Provider) *Reconciler {
	r.history = p
	return r
}

// WithAudit sets the audit trail for order mutations.
func (r *Reconciler) WithAudit(a *security.AuditLogger) *Reconciler {
	r.audit = a
	return r
}

// WithRecorder sets where completed passes are persisted.
func (r *Reconciler) WithRecorder(rec RunRecorder) *Reconciler {
	r.runs = rec
	return r
}

// Config returns the effective configuration.
func (r *Reconciler) Config() Config {
	return r.cfg
}

// passState is shared by the submissions of one pass.
type passState struct {
	mu      sync.Mutex
	authErr error
}

func (s *passState) halt(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authErr == nil {
		s.authErr = err
	}
}

func (s *passState) halted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authErr
}

// Run executes one protection pass and returns one result per holding with
// available quantity, in broker order. A non-nil error with nil results means
// the pass could not start (holdings or orders unreadable). A non-nil error
// with results means the pass stopped early on an expired credential.
func (r *Reconciler) Run(ctx context.Context, opts RunOptions) ([]models.ProtectionResult, error) {
	if !r.pass.TryLock() {
		return nil, apperrors.ErrPassInProgress
	}
	defer r.pass.Unlock()

	if opts.Mode == "" {
		opts.Mode = models.ModeImmediate
	}
	if opts.Mode == models.ModeAMO {
		if opts.AMOTime == "" {
			opts.AMOTime = r.cfg.AMOTime
		}
		if !opts.AMOTime.Valid() {
			return nil, apperrors.NewConfigurationError("protection.amo_time", fmt.Sprintf("unknown AMO slot %q", opts.AMOTime))
		}
	}

	run := models.PassRecord{
		ID:        uuid.NewString(),
		Mode:      opts.Mode,
		Force:     opts.Force,
		DryRun:    opts.DryRun,
		StartedAt: r.now(),
	}
	ctx = security.WithPassID(ctx, run.ID)
	logger := logging.WithPass(r.logger, run.ID, opts.Mode)
	logger.Info().Bool("force", opts.Force).Bool("dry_run", opts.DryRun).Msg("Protection pass started")

	results, err := r.run(ctx, logger, opts)

	run.FinishedAt = r.now()
	run.Tally = models.TallyResults(results)
	if err != nil {
		run.Error = err.Error()
	}
	r.finish(ctx, logger, run, results)
	return results, err
}

func (r *Reconciler) run(ctx context.Context, logger zerolog.Logger, opts RunOptions) ([]models.ProtectionResult, error) {
	holdings, err := r.gateway.ListHoldings(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing holdings: %w", err)
	}
	holdings = eligible(holdings)
	if len(holdings) == 0 {
		logger.Info().Msg("No holdings with available quantity to protect")
		return []models.ProtectionResult{}, nil
	}

	snaps := r.snapshots(ctx, logger, holdings, opts.Mode)

	existing, err := r.existingOrders(ctx, logger, opts.Mode)
	if err != nil {
		return nil, err
	}
	logger.Info().
		Int("holdings", len(holdings)).
		Int("existing_orders", len(existing)).
		Msg("Reconciling holdings")

	strategy := r.cfg.Strategy
	if opts.Mode == models.ModeAMO {
		strategy = strategy.WithoutTarget()
	}

	results := make([]models.ProtectionResult, len(holdings))
	state := &passState{}
	sem := semaphore.NewWeighted(int64(r.cfg.SubmitConcurrency))
	var wg sync.WaitGroup

	for i, h := range holdings {
		snap := snaps[h.SecurityID]
		var current *models.ExistingOrder
		if o, ok := existing[h.SecurityID]; ok {
			current = &o
		}

		action := protection.Decide(h, snap, current, strategy, opts.Force)

		switch {
		case action.Kind == models.ActionNoOp:
			results[i] = noopResult(h, snap, current, action)
			continue
		case action.Kind == models.ActionModify && r.unchanged(*current, *action.Intent, opts.Mode):
			results[i] = unchangedResult(h, snap, *current, action)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = failedResult(h, snap, action, fmt.Sprintf("not submitted: %v", err))
			continue
		}
		wg.Add(1)
		go func(i int, h models.Holding, snap models.PriceSnapshot, current *models.ExistingOrder, action models.Action) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = r.execute(ctx, logger, state, opts, h, snap, current, action)
		}(i, h, snap, current, action)
	}
	wg.Wait()

	for _, res := range results {
		logging.LogProtection(logging.WithSymbol(logger, res.Holding.TradingSymbol), res)
	}

	if err := state.halted(); err != nil {
		return results, fmt.Errorf("protection pass stopped: %w", err)
	}
	return results, nil
}

// eligible keeps holdings with sellable quantity.
func eligible(holdings []models.Holding) []models.Holding {
	out := make([]models.Holding, 0, len(holdings))
	for _, h := range holdings {
		if h.AvailableQty > 0 {
			out = append(out, h)
		}
	}
	return out
}

// existingOrders lists the resting protective orders of the family the mode uses.
func (r *Reconciler) existingOrders(ctx context.Context, logger zerolog.Logger, mode models.ProtectionMode) (map[string]models.ExistingOrder, error) {
	if mode == models.ModeAMO {
		orders, err := r.gateway.ListPlainOrders(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing orders: %w", err)
		}
		return IndexProtective(plainStops(orders), logger), nil
	}

	orders, err := r.gateway.ListStopOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing super orders: %w", err)
	}
	return IndexProtective(orders, logger), nil
}

// plainStops converts the stop-loss SELL entries of an order book.
func plainStops(orders []models.RawOrder) []models.ExistingOrder {
	var out []models.ExistingOrder
	for _, o := range orders {
		if o.TransactionType == models.OrderSideSell && o.OrderType.IsStopLoss() {
			out = append(out, o.AsExisting())
		}
	}
	return out
}

// IndexProtective keeps resting protective orders, one per security id. When
// several rest for the same instrument the newest wins (see
// models.ExistingOrder.NewerThan) and a warning names the duplicates.
func IndexProtective(orders []models.ExistingOrder, logger zerolog.Logger) map[string]models.ExistingOrder {
	index := make(map[string]models.ExistingOrder)
	dupes := make(map[string][]string)

	for _, o := range orders {
		if !o.IsProtective() {
			continue
		}
		cur, ok := index[o.SecurityID]
		if !ok {
			index[o.SecurityID] = o
			continue
		}
		if len(dupes[o.SecurityID]) == 0 {
			dupes[o.SecurityID] = []string{cur.OrderID}
		}
		dupes[o.SecurityID] = append(dupes[o.SecurityID], o.OrderID)
		if o.NewerThan(cur) {
			index[o.SecurityID] = o
		}
	}

	for id, ids := range dupes {
		winner := index[id]
		logger.Warn().
			Str("security_id", id).
			Str("symbol", winner.TradingSymbol).
			Strs("order_ids", ids).
			Str("canonical_order", winner.OrderID).
			Msg("Multiple protective orders rest for one instrument")
	}
	return index
}

// unchanged reports whether a modify would move no price by epsilon or more.
func (r *Reconciler) unchanged(existing models.ExistingOrder, intent models.ProtectiveOrderIntent, mode models.ProtectionMode) bool {
	eps := r.cfg.ModifyEpsilon
	if protection.PriceDelta(existing.StopPrice, intent.TriggerPrice) >= eps {
		return false
	}
	if mode == models.ModeAMO || intent.TargetPrice <= 0 {
		return true
	}
	return protection.PriceDelta(existing.TargetPrice, intent.TargetPrice) < eps
}

func (r *Reconciler) execute(
	ctx context.Context,
	logger zerolog.Logger,
	state *passState,
	opts RunOptions,
	h models.Holding,
	snap models.PriceSnapshot,
	existing *models.ExistingOrder,
	action models.Action,
) (result models.ProtectionResult) {
	result = actionResult(h, snap, action)
	logger = logging.WithSymbol(logger, h.TradingSymbol)

	defer func() {
		if p := recover(); p != nil {
			logger.Error().Interface("panic", p).Msg("Recovered from panic while submitting order")
			result.Success = false
			result.Message = fmt.Sprintf("internal error: %v", p)
		}
	}()

	if err := state.halted(); err != nil {
		result.Message = fmt.Sprintf("not submitted: %v", err)
		return result
	}
	if opts.DryRun {
		result.Success = true
		result.OrderID = action.OrderID
		result.Message = "dry run: would " + action.String()
		return result
	}

	var err error
	switch opts.Mode {
	case models.ModeAMO:
		err = r.executeAMO(ctx, logger, opts, h, action, &result)
	default:
		err = r.executeSuper(ctx, logger, h, existing, action, &result)
	}

	if err != nil {
		if apperrors.IsAuthError(err) {
			state.halt(err)
			_ = r.audit.Log(ctx, security.AuditEvent{
				EventType: security.AuditAuthFailed,
				Symbol:    h.TradingSymbol,
				ErrorMsg:  security.MaskSensitive(err.Error()),
			})
		}
		result.Success = false
		result.Message = fmt.Sprintf("%s failed: %v", action.Kind, err)
	}
	return result
}

func (r *Reconciler) executeSuper(
	ctx context.Context,
	logger zerolog.Logger,
	h models.Holding,
	existing *models.ExistingOrder,
	action models.Action,
	result *models.ProtectionResult,
) error {
	intent := action.Intent

	if action.Kind == models.ActionCreate {
		req := broker.BracketRequest{
			SecurityID:    h.SecurityID,
			TradingSymbol: h.TradingSymbol,
			Exchange:      h.Exchange,
			Quantity:      intent.Quantity,
			EntryPrice:    intent.EntryPrice,
			TargetPrice:   intent.TargetPrice,
			StopPrice:     intent.TriggerPrice,
			TrailingJump:  intent.TrailingJump,
			CorrelationID: newCorrelationID("sp"),
		}
		res, err := r.gateway.CreateBracketOrder(ctx, req)
		r.auditOrder(ctx, security.AuditOrderPlaced, res, h, intent, req.CorrelationID, err)
		if err != nil {
			return err
		}
		if !res.Accepted() {
			return fmt.Errorf("order %s %s: %s", res.OrderID, res.Status, res.Message)
		}
		result.Success = true
		result.OrderID = res.OrderID
		result.Message = fmt.Sprintf("Super order placed: SL %s, target %s",
			utils.FormatIndianCurrency(intent.TriggerPrice), utils.FormatIndianCurrency(intent.TargetPrice))
		return nil
	}

	res, err := r.gateway.ModifyBracketLeg(ctx, action.OrderID, broker.LegModification{
		Leg:          models.LegStopLoss,
		Price:        intent.TriggerPrice,
		TrailingJump: intent.TrailingJump,
	})
	r.auditOrder(ctx, security.AuditOrderModified, res, h, intent, "", err)
	if err != nil {
		return err
	}
	if !res.Accepted() {
		return fmt.Errorf("order %s %s: %s", res.OrderID, res.Status, res.Message)
	}
	result.Success = true
	result.OrderID = action.OrderID
	result.Message = fmt.Sprintf("Stop-loss modified: %s -> %s",
		utils.FormatIndianCurrency(existing.StopPrice), utils.FormatIndianCurrency(intent.TriggerPrice))

	if intent.TargetPrice > 0 && protection.PriceDelta(existing.TargetPrice, intent.TargetPrice) >= r.cfg.ModifyEpsilon {
		_, terr := r.gateway.ModifyBracketLeg(ctx, action.OrderID, broker.LegModification{
			Leg:   models.LegTarget,
			Price: intent.TargetPrice,
		})
		if terr != nil {
			if apperrors.IsAuthError(terr) {
				return terr
			}
			logger.Warn().Err(terr).Str("order_id", action.OrderID).Msg("Target leg not modified")
			result.Message += "; target unchanged"
		}
	}
	return nil
}

func (r *Reconciler) executeAMO(
	ctx context.Context,
	logger zerolog.Logger,
	opts RunOptions,
	h models.Holding,
	action models.Action,
	result *models.ProtectionResult,
) error {
	intent := action.Intent

	if action.Kind == models.ActionCreate {
		req := broker.StopRequest{
			SecurityID:    h.SecurityID,
			TradingSymbol: h.TradingSymbol,
			Exchange:      h.Exchange,
			Quantity:      intent.Quantity,
			TriggerPrice:  intent.TriggerPrice,
			AfterMarket:   true,
			AMOTime:       opts.AMOTime,
			CorrelationID: amoCorrelationID(h.SecurityID, r.now()),
		}
		res, err := r.gateway.CreateStopOrder(ctx, req)
		r.auditOrder(ctx, security.AuditOrderPlaced, res, h, intent, req.CorrelationID, err)
		if err != nil {
			return err
		}
		if !res.Accepted() {
			return fmt.Errorf("order %s %s: %s", res.OrderID, res.Status, res.Message)
		}
		result.Success = true
		result.OrderID = res.OrderID
		result.Message = fmt.Sprintf("AMO stop-loss placed at %s (%s)",
			utils.FormatIndianCurrency(intent.TriggerPrice), opts.AMOTime)
		return nil
	}

	// A failed modify is reported as such; placing a second order here could
	// leave two stops resting for the same shares.
	res, err := r.gateway.ModifyOrder(ctx, action.OrderID, intent.TriggerPrice)
	r.auditOrder(ctx, security.AuditOrderModified, res, h, intent, "", err)
	if err != nil {
		logger.Warn().Err(err).Str("order_id", action.OrderID).Msg("AMO modify failed")
		return err
	}
	if !res.Accepted() {
		return fmt.Errorf("order %s %s: %s", res.OrderID, res.Status, res.Message)
	}
	result.Success = true
	result.OrderID = action.OrderID
	result.Message = fmt.Sprintf("AMO stop-loss modified to %s", utils.FormatIndianCurrency(intent.TriggerPrice))
	return nil
}

func (r *Reconciler) auditOrder(
	ctx context.Context,
	eventType security.AuditEventType,
	res *broker.OrderResult,
	h models.Holding,
	intent *models.ProtectiveOrderIntent,
	correlationID string,
	err error,
) {
	orderID := ""
	if res != nil {
		orderID = res.OrderID
	}
	details := map[string]interface{}{
		"security_id": h.SecurityID,
		"quantity":    intent.Quantity,
		"trigger":     intent.TriggerPrice,
		"target":      intent.TargetPrice,
		"tier":        intent.Tier,
	}
	if correlationID != "" {
		details["correlation_id"] = correlationID
	}
	if aerr := r.audit.LogOrder(ctx, eventType, orderID, h.TradingSymbol, details, err); aerr != nil {
		r.logger.Warn().Err(aerr).Msg("Audit write failed")
	}
}

// finish persists and audits a completed pass. It runs even when ctx was
// cancelled so that the trail of what was submitted survives.
func (r *Reconciler) finish(ctx context.Context, logger zerolog.Logger, run models.PassRecord, results []models.ProtectionResult) {
	ctx = context.WithoutCancel(ctx)

	ev := logger.Info()
	if run.Error != "" {
		ev = logger.Error().Str("error", run.Error)
	}
	ev.Int("total", run.Tally.Total).
		Int("succeeded", run.Tally.Succeeded).
		Int("failed", run.Tally.Failed).
		Int("skipped", run.Tally.Skipped).
		Dur("duration", run.FinishedAt.Sub(run.StartedAt)).
		Msg("Protection pass finished")

	_ = r.audit.Log(ctx, security.AuditEvent{
		EventType: security.AuditPassCompleted,
		Action:    string(run.Mode),
		Details: map[string]interface{}{
			"force":     run.Force,
			"dry_run":   run.DryRun,
			"total":     run.Tally.Total,
			"succeeded": run.Tally.Succeeded,
			"failed":    run.Tally.Failed,
			"skipped":   run.Tally.Skipped,
		},
		Success:  run.Error == "",
		ErrorMsg: run.Error,
	})

	if r.runs == nil {
		return
	}
	if err := r.runs.SaveRun(ctx, run, results); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist protection pass")
	}
}

func actionResult(h models.Holding, snap models.PriceSnapshot, action models.Action) models.ProtectionResult {
	res := models.ProtectionResult{
		Holding: h,
		Action:  action.Kind,
		LTP:     snap.LastPrice,
	}
	if action.Intent != nil {
		res.StopLossPrice = action.Intent.TriggerPrice
		res.TargetPrice = action.Intent.TargetPrice
		res.Tier = action.Intent.Tier
	}
	return res
}

func failedResult(h models.Holding, snap models.PriceSnapshot, action models.Action, msg string) models.ProtectionResult {
	res := actionResult(h, snap, action)
	res.Message = msg
	return res
}

// noopResult reports a holding the engine left alone. An existing order
// counts as protection; any other reason is a skip.
func noopResult(h models.Holding, snap models.PriceSnapshot, existing *models.ExistingOrder, action models.Action) models.ProtectionResult {
	res := actionResult(h, snap, action)
	res.Message = action.Reason
	if existing != nil && strings.HasPrefix(action.Reason, protection.ReasonAlreadyProtected) {
		res.Success = true
		res.OrderID = existing.OrderID
		res.StopLossPrice = existing.StopPrice
		res.TargetPrice = existing.TargetPrice
		return res
	}
	res.Skipped = true
	return res
}

func unchangedResult(h models.Holding, snap models.PriceSnapshot, existing models.ExistingOrder, action models.Action) models.ProtectionResult {
	res := actionResult(h, snap, action)
	res.Success = true
	res.OrderID = existing.OrderID
	res.Message = fmt.Sprintf("Already protected at SL %s (no change needed)", utils.FormatIndianCurrency(existing.StopPrice))
	return res
}

// newCorrelationID returns a short unique id that fits broker tag limits.
func newCorrelationID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + id[:16]
}

// amoCorrelationID is stable per instrument and trading day, so a duplicate
// after-market submission is recognisable in the order book.
func amoCorrelationID(securityID string, now time.Time) string {
	return fmt.Sprintf("amo-%s-%s", securityID, utils.TradingDate(now))
}
