package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/models"
	"dhan-tracker/internal/scheduler"
	"dhan-tracker/internal/security"
	"dhan-tracker/internal/trading"
	"dhan-tracker/pkg/utils"
)

// RunResponse is the body returned by the protection run endpoints.
type RunResponse struct {
	Mode    models.ProtectionMode     `json:"mode"`
	Force   bool                      `json:"force"`
	DryRun  bool                      `json:"dry_run"`
	Summary models.Tally              `json:"summary"`
	Results []models.ProtectionResult `json:"results"`
	Error   string                    `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	session := utils.SessionAt(now)
	response := map[string]interface{}{
		"status":        "healthy",
		"service":       "dhan-tracker",
		"broker":        s.gateway.Name(),
		"market_status": session,
		"uptime":        time.Since(s.started).Round(time.Second).String(),
	}
	if session != utils.SessionOpen {
		response["next_open"] = utils.NextMarketOpen(now)
	}
	if s.breakers != nil {
		response["upstreams"] = s.breakers.AllStats()
	}
	if s.events != nil {
		response["events"] = s.events.Metrics()
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.gateway.ListHoldings(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if holdings == nil {
		holdings = []models.Holding{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"holdings": holdings,
		"count":    len(holdings),
	})
}

func (s *Server) handleProtectionStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.reconciler.Summary(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	opts := trading.RunOptions{Mode: models.ModeImmediate}
	if !s.parseRunFlags(w, r, &opts) {
		return
	}
	s.runPass(w, r, opts)
}

func (s *Server) handleRunAMO(w http.ResponseWriter, r *http.Request) {
	opts := trading.RunOptions{
		Mode:    models.ModeAMO,
		AMOTime: models.AMOTime(strings.ToUpper(r.URL.Query().Get("amo_time"))),
	}
	if !s.parseRunFlags(w, r, &opts) {
		return
	}
	s.runPass(w, r, opts)
}

func (s *Server) parseRunFlags(w http.ResponseWriter, r *http.Request, opts *trading.RunOptions) bool {
	var err error
	if opts.Force, err = queryBool(r, "force", true); err != nil {
		s.writeError(w, http.StatusBadRequest, "force: "+err.Error())
		return false
	}
	if opts.DryRun, err = queryBool(r, "dry_run", false); err != nil {
		s.writeError(w, http.StatusBadRequest, "dry_run: "+err.Error())
		return false
	}
	if s.readOnly {
		opts.DryRun = true
	}
	return true
}

func (s *Server) runPass(w http.ResponseWriter, r *http.Request, opts trading.RunOptions) {
	results, err := s.reconciler.Run(r.Context(), opts)
	if err != nil && results == nil {
		s.writeFailure(w, err)
		return
	}

	resp := RunResponse{
		Mode:    opts.Mode,
		Force:   opts.Force,
		DryRun:  opts.DryRun,
		Summary: models.TallyResults(results),
		Results: results,
	}
	if resp.Results == nil {
		resp.Results = []models.ProtectionResult{}
	}

	status := http.StatusOK
	if err != nil {
		// The pass started but stopped early.
		resp.Error = security.MaskSensitive(err.Error())
		status = statusFor(err)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if s.readOnly {
		s.writeError(w, http.StatusForbidden, "server is in read-only mode")
		return
	}
	amo, err := queryBool(r, "amo", false)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "amo: "+err.Error())
		return
	}
	mode := models.ModeImmediate
	if amo {
		mode = models.ModeAMO
	}

	cancelled, err := s.reconciler.CancelAll(r.Context(), mode)
	if err != nil && cancelled == 0 {
		s.writeFailure(w, err)
		return
	}

	resp := map[string]interface{}{
		"mode":      mode,
		"cancelled": cancelled,
	}
	if err != nil {
		resp["error"] = security.MaskSensitive(err.Error())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is not configured")
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}

	runs, err := s.history.RecentRuns(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if runs == nil {
		runs = []models.PassRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

func (s *Server) handleRunResults(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is not configured")
		return
	}
	runID := chi.URLParam(r, "runID")

	results, err := s.history.RunResults(r.Context(), runID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if len(results) == 0 {
		s.writeError(w, http.StatusNotFound, "no results for run "+runID)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": runID, "results": results})
}

func (s *Server) handleStopOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.gateway.ListStopOrders(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if orders == nil {
		orders = []models.ExistingOrder{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders, "count": len(orders)})
}

func (s *Server) handlePlainOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.gateway.ListPlainOrders(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if orders == nil {
		orders = []models.RawOrder{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders, "count": len(orders)})
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "days: "+err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}

	filter := models.TriggerFilter{
		Symbol: strings.ToUpper(r.URL.Query().Get("symbol")),
		Limit:  limit,
	}
	if days > 0 {
		filter.Since = time.Now().AddDate(0, 0, -days)
	}

	triggers, err := s.monitor.History(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if triggers == nil {
		triggers = []models.TriggerRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"triggers": triggers, "count": len(triggers)})
}

func (s *Server) handleTriggerSummary(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 7)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "days: "+err.Error())
		return
	}
	summary, err := s.monitor.Summary(r.Context(), days)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTriggerCheck(w http.ResponseWriter, r *http.Request) {
	found, err := s.monitor.Check(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if found == nil {
		found = []models.TriggerRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"new_triggers": len(found), "triggers": found})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": s.scheduler.Status()})
}

func (s *Server) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}
	job := r.URL.Query().Get("job")
	if job == "" {
		s.writeError(w, http.StatusBadRequest, "job is required")
		return
	}

	if err := s.scheduler.RunNow(r.Context(), job); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job": job, "status": "completed"})
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrPassInProgress), errors.Is(err, scheduler.ErrJobRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrUnknownJob):
		return http.StatusNotFound
	case apperrors.IsAuthError(err), errors.Is(err, apperrors.ErrMissingToken):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrCircuitOpen), errors.Is(err, apperrors.ErrRateLimited):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrDataNotFound):
		return http.StatusNotFound
	}
	var be *apperrors.BrokerError
	if errors.As(err, &be) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func queryBool(r *http.Request, key string, def bool) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	s.writeError(w, status, security.MaskSensitive(err.Error()))
}
