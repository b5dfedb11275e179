// Package api implements the REST handlers for the taskmarket engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/taskmarket/engine"
	"github.com/GoCodeAlone/taskmarket/ledger"
	"github.com/GoCodeAlone/taskmarket/market"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Engine  *engine.Engine
	Store   *ledger.Store
	Logger  *slog.Logger
	Version string
	StartAt time.Time
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("GET /api/tasks/{id}/journal", h.taskJournal)
	mux.HandleFunc("POST /api/tasks/{id}/accept", h.acceptTask)
	mux.HandleFunc("POST /api/tasks/{id}/result", h.submitResult)
	mux.HandleFunc("POST /api/tasks/{id}/confirm", h.confirmTask)
	mux.HandleFunc("POST /api/tasks/{id}/reject", h.rejectTask)
	mux.HandleFunc("POST /api/tasks/{id}/reclaim", h.reclaimTask)
	mux.HandleFunc("POST /api/tasks/{id}/timeout", h.handleTimeout)
	mux.HandleFunc("POST /api/tasks/expire", h.handleExpiredBatch)
	mux.HandleFunc("GET /api/deposit-quote", h.depositQuote)

	mux.HandleFunc("GET /api/accounts/balance", h.balance)
	mux.HandleFunc("POST /api/accounts/deposit", h.accountDeposit)
	mux.HandleFunc("POST /api/accounts/withdraw", h.accountWithdraw)
	mux.HandleFunc("GET /api/agents/{addr}/stats", h.agentStats)

	mux.HandleFunc("PUT /api/admin/config", h.setConfig)
	mux.HandleFunc("PUT /api/admin/platform-fee", h.setPlatformFee)
	mux.HandleFunc("PUT /api/admin/backend", h.setBackend)
	mux.HandleFunc("POST /api/admin/fees/withdraw", h.withdrawFees)
	mux.HandleFunc("POST /api/admin/pause", h.pause)
	mux.HandleFunc("POST /api/admin/unpause", h.unpause)
	mux.HandleFunc("POST /api/admin/tasks/{id}/emergency-withdraw", h.emergencyWithdraw)
	mux.HandleFunc("PUT /api/admin/blacklist/{addr}", h.blacklistAdd)
	mux.HandleFunc("DELETE /api/admin/blacklist/{addr}", h.blacklistRemove)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode parses the request body into v, answering 400 (and reporting false)
// on malformed input.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.Logger.Debug("bad request body",
			slog.String("path", r.URL.Path), slog.Any("err", err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps an engine error to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrUnauthorized), errors.Is(err, market.ErrBlacklisted):
		status = http.StatusForbidden
	case errors.Is(err, market.ErrStateConflict), errors.Is(err, market.ErrNoFeesToWithdraw):
		status = http.StatusConflict
	case errors.Is(err, market.ErrPaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, market.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, market.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var statusTitle = cases.Title(language.English)

// statusLabel renders a status value for display, e.g. "timed_out" ->
// "Timed Out".
func statusLabel(s market.Status) string {
	return statusTitle.String(strings.ReplaceAll(string(s), "_", " "))
}

// taskView decorates a task with display and eligibility fields.
type taskView struct {
	*market.Task
	StatusLabel string `json:"status_label"`
	Expired     bool   `json:"expired"`
	TimedOut    bool   `json:"timed_out"`
}

func (h *Handlers) view(t *market.Task) taskView {
	expired, _ := h.Engine.IsTaskExpired(t.ID)
	timedOut, _ := h.Engine.IsTaskTimedOut(t.ID)
	return taskView{Task: t, StatusLabel: statusLabel(t.Status), Expired: expired, TimedOut: timedOut}
}

func (h *Handlers) views(tasks []*market.Task) []taskView {
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, h.view(t))
	}
	return out
}

func caller(r *http.Request) market.Caller {
	c, _ := callerFrom(r)
	return c
}

func taskID(r *http.Request) (market.TaskID, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Join(market.ErrValidation, errors.New("invalid task id "+raw))
	}
	return market.TaskID(id), nil
}

// --- Task handlers ---

type createTaskRequest struct {
	Bounty      market.Amount `json:"bounty"`
	Deadline    time.Time     `json:"deadline"`
	Description string        `json:"description"`
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := h.Engine.CreateTask(r.Context(), caller(r), req.Bounty, req.Deadline, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": id})
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case q.Get("creator") != "":
		writeJSON(w, http.StatusOK, h.views(h.Engine.TasksByCreator(market.Address(q.Get("creator")))))
	case q.Get("agent") != "":
		writeJSON(w, http.StatusOK, h.views(h.Engine.TasksByAgent(market.Address(q.Get("agent")))))
	default:
		writeJSON(w, http.StatusOK, h.views(h.Engine.OpenTasks()))
	}
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := h.Engine.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(t))
}

func (h *Handlers) taskJournal(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.Engine.Journal(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type acceptTaskRequest struct {
	Deposit market.Amount `json:"deposit"`
}

func (h *Handlers) acceptTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req acceptTaskRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Engine.AcceptTask(r.Context(), caller(r), id, req.Deposit); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitResultRequest struct {
	ResultHash string `json:"result_hash"`
}

func (h *Handlers) submitResult(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req submitResultRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Engine.SubmitResult(r.Context(), caller(r), id, req.ResultHash); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) confirmTask(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.ConfirmTask)
}

func (h *Handlers) rejectTask(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.RejectTask)
}

func (h *Handlers) reclaimTask(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.ReclaimExpiredTaskBounty)
}

func (h *Handlers) handleTimeout(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Engine.HandleTimeout)
}

// transition runs one of the body-less single-task transitions.
func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, c market.Caller, id market.TaskID) error) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := fn(r.Context(), caller(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type expireBatchRequest struct {
	TaskIDs []market.TaskID `json:"task_ids"`
}

func (h *Handlers) handleExpiredBatch(w http.ResponseWriter, r *http.Request) {
	var req expireBatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	processed, err := h.Engine.HandleExpiredTasks(r.Context(), caller(r), req.TaskIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	if processed == nil {
		processed = []market.TaskID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"expired": processed})
}

func (h *Handlers) depositQuote(w http.ResponseWriter, r *http.Request) {
	bounty, err := strconv.ParseUint(r.URL.Query().Get("bounty"), 10, 64)
	if err != nil {
		writeError(w, errors.Join(market.ErrValidation, errors.New("invalid bounty")))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bounty":           bounty,
		"required_deposit": h.Engine.CalculateRequiredDeposit(market.Amount(bounty)),
		"penalty":          h.Engine.CalculatePenalty(h.Engine.CalculateRequiredDeposit(market.Amount(bounty))),
	})
}

// --- Account handlers ---

type amountRequest struct {
	Amount market.Amount `json:"amount"`
}

func (h *Handlers) balance(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	bal, err := h.Engine.Balance(c.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": c.Address, "balance": bal})
}

func (h *Handlers) accountDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Store.Deposit(caller(r).Address, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) accountWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Store.Withdraw(caller(r).Address, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) agentStats(w http.ResponseWriter, r *http.Request) {
	addr := market.Address(r.PathValue("addr"))
	writeJSON(w, http.StatusOK, h.Engine.AgentStatsFor(addr))
}

// --- Admin handlers ---

func (h *Handlers) setConfig(w http.ResponseWriter, r *http.Request) {
	var update engine.ConfigUpdate
	if !h.decode(w, r, &update) {
		return
	}
	if err := h.Engine.SetConfig(r.Context(), caller(r), update); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type platformFeeRequest struct {
	FeeBps uint32 `json:"fee_bps"`
}

func (h *Handlers) setPlatformFee(w http.ResponseWriter, r *http.Request) {
	var req platformFeeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Engine.SetPlatformFee(r.Context(), caller(r), req.FeeBps); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type backendRequest struct {
	Address market.Address `json:"address"`
}

func (h *Handlers) setBackend(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.Engine.SetBackend(r.Context(), caller(r), req.Address); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) withdrawFees(w http.ResponseWriter, r *http.Request) {
	amount, err := h.Engine.WithdrawPlatformFees(r.Context(), caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawn": amount})
}

func (h *Handlers) pause(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.EmergencyPause(caller(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) unpause(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.EmergencyUnpause(caller(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) emergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Engine.EmergencyWithdraw(r.Context(), caller(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) blacklistAdd(w http.ResponseWriter, r *http.Request) {
	addr := market.Address(r.PathValue("addr"))
	if err := h.Engine.BlacklistAgent(caller(r), addr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) blacklistRemove(w http.ResponseWriter, r *http.Request) {
	addr := market.Address(r.PathValue("addr"))
	if err := h.Engine.UnblacklistAgent(caller(r), addr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status reports daemon health. Registered outside the auth middleware.
func (h *Handlers) Status(w http.ResponseWriter, _ *http.Request) {
	totals := h.Engine.Totals()
	fees, _ := h.Engine.PlatformFeesCollected()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        h.Version,
		"uptime_seconds": int(time.Since(h.StartAt).Seconds()),
		"paused":         h.Engine.Access().Paused(),
		"totals":         totals,
		"platform_fees":  fees,
	})
}
