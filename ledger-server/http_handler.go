package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Konstantsiy/byzantine-ledger/command"
	state_machine "github.com/Konstantsiy/byzantine-ledger/state-machine"
)

type CommandRequest struct {
	Client command.PeerID `json:"client"`
	Action string         `json:"action"`
	Amount uint64         `json:"amount"`
}

type BalancesResponse struct {
	Replica  command.PeerID            `json:"replica"`
	Round    uint64                    `json:"round"`
	Balances map[command.PeerID]uint64 `json:"balances"`
}

type HealthResponse struct {
	Status string   `json:"status"`
	Faults []string `json:"faults,omitempty"`
}

type HTTPHandler struct {
	system *System
}

func NewHTTPHandler(system *System) *HTTPHandler {
	return &HTTPHandler{system: system}
}

func (h *HTTPHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/command", h.handleCommand)
	mux.HandleFunc("/balances", h.handleBalances)
	mux.HandleFunc("/logs", h.handleLogs)
	mux.HandleFunc("/health", h.handleHealth)
}

func (h *HTTPHandler) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	kind, err := command.ParseActionKind(req.Action)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var action = command.Action{Kind: kind}
	if kind == command.ActionDeposit || kind == command.ActionWithdraw {
		action.Amount = req.Amount
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.system.Config().Timeouts.Round)
	defer cancel()

	feedback, err := h.system.Execute(ctx, req.Client, action)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}

	writeJSON(w, feedback)
}

func (h *HTTPHandler) handleBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.replicaStatus(r)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}

	writeJSON(w, BalancesResponse{Replica: status.ID, Round: status.Round, Balances: status.Balances})
}

func (h *HTTPHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.replicaStatus(r)
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err = state_machine.Render(w, status.Transactions, status.Balances); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var resp = HealthResponse{Status: "ok"}
	if err := h.system.Err(); err != nil {
		resp.Status = "degraded"
		resp.Faults = strings.Split(err.Error(), "\n")
	}

	writeJSON(w, resp)
}

// replicaStatus inspects the replica named by the "replica" query parameter, the first replica by default.
func (h *HTTPHandler) replicaStatus(r *http.Request) (Status, error) {
	var id command.PeerID

	if raw := r.URL.Query().Get("replica"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return Status{}, &badRequestError{err: err}
		}
		id = command.PeerID(parsed)
	} else {
		var replicas = h.system.Config().ReplicaIDs()
		if len(replicas) == 0 {
			return Status{}, ErrUnknownPeer
		}
		id = replicas[0]
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.system.Config().Timeouts.Round)
	defer cancel()

	return h.system.ReplicaStatus(ctx, id)
}

type badRequestError struct {
	err error
}

func (e *badRequestError) Error() string { return e.err.Error() }

func (e *badRequestError) Unwrap() error { return e.err }

func statusOf(err error) int {
	var badRequest *badRequestError
	switch {
	case errors.As(err, &badRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownPeer):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateRequest):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
