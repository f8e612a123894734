package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tributary-ai/llm-gateway/internal/budget"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

func (s *Server) handleCreateBudget(w http.ResponseWriter, r *http.Request) {
	var b budget.Budget
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		s.writeErrorMessage(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	created, err := s.budgets.CreateBudget(r.Context(), &b)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeInactive := q.Get("include_inactive") == "true"

	budgets, err := s.budgets.ListBudgets(r.Context(), q.Get("scope_type"), q.Get("scope_id"), includeInactive, q.Get("parent_budget_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"budgets": budgets,
		"count":   len(budgets),
	})
}

// handleBudgetHierarchy returns the ancestor chain, root first, for the
// budget owned by a scope.
func (s *Server) handleBudgetHierarchy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scopeType, scopeID := q.Get("scope_type"), q.Get("scope_id")
	if scopeType == "" || scopeID == "" {
		s.writeError(w, r, &types.ValidationError{
			Message:  "scope_type and scope_id are required",
			Field:    "scope_type",
			Required: true,
		})
		return
	}

	chain, err := s.budgets.GetBudgetHierarchy(r.Context(), scopeType, scopeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"hierarchy": chain})
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.budgets.GetBudget(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUpdateBudget(w http.ResponseWriter, r *http.Request) {
	var b budget.Budget
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		s.writeErrorMessage(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	b.ID = mux.Vars(r)["id"]

	updated, err := s.budgets.UpdateBudget(r.Context(), &b)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteBudget(w http.ResponseWriter, r *http.Request) {
	if err := s.budgets.DeleteBudget(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.tracker.GetBudgetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleRefreshBudgetStatus recomputes a budget's status from the
// ledger, bypassing and repopulating the status cache.
func (s *Server) handleRefreshBudgetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.tracker.RefreshStatusCache(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// recordUsageBody is the manual/external usage submission payload.
type recordUsageBody struct {
	Amount    float64    `json:"amount"`
	Currency  string     `json:"currency,omitempty"`
	Source    string     `json:"source,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var body recordUsageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorMessage(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if body.Source == "" {
		body.Source = budget.SourceExternal
	}
	if body.Currency == "" {
		body.Currency = "USD"
	}

	record, err := s.tracker.RecordUsage(r.Context(), mux.Vars(r)["id"], body.Amount, body.Currency, body.Source, body.Timestamp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	records, err := s.tracker.GetUsageHistory(r.Context(), mux.Vars(r)["id"], limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	end := time.Now().UTC()
	start := end.AddDate(0, -1, 0)
	if raw := q.Get("start_date"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, &types.ValidationError{Message: "start_date must be RFC3339", Field: "start_date"})
			return
		}
		start = parsed
	}
	if raw := q.Get("end_date"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, r, &types.ValidationError{Message: "end_date must be RFC3339", Field: "end_date"})
			return
		}
		end = parsed
	}

	summary, err := s.tracker.GetUsageSummary(r.Context(), mux.Vars(r)["id"], start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleBudgetCheck runs the hierarchy constraint check for an estimated
// spend without recording anything.
func (s *Server) handleBudgetCheck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EstimatedCost float64 `json:"estimated_cost"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeErrorMessage(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	result, err := s.tracker.CheckBudgetConstraints(r.Context(), mux.Vars(r)["id"], body.EstimatedCost)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
