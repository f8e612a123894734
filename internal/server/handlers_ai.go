package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-gateway/internal/budget"
	"github.com/tributary-ai/llm-gateway/internal/queue"
	"github.com/tributary-ai/llm-gateway/internal/steering"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// chatResponse wraps a provider response with the routing audit trail.
type chatResponse struct {
	*types.AIResponse
	RoutingInfo *types.RoutingInfo `json:"routing_info"`
}

// batchResponse reports what happened to every submitted request.
// Successful and Failed count settled outcomes only, so an async
// submission reports its routing rejections and nothing else yet.
type batchResponse struct {
	Jobs           []jobSummary          `json:"jobs"`
	Rejected       []rejectedEntry       `json:"rejected,omitempty"`
	Results        []queue.RequestResult `json:"results,omitempty"`
	TotalProcessed int                   `json:"total_processed"`
	Successful     int                   `json:"successful"`
	Failed         int                   `json:"failed"`
}

type jobSummary struct {
	JobID    string `json:"job_id"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Requests int    `json:"requests"`
	State    string `json:"state"`
}

type rejectedEntry struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
	Status    int    `json:"status,omitempty"`
}

// handleChat serves a single synchronous completion: steering rules,
// budget checks, cache lookup, provider call, then usage settlement.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.AIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorMessage(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if req.Prompt == "" {
		s.writeError(w, r, &types.ValidationError{Message: "prompt is required", Field: "prompt", Required: true})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.Timestamp = time.Now()

	if s.cache != nil {
		if cached, similarity, ok := s.cache.Lookup(r.Context(), req.Prompt); ok {
			s.collector.RecordCacheHit()
			s.writeJSON(w, http.StatusOK, chatResponse{
				AIResponse: cached,
				RoutingInfo: &types.RoutingInfo{
					SelectedProvider: cached.Provider,
					SelectedModel:    cached.Model,
					Reasoning:        []string{"Served from semantic cache"},
					CacheHit:         true,
					SimilarityScore:  similarity,
				},
			})
			return
		}
		s.collector.RecordCacheMiss()
	}

	decision, err := s.router.Route(r.Context(), &req, s.requestContext(r, &req))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if decision.Rejected() {
		s.writeEnvelope(w, r, decision.Rejection.Status, errorDetail{
			Message: decision.Rejection.Message,
			Type:    "rule_rejection",
			Code:    decision.Rejection.Status,
		})
		return
	}

	provider, ok := s.registry.Get(decision.Provider)
	if !ok {
		s.writeError(w, r, &types.RoutingError{Message: fmt.Sprintf("provider %s is not registered", decision.Provider)})
		return
	}

	start := time.Now()
	resp, err := provider.Complete(r.Context(), decision.Model, &req)
	s.collector.RecordRequest(decision.Provider, decision.Model, time.Since(start), err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cost := actualCost(provider, decision.Model, resp.Usage)
	if resp.Usage != nil {
		s.collector.RecordUsage(decision.Provider, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost)
	}
	s.settleDecision(r, decision.BudgetID, cost)

	if s.cache != nil {
		s.cache.Store(r.Context(), req.Prompt, resp)
	}

	estimate := 0.0
	if decision.EstimatedCost != nil {
		estimate = decision.EstimatedCost.TotalCost
	}
	s.writeJSON(w, http.StatusOK, chatResponse{
		AIResponse: resp,
		RoutingInfo: &types.RoutingInfo{
			SelectedProvider: decision.Provider,
			SelectedModel:    decision.Model,
			CostEstimate:     estimate,
			Reasoning:        decision.Reasoning,
		},
	})
}

// handleBatch routes every request in the submission, groups the accepted
// ones into per provider/model jobs, and either waits for completion or
// returns the job handles immediately when async is set.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var batch types.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.writeErrorMessage(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if len(batch.Requests) == 0 {
		s.writeError(w, r, &types.ValidationError{Message: "batch requires at least one request", Field: "requests", Required: true})
		return
	}

	type group struct {
		provider string
		model    string
		requests []*types.AIRequest
	}
	groups := make(map[string]*group)
	var rejected []rejectedEntry

	for _, req := range batch.Requests {
		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		req.Timestamp = time.Now()
		if req.Prompt == "" {
			rejected = append(rejected, rejectedEntry{RequestID: req.ID, Message: "prompt is required", Status: http.StatusBadRequest})
			continue
		}

		decision, err := s.router.Route(r.Context(), req, s.requestContext(r, req))
		if err != nil {
			_, status := types.ClassifyError(err)
			rejected = append(rejected, rejectedEntry{RequestID: req.ID, Message: err.Error(), Status: status})
			continue
		}
		if decision.Rejected() {
			rejected = append(rejected, rejectedEntry{RequestID: req.ID, Message: decision.Rejection.Message, Status: decision.Rejection.Status})
			continue
		}

		key := decision.Provider + "/" + decision.Model
		g, ok := groups[key]
		if !ok {
			g = &group{provider: decision.Provider, model: decision.Model}
			groups[key] = g
		}
		g.requests = append(g.requests, req)
	}

	if len(groups) == 0 {
		s.writeJSON(w, http.StatusBadRequest, batchResponse{
			Rejected:       rejected,
			TotalProcessed: len(batch.Requests),
			Failed:         len(rejected),
		})
		return
	}

	priority := queue.ParsePriority(batch.Priority)
	var jobs []jobSummary
	var waits []<-chan struct{}
	var jobIDs []string

	for _, g := range groups {
		jobID, done, err := s.dispatcher.Enqueue(g.provider, g.model, g.requests, priority)
		if err != nil {
			for _, req := range g.requests {
				_, status := types.ClassifyError(err)
				rejected = append(rejected, rejectedEntry{RequestID: req.ID, Message: err.Error(), Status: status})
			}
			continue
		}
		jobs = append(jobs, jobSummary{
			JobID:    jobID,
			Provider: g.provider,
			Model:    g.model,
			Requests: len(g.requests),
			State:    string(queue.StatePending),
		})
		waits = append(waits, done)
		jobIDs = append(jobIDs, jobID)
	}

	s.collector.SetQueueDepth(s.dispatcher.QueueDepth())

	if batch.Async {
		s.writeJSON(w, http.StatusAccepted, batchResponse{
			Jobs:           jobs,
			Rejected:       rejected,
			TotalProcessed: len(batch.Requests),
			Failed:         len(rejected),
		})
		return
	}

	for _, done := range waits {
		select {
		case <-done:
		case <-r.Context().Done():
			s.writeErrorMessage(w, r, http.StatusGatewayTimeout, "batch wait cancelled")
			return
		}
	}

	var results []queue.RequestResult
	successful := 0
	for i, jobID := range jobIDs {
		status, err := s.dispatcher.GetStatus(jobID)
		if err != nil {
			continue
		}
		jobs[i].State = string(status.State)
		for _, res := range status.Results {
			if res.Success {
				successful++
			}
		}
		results = append(results, status.Results...)
	}

	s.writeJSON(w, http.StatusOK, batchResponse{
		Jobs:           jobs,
		Rejected:       rejected,
		Results:        results,
		TotalProcessed: len(batch.Requests),
		Successful:     successful,
		Failed:         len(batch.Requests) - successful,
	})
}

// handleJobStatus returns the current snapshot for a queued job.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	status, err := s.dispatcher.GetStatus(jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleJobCancel cancels a queued job. A running job finishes its
// in-flight sub-request before the remainder is marked cancelled.
func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := s.dispatcher.Cancel(jobID); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.dispatcher.GetStatus(jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// requestContext assembles the document steering rules evaluate against.
func (s *Server) requestContext(r *http.Request, req *types.AIRequest) *steering.RequestContext {
	body := map[string]interface{}{
		"prompt":          req.Prompt,
		"user_id":         req.UserID,
		"organization_id": req.OrganizationID,
		"system_source":   req.SystemSource,
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	if req.RoutingPreferences != nil {
		body["routing_preferences"] = map[string]interface{}{
			"provider":            req.RoutingPreferences.Provider,
			"model":               req.RoutingPreferences.Model,
			"required_capability": req.RoutingPreferences.RequiredCapability,
		}
	}
	if req.CostConstraints != nil {
		body["cost_constraints"] = map[string]interface{}{"max_cost": req.CostConstraints.MaxCost}
	}

	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}
	headers := make(map[string]string)
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return &steering.RequestContext{
		Request: steering.RequestData{
			Body:    body,
			Query:   query,
			Headers: headers,
			Path:    r.URL.Path,
			Method:  r.Method,
		},
		User:         map[string]interface{}{"id": req.UserID},
		Organization: map[string]interface{}{"id": req.OrganizationID},
		Context:      req.Context,
	}
}

// settleDecision debits the budget resolved at routing time for the
// actual spend. Best effort: a write-time breach is logged, not surfaced.
func (s *Server) settleDecision(r *http.Request, budgetID string, cost float64) {
	if budgetID == "" || cost <= 0 {
		return
	}
	b, err := s.budgets.GetBudget(r.Context(), budgetID)
	if err != nil {
		s.logger.WithError(err).WithField("budget_id", budgetID).Warn("Budget vanished before settlement")
		return
	}
	if _, err := s.tracker.RecordUsage(r.Context(), budgetID, cost, b.Currency, budget.SourceGateway, nil); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"budget_id": budgetID,
			"amount":    cost,
		}).Warn("Usage settlement failed")
	}
}
