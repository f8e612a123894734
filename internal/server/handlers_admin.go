package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tributary-ai/llm-gateway/internal/steering"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rs := s.rules.Get()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": rs.Version,
		"name":    rs.Name,
		"rules":   rs.Rules,
		"count":   len(rs.Rules),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rule, _ := s.rules.Get().FindRule(id)
	if rule == nil {
		s.writeError(w, r, &types.NotFoundError{Resource: "rule", ID: id})
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule steering.SteeringRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeErrorMessage(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if err := s.rules.CreateRule(rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule steering.SteeringRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeErrorMessage(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	rule.ID = mux.Vars(r)["id"]

	if err := s.rules.UpdateRule(rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.DeleteRule(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReloadRules re-reads the rule file from disk, keeping the current
// set when the file fails validation.
func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Reload(); err != nil {
		s.writeError(w, r, err)
		return
	}
	rs := s.rules.Get()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "reloaded",
		"rules":     len(rs.Rules),
		"timestamp": time.Now().Unix(),
	})
}
