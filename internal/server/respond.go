package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tributary-ai/llm-gateway/internal/middleware"
	"github.com/tributary-ai/llm-gateway/internal/types"
)

// errorBody is the uniform error envelope returned by every endpoint.
type errorBody struct {
	Error     errorDetail `json:"error"`
	Timestamp int64       `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

type errorDetail struct {
	Message    string   `json:"message"`
	Type       string   `json:"type"`
	Code       int      `json:"code"`
	Field      string   `json:"field,omitempty"`
	ValidTypes []string `json:"valid_types,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

// writeError maps a pipeline error onto the HTTP envelope. The error type
// decides the status: validation 400, auth 401, budget 402, permission
// 403, not found 404, provider errors pass their upstream status through.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	errType, status := types.ClassifyError(err)

	detail := errorDetail{
		Message: err.Error(),
		Type:    errType,
		Code:    status,
	}
	var ve *types.ValidationError
	if errors.As(err, &ve) {
		detail.Field = ve.Field
		detail.ValidTypes = ve.ValidTypes
	}

	s.writeEnvelope(w, r, status, detail)
}

func (s *Server) writeErrorMessage(w http.ResponseWriter, r *http.Request, statusCode int, message string) {
	s.writeEnvelope(w, r, statusCode, errorDetail{
		Message: message,
		Type:    "api_error",
		Code:    statusCode,
	})
}

func (s *Server) writeEnvelope(w http.ResponseWriter, r *http.Request, statusCode int, detail errorDetail) {
	s.writeJSON(w, statusCode, errorBody{
		Error:     detail,
		Timestamp: time.Now().Unix(),
		RequestID: middleware.RequestIDFromHeader(r),
	})
}
