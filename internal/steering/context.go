package steering

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RequestContext is the evaluation input assembled by the HTTP layer.
type RequestContext struct {
	Request      RequestData            `json:"request"`
	User         map[string]interface{} `json:"user,omitempty"`
	Organization map[string]interface{} `json:"organization,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// RequestData mirrors the parts of the inbound HTTP request rules can
// reference via dot paths such as "request.body.prompt".
type RequestData struct {
	Body    map[string]interface{} `json:"body,omitempty"`
	Query   map[string]string      `json:"query,omitempty"`
	Headers map[string]string      `json:"headers,omitempty"`
	Path    string                 `json:"path,omitempty"`
	Method  string                 `json:"method,omitempty"`
}

// RoutingTarget is the provider/model pair selected by a route action.
type RoutingTarget struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Rejection is the terminal outcome of a reject action.
type Rejection struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// EvalContext is the mutable accumulator threaded through one evaluation
// pass. Field access resolves dot paths over a JSON document so that
// missing intermediate segments yield an absent result, never a panic.
type EvalContext struct {
	doc     []byte
	routing *RoutingTarget
	reject  *Rejection
}

// NewEvalContext builds an evaluation context from the request context.
func NewEvalContext(rc *RequestContext) (*EvalContext, error) {
	doc, err := json.Marshal(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode evaluation context: %w", err)
	}
	return &EvalContext{doc: doc}, nil
}

// Field resolves a dot path against the context document.
func (c *EvalContext) Field(path string) gjson.Result {
	return gjson.GetBytes(c.doc, path)
}

// SetField writes a value at the given dot path, creating intermediate
// objects as needed. Used by transform and inject actions.
func (c *EvalContext) SetField(path string, value interface{}) error {
	doc, err := sjson.SetBytes(c.doc, path, value)
	if err != nil {
		return fmt.Errorf("failed to set field %s: %w", path, err)
	}
	c.doc = doc
	return nil
}

// Document returns the current context document.
func (c *EvalContext) Document() []byte {
	out := make([]byte, len(c.doc))
	copy(out, c.doc)
	return out
}

// Routing returns the routing target set by route actions, if any.
func (c *EvalContext) Routing() *RoutingTarget {
	return c.routing
}

// Reject returns the rejection set by a reject action, if any.
func (c *EvalContext) Reject() *Rejection {
	return c.reject
}

// setRouting records a route decision. Once a rejection is set the routing
// target is frozen: rejection is terminal for the pass.
func (c *EvalContext) setRouting(provider, model string) {
	if c.reject != nil {
		return
	}
	c.routing = &RoutingTarget{Provider: provider, Model: model}
}

// setReject records a rejection. The first rejection wins.
func (c *EvalContext) setReject(message string, status int) {
	if c.reject != nil {
		return
	}
	if status == 0 {
		status = 403
	}
	c.reject = &Rejection{Message: message, Status: status}
}
