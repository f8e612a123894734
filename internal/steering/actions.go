package steering

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ActionType enumerates the closed set of steering actions.
type ActionType string

const (
	ActionRoute     ActionType = "route"
	ActionReject    ActionType = "reject"
	ActionTransform ActionType = "transform"
	ActionInject    ActionType = "inject"
	ActionLog       ActionType = "log"
)

// RouteParams selects a provider/model pair.
type RouteParams struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

// RejectParams stops the request with a caller-visible message and status.
type RejectParams struct {
	Message string `json:"message" yaml:"message"`
	Status  int    `json:"status" yaml:"status"`
}

// TransformParams mutates an existing request field.
type TransformParams struct {
	Field     string `json:"field" yaml:"field"`
	Operation string `json:"operation" yaml:"operation"` // "append", "replace", "prepend"
	Value     string `json:"value" yaml:"value"`
}

// InjectParams sets a field that need not pre-exist.
type InjectParams struct {
	Field string      `json:"field" yaml:"field"`
	Value interface{} `json:"value" yaml:"value"`
}

// LogParams emits a log entry when the rule matches.
type LogParams struct {
	Message string `json:"message" yaml:"message"`
	Level   string `json:"level" yaml:"level"`
}

// Action is a sum over the five action kinds. Exactly one params pointer is
// set for a known Type; unknown types carry only the raw type string so
// rule sets stay forward-compatible with future action kinds.
type Action struct {
	Type      ActionType
	Route     *RouteParams
	Reject    *RejectParams
	Transform *TransformParams
	Inject    *InjectParams
	Log       *LogParams
}

type actionWire struct {
	Type   ActionType      `json:"type" yaml:"type"`
	Params json.RawMessage `json:"params,omitempty" yaml:"-"`
}

// UnmarshalJSON decodes the {type, params} wire form into the typed sum.
func (a *Action) UnmarshalJSON(data []byte) error {
	var wire actionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	a.Type = wire.Type
	if len(wire.Params) == 0 {
		return nil
	}
	return a.decodeParams(func(dst interface{}) error {
		return json.Unmarshal(wire.Params, dst)
	})
}

// MarshalJSON encodes the typed sum back into {type, params}.
func (a Action) MarshalJSON() ([]byte, error) {
	params, err := json.Marshal(a.params())
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type   ActionType      `json:"type"`
		Params json.RawMessage `json:"params,omitempty"`
	}{Type: a.Type, Params: params})
}

// UnmarshalYAML decodes the persisted rule-set form.
func (a *Action) UnmarshalYAML(value *yaml.Node) error {
	var wire struct {
		Type   ActionType `yaml:"type"`
		Params yaml.Node  `yaml:"params"`
	}
	if err := value.Decode(&wire); err != nil {
		return err
	}
	a.Type = wire.Type
	if wire.Params.Kind == 0 {
		return nil
	}
	return a.decodeParams(func(dst interface{}) error {
		return wire.Params.Decode(dst)
	})
}

// MarshalYAML encodes the typed sum for persistence.
func (a Action) MarshalYAML() (interface{}, error) {
	return struct {
		Type   ActionType  `yaml:"type"`
		Params interface{} `yaml:"params,omitempty"`
	}{Type: a.Type, Params: a.params()}, nil
}

func (a *Action) decodeParams(decode func(interface{}) error) error {
	switch a.Type {
	case ActionRoute:
		a.Route = &RouteParams{}
		return decode(a.Route)
	case ActionReject:
		a.Reject = &RejectParams{}
		return decode(a.Reject)
	case ActionTransform:
		a.Transform = &TransformParams{}
		return decode(a.Transform)
	case ActionInject:
		a.Inject = &InjectParams{}
		return decode(a.Inject)
	case ActionLog:
		a.Log = &LogParams{}
		return decode(a.Log)
	default:
		// Unknown action types are preserved and skipped at evaluation.
		return nil
	}
}

func (a Action) params() interface{} {
	switch a.Type {
	case ActionRoute:
		return a.Route
	case ActionReject:
		return a.Reject
	case ActionTransform:
		return a.Transform
	case ActionInject:
		return a.Inject
	case ActionLog:
		return a.Log
	default:
		return nil
	}
}

func (a Action) String() string {
	return fmt.Sprintf("action<%s>", a.Type)
}
