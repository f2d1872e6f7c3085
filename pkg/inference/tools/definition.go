package tools

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
)

// ExecutionSite says where a tool runs.
type ExecutionSite string

const (
	// SiteServer tools are executed by the emitter; their result is part of the event stream.
	SiteServer ExecutionSite = "server"
	// SiteCaller tools are executed by whoever consumes the stream.
	SiteCaller ExecutionSite = "caller"
)

// ToolFunc executes a tool with raw JSON arguments.
type ToolFunc func(ctx context.Context, args json.RawMessage) (interface{}, error)

type ToolDefinition struct {
	Name             string             `json:"name"`
	Description      string             `json:"description"`
	Parameters       *jsonschema.Schema `json:"parameters,omitempty"`
	Scope            string             `json:"scope,omitempty"`
	Site             ExecutionSite      `json:"site,omitempty"`
	RequiresApproval bool               `json:"requiresApproval,omitempty"`
	// System tools are always permitted.
	System   bool     `json:"-"`
	Function ToolFunc `json:"-"`
}

type DefinitionOption func(*ToolDefinition)

func WithScope(scope string) DefinitionOption {
	return func(d *ToolDefinition) { d.Scope = scope }
}

func WithApproval() DefinitionOption {
	return func(d *ToolDefinition) { d.RequiresApproval = true }
}

func WithSite(site ExecutionSite) DefinitionOption {
	return func(d *ToolDefinition) { d.Site = site }
}

func AsSystemTool() DefinitionOption {
	return func(d *ToolDefinition) { d.System = true }
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// NewToolFromFunc builds a server tool from a Go function of the form
// func(Input) (Output, error) or func(context.Context, Input) (Output, error).
// The parameter schema is reflected from Input.
func NewToolFromFunc(name, description string, fn interface{}, opts ...DefinitionOption) (*ToolDefinition, error) {
	funcType := reflect.TypeOf(fn)
	if funcType == nil || funcType.Kind() != reflect.Func {
		return nil, errors.New("provided value is not a function")
	}
	if funcType.NumOut() != 2 || !funcType.Out(1).Implements(errorType) {
		return nil, errors.Errorf("tool %s: function must return (result, error)", name)
	}

	withCtx := false
	var inType reflect.Type
	switch funcType.NumIn() {
	case 1:
		inType = funcType.In(0)
	case 2:
		if funcType.In(0) != contextType {
			return nil, errors.Errorf("tool %s: two-arg function must be (context.Context, Input)", name)
		}
		withCtx = true
		inType = funcType.In(1)
	default:
		return nil, errors.Errorf("tool %s: function must take (Input) or (context.Context, Input)", name)
	}

	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := reflector.Reflect(reflect.New(inType).Elem().Interface())
	if schema.Type == "" && schema.Ref == "" {
		schema.Type = "object"
	}
	schema.Version = ""

	fnValue := reflect.ValueOf(fn)
	def := &ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Site:        SiteServer,
		Function: func(ctx context.Context, args json.RawMessage) (interface{}, error) {
			in := reflect.New(inType)
			if len(args) > 0 {
				if err := json.Unmarshal(args, in.Interface()); err != nil {
					return nil, errors.Wrap(err, "invalid arguments")
				}
			}
			var outs []reflect.Value
			if withCtx {
				outs = fnValue.Call([]reflect.Value{reflect.ValueOf(ctx), in.Elem()})
			} else {
				outs = fnValue.Call([]reflect.Value{in.Elem()})
			}
			if errV := outs[1].Interface(); errV != nil {
				return nil, errV.(error)
			}
			return outs[0].Interface(), nil
		},
	}
	for _, o := range opts {
		o(def)
	}
	return def, nil
}

// ParametersJSON returns the parameter schema as JSON. Tools without a schema
// get an empty object schema.
func (d ToolDefinition) ParametersJSON() (json.RawMessage, error) {
	if d.Parameters == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`), nil
	}
	b, err := json.Marshal(d.Parameters)
	if err != nil {
		return nil, errors.Wrapf(err, "could not marshal schema of %s", d.Name)
	}
	return b, nil
}

// CallerToolSpec is how callers declare their tools in a run request.
type CallerToolSpec struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	RequiresApproval bool            `json:"requiresApproval,omitempty"`
}

// ToDefinition converts a declared caller tool. Invalid schemas are rejected.
func (s CallerToolSpec) ToDefinition() (ToolDefinition, error) {
	if s.Name == "" {
		return ToolDefinition{}, errors.New("caller tool without name")
	}
	def := ToolDefinition{
		Name:             s.Name,
		Description:      s.Description,
		Site:             SiteCaller,
		RequiresApproval: s.RequiresApproval,
	}
	if len(s.Parameters) > 0 && string(s.Parameters) != "null" {
		var schema jsonschema.Schema
		if err := json.Unmarshal(s.Parameters, &schema); err != nil {
			return ToolDefinition{}, errors.Wrapf(err, "invalid parameters schema for %s", s.Name)
		}
		def.Parameters = &schema
	}
	return def, nil
}
