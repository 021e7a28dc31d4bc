package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/getkin/kin-openapi/openapi3"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

type Kind string

const (
	KindRead  Kind = "read"
	KindWrite Kind = "write"
)

type ExecuteFunc func(ctx context.Context, args map[string]any) (any, error)

// DescribeFunc renders the human-readable effect of a write before it runs.
type DescribeFunc func(args map[string]any) string

type Spec struct {
	Name           string
	Description    string
	Params         map[string]*schema.ParameterInfo
	Kind           Kind
	Execute        ExecuteFunc
	DescribeEffect DescribeFunc
}

// Descriptor is an immutable, self-describing capability.
type Descriptor struct {
	name        string
	description string
	kind        Kind
	info        *schema.ToolInfo
	validator   *openapi3.Schema
	execute     ExecuteFunc
	describe    DescribeFunc
}

func New(spec Spec) (*Descriptor, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: capability name is required", contractx.ErrValidation)
	}
	desc := strings.TrimSpace(spec.Description)
	if desc == "" {
		return nil, fmt.Errorf("%w: capability %s needs a description", contractx.ErrValidation, name)
	}
	if spec.Execute == nil {
		return nil, fmt.Errorf("%w: capability %s has no execute function", contractx.ErrValidation, name)
	}

	kind := spec.Kind
	switch kind {
	case "":
		kind = KindRead
	case KindRead, KindWrite:
	default:
		return nil, fmt.Errorf("%w: capability %s has unknown kind %q", contractx.ErrValidation, name, kind)
	}

	params := make(map[string]*schema.ParameterInfo, len(spec.Params))
	for k, v := range spec.Params {
		if v == nil {
			continue
		}
		cp := *v
		params[k] = &cp
	}
	paramsOneOf := schema.NewParamsOneOfByParams(params)

	validator, err := paramsOneOf.ToOpenAPIV3()
	if err != nil {
		return nil, fmt.Errorf("%w: build schema for %s: %v", contractx.ErrValidation, name, err)
	}

	return &Descriptor{
		name:        name,
		description: desc,
		kind:        kind,
		info: &schema.ToolInfo{
			Name:        name,
			Desc:        desc,
			ParamsOneOf: paramsOneOf,
		},
		validator: validator,
		execute:   spec.Execute,
		describe:  spec.DescribeEffect,
	}, nil
}

func MustNew(spec Spec) *Descriptor {
	d, err := New(spec)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Descriptor) Name() string        { return d.name }
func (d *Descriptor) Description() string { return d.description }
func (d *Descriptor) Kind() Kind          { return d.kind }

// ToolInfo returns a copy of the declarative schema handed to the model.
func (d *Descriptor) ToolInfo() *schema.ToolInfo {
	info := *d.info
	return &info
}

// Validate checks decoded arguments against the parameter schema.
func (d *Descriptor) Validate(args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	if err := d.validator.VisitJSON(args); err != nil {
		return fmt.Errorf("%w: invalid arguments for tool '%s': %v", contractx.ErrValidation, d.name, err)
	}
	return nil
}

// DescribeEffect summarises what a confirmed write will do.
func (d *Descriptor) DescribeEffect(args map[string]any) string {
	if d.describe != nil {
		if preview := strings.TrimSpace(d.describe(args)); preview != "" {
			return preview
		}
	}
	raw, err := json.Marshal(args)
	if err != nil || len(args) == 0 {
		return fmt.Sprintf("Run %s", d.name)
	}
	return fmt.Sprintf("Run %s with %s", d.name, raw)
}

func (d *Descriptor) Execute(ctx context.Context, args map[string]any) (any, error) {
	return d.execute(ctx, args)
}
