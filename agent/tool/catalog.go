package tool

import (
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/tanpawarit/chative-toolagent/agent/capability"
)

// Query wraps a read-only domain function as a capability the model may call freely.
func Query(name, description string, params map[string]*schema.ParameterInfo, fn capability.ExecuteFunc) (*capability.Descriptor, error) {
	return capability.New(capability.Spec{
		Name:        name,
		Description: description,
		Params:      params,
		Kind:        capability.KindRead,
		Execute:     fn,
	})
}

// Mutation wraps a state-changing domain function. It only runs after the
// user confirms the preview produced by describe.
func Mutation(name, description string, params map[string]*schema.ParameterInfo, describe capability.DescribeFunc, fn capability.ExecuteFunc) (*capability.Descriptor, error) {
	return capability.New(capability.Spec{
		Name:           name,
		Description:    description,
		Params:         params,
		Kind:           capability.KindWrite,
		Execute:        fn,
		DescribeEffect: describe,
	})
}

// Deps are the outbound collaborators available to the built-in catalog.
type Deps struct {
	// Publisher enables message.send when set.
	Publisher   Publisher
	Destination string
	Clock       func() time.Time
	Logger      *zerolog.Logger
	Timeout     time.Duration
}

// NewRegistry builds a session registry holding the built-in capabilities
// followed by any extra ones.
func NewRegistry(deps Deps, extra ...*capability.Descriptor) (*capability.Registry, error) {
	builders := []func() (*capability.Descriptor, error){
		MathEvaluate,
		func() (*capability.Descriptor, error) { return ClockNow(deps.Clock) },
	}
	if deps.Publisher != nil {
		builders = append(builders, func() (*capability.Descriptor, error) {
			return MessageSend(deps.Publisher, deps.Destination)
		})
	}

	descriptors := make([]*capability.Descriptor, 0, len(builders)+len(extra))
	for _, build := range builders {
		d, err := build()
		if err != nil {
			return nil, fmt.Errorf("build capability: %w", err)
		}
		descriptors = append(descriptors, d)
	}
	descriptors = append(descriptors, extra...)

	var opts []capability.RegistryOption
	if deps.Logger != nil {
		opts = append(opts, capability.WithLogger(*deps.Logger))
	}
	if deps.Timeout > 0 {
		opts = append(opts, capability.WithTimeout(deps.Timeout))
	}
	if deps.Clock != nil {
		opts = append(opts, capability.WithClock(deps.Clock))
	}
	registry := capability.NewRegistry(opts...)
	registry.Register(descriptors...)
	return registry, nil
}
