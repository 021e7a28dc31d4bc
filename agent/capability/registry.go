package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/chative-toolagent/agent/contract"
)

// Registry maps capability names to descriptors. One Registry belongs to one session.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Descriptor
	order   []string
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

type RegistryOption func(*Registry)

// WithTimeout bounds every dispatch and confirmed execution.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = d
	}
}

func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byName: make(map[string]*Descriptor, 8),
		logger: log.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register inserts or replaces a descriptor by name.
func (r *Registry) Register(descriptors ...*Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descriptors {
		if d == nil {
			continue
		}
		if _, exists := r.byName[d.Name()]; !exists {
			r.order = append(r.order, d.Name())
		}
		r.byName[d.Name()] = d
	}
}

func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// KindOf reports the kind of a registered capability. Unknown names report read.
func (r *Registry) KindOf(name string) Kind {
	if d, ok := r.Lookup(name); ok {
		return d.Kind()
	}
	return KindRead
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// SchemaList returns the tool list for a model request, in registration order.
func (r *Registry) SchemaList() []*schema.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		infos = append(infos, r.byName[name].ToolInfo())
	}
	return infos
}

// Dispatch validates and runs a model-requested call. It never panics and never
// returns an error: every failure becomes a failed ToolResult. Write-kind
// capabilities are not executed here; the result carries a PendingAction instead.
func (r *Registry) Dispatch(ctx context.Context, name string, rawArguments string) contractx.ToolResult {
	d, ok := r.Lookup(name)
	if !ok {
		return contractx.Failed(fmt.Sprintf("tool '%s' not found", name))
	}

	args, err := DecodeArguments(rawArguments)
	if err != nil {
		return contractx.Failed(fmt.Sprintf("invalid arguments for tool '%s': %v", name, err))
	}
	if err := d.Validate(args); err != nil {
		return contractx.Failed(strings.TrimPrefix(err.Error(), contractx.ErrValidation.Error()+": "))
	}

	if d.Kind() == KindWrite {
		preview, err := r.preview(d, args)
		if err != nil {
			return contractx.Failed(err.Error())
		}
		return contractx.ToolResult{
			Success: true,
			Data: map[string]any{
				"status":  "awaiting_confirmation",
				"preview": preview,
			},
			Pending: &contractx.PendingAction{
				ToolName:  d.Name(),
				Preview:   preview,
				Payload:   args,
				CreatedAt: r.now().UTC(),
			},
		}
	}

	out, err := r.run(ctx, d, args)
	if err != nil {
		r.logger.Debug().Err(err).Str("tool", name).Msg("tool dispatch failed")
		return contractx.Failed(err.Error())
	}
	return contractx.Succeeded(out)
}

// Execute runs a capability with already validated arguments. It is the
// execute-now path of a confirmed write.
func (r *Registry) Execute(ctx context.Context, name string, payload map[string]any) (any, error) {
	d, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", contractx.ErrToolNotFound, name)
	}
	out, err := r.run(ctx, d, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrToolDispatch, err)
	}
	return out, nil
}

func (r *Registry) run(ctx context.Context, d *Descriptor, args map[string]any) (any, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool '%s' panicked: %v", d.Name(), p)}
			}
		}()
		v, err := d.Execute(ctx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool '%s' timed out", d.Name())
		}
		return nil, fmt.Errorf("tool '%s' was cancelled", d.Name())
	}
}

func (r *Registry) preview(d *Descriptor, args map[string]any) (preview string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool '%s' could not describe its effect: %v", d.Name(), p)
		}
	}()
	return d.DescribeEffect(args), nil
}

// DecodeArguments parses a model-produced argument string. Blank input means no arguments.
func DecodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	switch v := decoded.(type) {
	case map[string]any:
		return v, nil
	case nil:
		return map[string]any{}, nil
	default:
		return nil, errors.New("arguments must be a JSON object")
	}
}
