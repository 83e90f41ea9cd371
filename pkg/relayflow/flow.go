package relayflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/ghalamif/RelayFlow/internal/app/config"
	"github.com/ghalamif/RelayFlow/internal/app/transforms"
	"github.com/ghalamif/RelayFlow/internal/domain"
)

// Flow is a convenience builder that lets callers describe pipelines as
// Resource → Read → Process → WriteTo without touching the config structs.
type Flow struct {
	cfg  *Config
	opts []Option
	errs []error
}

// Conf loads YAML from disk and returns a Flow builder on top of it.
func Conf(path string, opts ...Option) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig bootstraps a Flow from an in-memory Config.
func ConfFromConfig(cfg *Config, opts ...Option) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", domain.ErrInvalidConfig)
	}
	f := &Flow{cfg: cfg}
	f.Options(opts...)
	return f, nil
}

// Config returns the underlying configuration so callers can tweak it before
// building a runtime.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options appends runtime options to the builder.
func (f *Flow) Options(opts ...Option) *Flow {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
	return f
}

// Resource addresses a named resource, defined in config or injected with
// WithSource / WithDestination.
func (f *Flow) Resource(name string) *Resource {
	return &Resource{flow: f, name: name}
}

// Build validates the flow and returns a runtime ready to Start.
func (f *Flow) Build() (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: flow is nil", domain.ErrInvalidConfig)
	}
	if err := errors.Join(f.errs...); err != nil {
		return nil, err
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run is a shortcut for Build + Runtime.Run.
func (f *Flow) Run(ctx context.Context) error {
	rt, err := f.Build()
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

type Resource struct {
	flow *Flow
	name string
}

// Read starts a stream from collection on this resource.
func (r *Resource) Read(collection string) *Stream {
	return &Stream{
		flow:   r.flow,
		source: config.Endpoint{Resource: r.name, Collection: collection},
	}
}

// Stream is a pipeline under construction. It becomes part of the flow once
// WriteTo is called.
type Stream struct {
	flow   *Flow
	source config.Endpoint
	steps  []TransformFunc
	id     string
	policy *Policy
}

// ProcessOption tunes the pipeline a stream turns into.
type ProcessOption func(*Stream)

// WithPipelineID sets the id checkpoints are stored under. Without it the id
// is derived from the source and destination.
func WithPipelineID(id string) ProcessOption {
	return func(s *Stream) { s.id = id }
}

// WithPolicy replaces the config's default policy for this pipeline.
func WithPolicy(p Policy) ProcessOption {
	return func(s *Stream) { s.policy = &p }
}

// Process appends fn to the stream's transform chain.
func (s *Stream) Process(fn TransformFunc, opts ...ProcessOption) *Stream {
	if fn == nil {
		s.flow.errs = append(s.flow.errs, fmt.Errorf("%w: process on %s.%s: nil function",
			domain.ErrInvalidConfig, s.source.Resource, s.source.Collection))
		return s
	}
	s.steps = append(s.steps, fn)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Transform appends a registered transform (filter, stamp, ...) to the chain.
func (s *Stream) Transform(name string, options map[string]any) *Stream {
	fn, err := transforms.Build(name, options)
	if err != nil {
		s.flow.errs = append(s.flow.errs, err)
		return s
	}
	s.steps = append(s.steps, fn)
	return s
}

// WriteTo ends the stream at collection on the named resource and adds the
// resulting pipeline to the flow.
func (s *Stream) WriteTo(resource, collection string) *Flow {
	f := s.flow
	p := config.PipelineConfig{
		ID:          s.id,
		Source:      s.source,
		Destination: config.Endpoint{Resource: resource, Collection: collection},
		Policy:      s.policy,
	}
	if p.ID == "" {
		f.cfg.ApplyDefaults()
		p.ID = f.cfg.PipelineID(p.Source, p.Destination)
	}

	switch len(s.steps) {
	case 0:
		p.Transform = config.TransformConfig{Name: "identity"}
	default:
		name := "flow:" + p.ID
		f.opts = append(f.opts, WithTransform(name, chain(s.steps)))
		p.Transform = config.TransformConfig{Name: name}
	}

	f.cfg.Pipelines = append(f.cfg.Pipelines, p)
	return f
}

// chain runs steps in order. Record-level failures from one step are carried
// forward while the surviving records continue down the chain.
func chain(steps []TransformFunc) TransformFunc {
	if len(steps) == 1 {
		return steps[0]
	}
	return func(ctx context.Context, in []Record) ([]Record, error) {
		var failed *domain.RecordErrors
		out := in
		for _, step := range steps {
			next, err := step(ctx, out)
			var re *domain.RecordErrors
			switch {
			case err == nil:
			case errors.As(err, &re):
				if failed == nil {
					failed = domain.NewRecordErrors()
				}
				for pos, e := range re.ByPosition {
					failed.Add(pos, e)
				}
			default:
				return nil, err
			}
			out = next
			if len(out) == 0 {
				break
			}
		}
		if failed != nil {
			return out, failed
		}
		return out, nil
	}
}
