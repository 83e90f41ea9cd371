// Package transforms holds the named record transforms a config file can
// refer to.
package transforms

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/ghalamif/RelayFlow/internal/app/resources"
	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// Factory builds a transform from its decoded options.
type Factory func(options map[string]any) (ports.TransformFunc, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{
		"identity":  newIdentity,
		"stamp":     newStamp,
		"lowercase": newLowercase,
		"filter":    newFilter,
		"template":  newTemplate,
	}
)

// Register adds or replaces a named transform.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = f
}

func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Build returns the transform registered as name.
func Build(name string, options map[string]any) (ports.TransformFunc, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown transform %q", domain.ErrInvalidConfig, name)
	}
	fn, err := f(options)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", name, err)
	}
	return fn, nil
}

// Each lifts a per-record function into a TransformFunc. A nil record
// pointer from fn drops the record.
func Each(fn func(domain.Record) (*domain.Record, error)) ports.TransformFunc {
	return func(ctx context.Context, in []domain.Record) ([]domain.Record, error) {
		out := make([]domain.Record, 0, len(in))
		errs := domain.NewRecordErrors()
		for _, r := range in {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, err := fn(r)
			if err != nil {
				if len(in) == 1 {
					return nil, err
				}
				errs.Add(r.Position, err)
				continue
			}
			if res != nil {
				out = append(out, *res)
			}
		}
		if errs.Len() > 0 {
			return out, errs
		}
		return out, nil
	}
}

func newIdentity(options map[string]any) (ports.TransformFunc, error) {
	if len(options) > 0 {
		return nil, fmt.Errorf("%w: identity takes no options", domain.ErrInvalidConfig)
	}
	return func(_ context.Context, in []domain.Record) ([]domain.Record, error) {
		return in, nil
	}, nil
}

type stampOptions struct {
	Field string `yaml:"field"`
	Value string `yaml:"value"` // empty stamps the processing time
}

func newStamp(options map[string]any) (ports.TransformFunc, error) {
	var opts stampOptions
	if err := resources.Decode(options, &opts); err != nil {
		return nil, err
	}
	if opts.Field == "" {
		opts.Field = "relay_processed_at"
	}
	return Each(func(r domain.Record) (*domain.Record, error) {
		v := opts.Value
		if v == "" {
			v = time.Now().UTC().Format(time.RFC3339Nano)
		}
		out, err := r.SetField(opts.Field, v)
		if err != nil {
			return nil, err
		}
		return &out, nil
	}), nil
}

type lowercaseOptions struct {
	Fields []string `yaml:"fields"`
}

func newLowercase(options map[string]any) (ports.TransformFunc, error) {
	var opts lowercaseOptions
	if err := resources.Decode(options, &opts); err != nil {
		return nil, err
	}
	if len(opts.Fields) == 0 {
		return nil, fmt.Errorf("%w: lowercase needs at least one field", domain.ErrInvalidConfig)
	}
	return Each(func(r domain.Record) (*domain.Record, error) {
		out := r
		for _, f := range opts.Fields {
			s, ok := out.Field(f).(string)
			if !ok {
				continue
			}
			var err error
			if out, err = out.SetField(f, strings.ToLower(s)); err != nil {
				return nil, err
			}
		}
		return &out, nil
	}), nil
}

type filterOptions struct {
	Field  string `yaml:"field"`
	Equals any    `yaml:"equals"`
	Exists *bool  `yaml:"exists"`
	Negate bool   `yaml:"negate"`
}

// newFilter keeps records whose field matches; everything else is dropped.
func newFilter(options map[string]any) (ports.TransformFunc, error) {
	var opts filterOptions
	if err := resources.Decode(options, &opts); err != nil {
		return nil, err
	}
	if opts.Field == "" {
		return nil, fmt.Errorf("%w: filter needs a field", domain.ErrInvalidConfig)
	}
	if opts.Equals == nil && opts.Exists == nil {
		return nil, fmt.Errorf("%w: filter needs equals or exists", domain.ErrInvalidConfig)
	}
	want := scalar(opts.Equals)

	return Each(func(r domain.Record) (*domain.Record, error) {
		v := r.Field(opts.Field)
		match := true
		if opts.Exists != nil {
			match = (v != nil) == *opts.Exists
		}
		if opts.Equals != nil {
			match = match && v != nil && scalar(v) == want
		}
		if match == opts.Negate {
			return nil, nil
		}
		return &r, nil
	}), nil
}

// scalar renders JSON and YAML scalars the same way so 9582724 from YAML
// equals 9582724 decoded from JSON as float64.
func scalar(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	default:
		return fmt.Sprint(val)
	}
}

type templateOptions struct {
	Field    string `yaml:"field"`
	Template string `yaml:"template"`
}

// newTemplate renders a text/template against the decoded payload and
// stores the result in field.
func newTemplate(options map[string]any) (ports.TransformFunc, error) {
	var opts templateOptions
	if err := resources.Decode(options, &opts); err != nil {
		return nil, err
	}
	if opts.Field == "" || opts.Template == "" {
		return nil, fmt.Errorf("%w: template needs field and template", domain.ErrInvalidConfig)
	}
	tmpl, err := template.New(opts.Field).Option("missingkey=error").Parse(opts.Template)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}

	return Each(func(r domain.Record) (*domain.Record, error) {
		data, err := r.Payload.Map()
		if err != nil {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
		if r.Payload.JSONSchema() {
			if inner, ok := data["payload"].(map[string]any); ok {
				data = inner
			}
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, err
		}
		out, err := r.SetField(opts.Field, buf.String())
		if err != nil {
			return nil, err
		}
		return &out, nil
	}), nil
}
