package resources

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ghalamif/RelayFlow/internal/app/config"
	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// Handle is an opened resource. Source and Destination are nil when the kind
// cannot play that role.
type Handle struct {
	Name        string
	Kind        string
	Source      ports.Source
	Destination ports.Destination
	DB          *sql.DB // postgres only
	// Release is set when Source is a buffer whose consumed records may be
	// truncated once every reading pipeline has checkpointed them.
	Release bool

	closers []func() error
}

func (h *Handle) onClose(fn func() error) { h.closers = append(h.closers, fn) }

// Close releases the resource in reverse open order.
func (h *Handle) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

// Env carries what openers need from the hosting runtime.
type Env struct {
	Logger *slog.Logger
	Obs    ports.Observability
}

// Opener connects one kind of resource. ctx bounds background work the
// resource starts, such as a collector.
type Opener func(ctx context.Context, h *Handle, options map[string]any, env Env) error

type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Opener
}

// NewRegistry returns a registry with every built-in kind.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]Opener)}
	r.Register("filelog", openFileLog)
	r.Register("memory", openMemory)
	r.Register("fixtures", openFixtures)
	r.Register("postgres", openPostgres)
	r.Register("stdout", openStdout)
	r.Register("opcua", openOPCUA)
	return r
}

func (r *Registry) Register(kind string, open Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = open
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Connect opens the named resource.
func (r *Registry) Connect(ctx context.Context, name string, rc config.ResourceConfig, env Env) (*Handle, error) {
	r.mu.RLock()
	open, ok := r.kinds[rc.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: resource %s: unknown kind %q", domain.ErrInvalidConfig, name, rc.Kind)
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	env.Logger = env.Logger.With("resource", name, "kind", rc.Kind)

	h := &Handle{Name: name, Kind: rc.Kind}
	if err := open(ctx, h, rc.Options, env); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("resource %s: %w", name, err)
	}
	return h, nil
}

// Decode strictly decodes options into out: unknown keys and type mismatches
// fail with domain.ErrInvalidConfig.
func Decode(options map[string]any, out any) error {
	if len(options) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(options)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: options: %v", domain.ErrInvalidConfig, err)
	}
	return nil
}
