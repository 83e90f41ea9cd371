package relayflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ghalamif/RelayFlow/internal/adapters/checkpoint"
	"github.com/ghalamif/RelayFlow/internal/adapters/deadletter"
	"github.com/ghalamif/RelayFlow/internal/adapters/observability"
	"github.com/ghalamif/RelayFlow/internal/adapters/postgres"
	"github.com/ghalamif/RelayFlow/internal/app/config"
	"github.com/ghalamif/RelayFlow/internal/app/pipeline"
	"github.com/ghalamif/RelayFlow/internal/app/resources"
	"github.com/ghalamif/RelayFlow/internal/app/transforms"
	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

// Option customizes the dependencies used by Runtime.
type Option func(*overrides)

type overrides struct {
	checkpoints  ports.CheckpointStore
	deadLetters  ports.DeadLetterSink
	obs          ports.Observability
	logger       *slog.Logger
	sources      map[string]ports.Source
	destinations map[string]ports.Destination
	transforms   map[string]ports.TransformFunc
}

// WithCheckpointStore replaces the store selected by the checkpoint section.
func WithCheckpointStore(s CheckpointStore) Option {
	return func(o *overrides) {
		o.checkpoints = s
	}
}

// WithDeadLetterSink replaces the sink selected by the dead_letter section.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(o *overrides) {
		o.deadLetters = s
	}
}

// WithObservability plugs in a custom observability backend. The metrics
// endpoint then serves the default Prometheus registry.
func WithObservability(obs Observability) Option {
	return func(o *overrides) {
		o.obs = obs
	}
}

// WithLogger replaces the logger built from the log section.
func WithLogger(l *slog.Logger) Option {
	return func(o *overrides) {
		o.logger = l
	}
}

// WithSource registers src under a resource name so pipelines can read from it
// without a resources entry. The runtime does not close it. When src can
// truncate (as a Publisher's source can), records every reading pipeline has
// checkpointed are released.
func WithSource(name string, src Source) Option {
	return func(o *overrides) {
		if o.sources == nil {
			o.sources = make(map[string]ports.Source)
		}
		o.sources[name] = src
	}
}

// WithDestination registers dst under a resource name. The runtime does not
// close it.
func WithDestination(name string, dst Destination) Option {
	return func(o *overrides) {
		if o.destinations == nil {
			o.destinations = make(map[string]ports.Destination)
		}
		o.destinations[name] = dst
	}
}

// WithTransform makes fn available to pipelines under name. It shadows a
// built-in transform of the same name.
func WithTransform(name string, fn TransformFunc) Option {
	return func(o *overrides) {
		if o.transforms == nil {
			o.transforms = make(map[string]ports.TransformFunc)
		}
		o.transforms[name] = fn
	}
}

// Runtime hosts every configured pipeline: it opens resources, runs one
// coordinator per pipeline and serves metrics and status over HTTP.
type Runtime struct {
	cfg      *Config
	ov       overrides
	logger   *slog.Logger
	obs      ports.Observability
	gatherer prometheus.Gatherer
	registry *resources.Registry

	mu           sync.Mutex
	handles      map[string]*resources.Handle
	opened       []*resources.Handle
	retentions   map[string]*pipeline.Retention
	checkpoints  ports.CheckpointStore
	deadLetters  ports.DeadLetterSink
	coordinators []*pipeline.Coordinator
	listener     net.Listener
	metricsSrv   *http.Server
	cancel       context.CancelFunc
	done         chan struct{}
	runErr       error
}

// NewRuntime validates cfg and prepares the observability stack. Resources
// are opened by Start.
func NewRuntime(cfg *Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", domain.ErrInvalidConfig)
	}

	var ov overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&ov)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(ov.external()...); err != nil {
		return nil, err
	}
	if len(cfg.Pipelines) == 0 {
		return nil, fmt.Errorf("%w: no pipelines defined", domain.ErrInvalidConfig)
	}

	logger := ov.logger
	if logger == nil {
		logger = cfg.Log.Logger(os.Stderr)
	}
	logger = logger.With("app", cfg.App.Name)

	rt := &Runtime{
		cfg:      cfg,
		ov:       ov,
		logger:   logger,
		registry: resources.NewRegistry(),
		handles:  make(map[string]*resources.Handle),
	}

	if ov.obs != nil {
		rt.obs = ov.obs
		rt.gatherer = prometheus.DefaultGatherer
	} else {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		obs, err := observability.NewPromObs(reg, logger)
		if err != nil {
			return nil, err
		}
		rt.obs = obs
		rt.gatherer = reg
	}
	return rt, nil
}

func (o overrides) external() []string {
	var names []string
	for n := range o.sources {
		names = append(names, n)
	}
	for n := range o.destinations {
		names = append(names, n)
	}
	return names
}

// Start opens resources, builds a coordinator per pipeline and runs them in
// the background. Pipelines stop when ctx is done or Shutdown is called.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return fmt.Errorf("runtime already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	err := r.build(runCtx)
	if err == nil {
		err = r.startMetrics()
	}
	if err != nil {
		cancel()
		r.coordinators = nil
		return errors.Join(err, r.closeHandles())
	}

	r.cancel = cancel
	r.done = make(chan struct{})

	var g errgroup.Group
	for _, c := range r.coordinators {
		c := c
		g.Go(func() error { return c.Run(runCtx) })
	}
	go func() {
		err := g.Wait()
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
		close(r.done)
	}()

	r.logger.Info("runtime_started", "pipelines", len(r.coordinators))
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	cps, err := r.checkpointStore(ctx)
	if err != nil {
		return err
	}
	r.checkpoints = cps

	dls, err := r.deadLetterSink()
	if err != nil {
		return err
	}
	r.deadLetters = dls

	r.retentions = make(map[string]*pipeline.Retention)
	for _, p := range r.cfg.Pipelines {
		c, err := r.coordinator(ctx, p)
		if err != nil {
			return fmt.Errorf("pipeline %s: %w", p.ID, err)
		}
		r.coordinators = append(r.coordinators, c)
	}
	return nil
}

func (r *Runtime) coordinator(ctx context.Context, p config.PipelineConfig) (*pipeline.Coordinator, error) {
	src, err := r.source(ctx, p.Source.Resource)
	if err != nil {
		return nil, err
	}
	dst, err := r.destination(ctx, p.Destination.Resource)
	if err != nil {
		return nil, err
	}
	fn, err := r.transform(p.Transform)
	if err != nil {
		return nil, err
	}

	cps := r.checkpoints
	if rel := r.retention(p.Source.Resource, src); rel != nil {
		cps = rel.Wrap(p.ID, p.Source.Collection, cps)
	}

	pol := *p.Policy
	return pipeline.NewCoordinator(pipeline.CoordinatorConfig{
		PipelineID:  p.ID,
		Reader:      pipeline.NewBatchReader(src, p.Source.Collection, pol.MaxBatchSize, pol.MaxBatchBytes),
		Executor:    pipeline.NewExecutor(fn, pol),
		Writer:      pipeline.NewBatchWriter(dst, p.Destination.Collection),
		Checkpoints: cps,
		DeadLetters: r.deadLetters,
		Obs:         r.obs,
		Policy:      pol,
	})
}

func (r *Runtime) source(ctx context.Context, name string) (ports.Source, error) {
	if src, ok := r.ov.sources[name]; ok {
		return src, nil
	}
	h, err := r.handle(ctx, name)
	if err != nil {
		return nil, err
	}
	if h.Source == nil {
		return nil, fmt.Errorf("%w: resource %s (%s) cannot be read", domain.ErrInvalidConfig, name, h.Kind)
	}
	return h.Source, nil
}

// retention returns the shared tracker for a source whose consumed records
// may be released, or nil when the source keeps its history.
func (r *Runtime) retention(name string, src ports.Source) *pipeline.Retention {
	if rel, ok := r.retentions[name]; ok {
		return rel
	}
	t, ok := src.(ports.Truncater)
	if !ok {
		return nil
	}
	if _, injected := r.ov.sources[name]; !injected && !r.handles[name].Release {
		return nil
	}
	rel := pipeline.NewRetention(t, r.obs)
	r.retentions[name] = rel
	return rel
}

func (r *Runtime) destination(ctx context.Context, name string) (ports.Destination, error) {
	if dst, ok := r.ov.destinations[name]; ok {
		return dst, nil
	}
	h, err := r.handle(ctx, name)
	if err != nil {
		return nil, err
	}
	if h.Destination == nil {
		return nil, fmt.Errorf("%w: resource %s (%s) cannot be written", domain.ErrInvalidConfig, name, h.Kind)
	}
	return h.Destination, nil
}

// handle opens a configured resource once and shares it across pipelines.
func (r *Runtime) handle(ctx context.Context, name string) (*resources.Handle, error) {
	if h, ok := r.handles[name]; ok {
		return h, nil
	}
	rc, ok := r.cfg.Resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: resource %q is not defined", domain.ErrInvalidConfig, name)
	}
	h, err := r.registry.Connect(ctx, name, rc, resources.Env{Logger: r.logger, Obs: r.obs})
	if err != nil {
		return nil, err
	}
	r.handles[name] = h
	r.opened = append(r.opened, h)
	return h, nil
}

func (r *Runtime) transform(tc config.TransformConfig) (ports.TransformFunc, error) {
	if fn, ok := r.ov.transforms[tc.Name]; ok {
		if len(tc.Options) > 0 {
			return nil, fmt.Errorf("%w: transform %s takes no options", domain.ErrInvalidConfig, tc.Name)
		}
		return fn, nil
	}
	return transforms.Build(tc.Name, tc.Options)
}

func (r *Runtime) checkpointStore(ctx context.Context) (ports.CheckpointStore, error) {
	if r.ov.checkpoints != nil {
		return r.ov.checkpoints, nil
	}
	cc := r.cfg.Checkpoint
	switch cc.Kind {
	case config.CheckpointMemory:
		return checkpoint.NewMemoryStore(), nil
	case config.CheckpointPostgres:
		h, err := r.handle(ctx, cc.Resource)
		if err != nil {
			return nil, err
		}
		store := postgres.NewCheckpointStore(h.DB, cc.Table)
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("init checkpoint table: %w", err)
		}
		return store, nil
	default:
		return checkpoint.NewFileStore(cc.Dir)
	}
}

func (r *Runtime) deadLetterSink() (ports.DeadLetterSink, error) {
	if r.ov.deadLetters != nil {
		return r.ov.deadLetters, nil
	}
	if r.cfg.DeadLetter.Kind == config.DeadLetterNone {
		return nil, nil
	}
	return deadletter.NewFileSink(r.cfg.DeadLetter.Dir)
}

func (r *Runtime) startMetrics() error {
	if r.cfg.Metrics.Disabled {
		return nil
	}
	ln, err := net.Listen("tcp", r.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", r.cfg.Metrics.Addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", r.serveHealth)
	mux.HandleFunc("/status", r.serveStatus)

	r.listener = ln
	r.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := r.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server exited", "err", err)
		}
	}()
	return nil
}

// serveHealth answers 503 once any pipeline has failed.
func (r *Runtime) serveHealth(w http.ResponseWriter, _ *http.Request) {
	var failed []string
	for _, st := range r.Status() {
		if st.State == pipeline.StateFailed {
			failed = append(failed, st.PipelineID)
		}
	}
	if len(failed) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "failed: %v", failed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(r.Status())
}

// Addr returns the address the metrics server listens on, or "" when
// metrics are disabled or the runtime has not started.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Status returns a snapshot of every pipeline, sorted by id.
func (r *Runtime) Status() []Status {
	r.mu.Lock()
	coords := append([]*pipeline.Coordinator(nil), r.coordinators...)
	r.mu.Unlock()

	out := make([]Status, 0, len(coords))
	for _, c := range coords {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PipelineID < out[j].PipelineID })
	return out
}

// Wait blocks until every pipeline has returned and reports the first fatal
// error.
func (r *Runtime) Wait() error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return fmt.Errorf("runtime not started")
	}
	<-done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Run starts the runtime and blocks until ctx is cancelled and every pipeline
// has stopped, or every pipeline has returned on its own. It then shuts down.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	runErr := r.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(runErr, r.Shutdown(shutdownCtx))
}

// Shutdown stops the pipelines, the metrics server and every resource the
// runtime opened. When ctx ends before the pipelines have drained, resources
// stay open until the last pipeline returns and are closed in the background.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	var errs []error
	drained := true
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			drained = false
			errs = append(errs, fmt.Errorf("waiting for pipelines: %w", ctx.Err()))
		}
	}

	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	if drained {
		r.mu.Lock()
		errs = append(errs, r.closeHandles())
		r.mu.Unlock()
	} else {
		go func() {
			<-done
			r.mu.Lock()
			err := r.closeHandles()
			r.mu.Unlock()
			if err != nil {
				r.logger.Error("close resources", "err", err)
			}
		}()
	}

	r.logger.Info("runtime_stopped")
	return errors.Join(errs...)
}

// closeHandles closes opened resources in reverse order. Callers hold r.mu.
func (r *Runtime) closeHandles() error {
	var errs []error
	for i := len(r.opened) - 1; i >= 0; i-- {
		if err := r.opened[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.opened = nil
	r.handles = make(map[string]*resources.Handle)
	return errors.Join(errs...)
}
