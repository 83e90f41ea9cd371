package resources

import (
	"context"
	"fmt"

	"github.com/ghalamif/RelayFlow/internal/adapters/filelog"
	"github.com/ghalamif/RelayFlow/internal/adapters/fixtures"
	"github.com/ghalamif/RelayFlow/internal/adapters/memory"
	"github.com/ghalamif/RelayFlow/internal/adapters/opcua"
	"github.com/ghalamif/RelayFlow/internal/adapters/postgres"
	"github.com/ghalamif/RelayFlow/internal/adapters/stdout"
	"github.com/ghalamif/RelayFlow/internal/app/pipeline"
	"github.com/ghalamif/RelayFlow/internal/domain"
)

func openFileLog(_ context.Context, h *Handle, options map[string]any, _ Env) error {
	var opts filelog.Options
	if err := Decode(options, &opts); err != nil {
		return err
	}
	l, err := filelog.Open(opts)
	if err != nil {
		return err
	}
	h.Source, h.Destination = l, l
	h.Release = opts.ReleaseConsumed
	h.onClose(l.Close)
	return nil
}

func openMemory(_ context.Context, h *Handle, options map[string]any, _ Env) error {
	var opts memory.Options
	if err := Decode(options, &opts); err != nil {
		return err
	}
	if opts.Capacity < 0 {
		return fmt.Errorf("%w: capacity must be >= 0", domain.ErrInvalidConfig)
	}
	s := memory.New(opts)
	h.Source, h.Destination = s, s
	h.Release = opts.ReleaseConsumed
	return nil
}

func openFixtures(_ context.Context, h *Handle, options map[string]any, _ Env) error {
	var opts fixtures.Options
	if err := Decode(options, &opts); err != nil {
		return err
	}
	src, err := fixtures.NewSource(opts)
	if err != nil {
		return err
	}
	h.Source = src
	return nil
}

func openPostgres(_ context.Context, h *Handle, options map[string]any, _ Env) error {
	var opts postgres.Options
	if err := Decode(options, &opts); err != nil {
		return err
	}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	db, err := postgres.Open(opts)
	if err != nil {
		return err
	}
	h.DB = db
	h.Source = postgres.NewSource(db, opts)
	h.Destination = postgres.NewDestination(db)
	h.onClose(db.Close)
	return nil
}

func openStdout(_ context.Context, h *Handle, options map[string]any, _ Env) error {
	var opts stdout.Options
	if err := Decode(options, &opts); err != nil {
		return err
	}
	h.Destination = stdout.New(opts)
	return nil
}

// openOPCUA starts a collector that buffers node values into a local file
// log. Pipelines read the buffered stream named by buffer.stream.
func openOPCUA(ctx context.Context, h *Handle, options map[string]any, env Env) error {
	var opts opcua.Options
	if err := Decode(options, &opts); err != nil {
		return err
	}
	col, err := opcua.NewCollector(opts, env.Logger)
	if err != nil {
		return err
	}
	opts.ApplyDefaults()

	buf, err := filelog.Open(filelog.Options{Dir: opts.Buffer.Dir})
	if err != nil {
		return err
	}
	h.Source = buf
	h.Release = true
	h.onClose(buf.Close)

	pol := pipeline.BufferPolicy{MaxBytes: opts.Buffer.MaxBytes, OnFull: opts.Buffer.OnFull}
	if err := pipeline.RunEdgePipeline(ctx, col, buf, opts.Buffer.Stream, pol, env.Obs); err != nil {
		return err
	}
	h.onClose(col.Stop)
	return nil
}
