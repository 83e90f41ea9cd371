package relayflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ghalamif/RelayFlow/internal/domain"
)

func TestConfLoadsYAMLAndBuildsPipelines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	body := `
app:
  name: demo
metrics:
  disabled: true
checkpoint:
  kind: memory
resources:
  mem:
    kind: memory
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	flow, err := Conf(path, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("Conf returned error: %v", err)
	}
	flow.Resource("mem").Read("in").WriteTo("mem", "out")

	rt, err := flow.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	got := rt.cfg.Pipelines
	if len(got) != 1 {
		t.Fatalf("expected 1 pipeline, got %d", len(got))
	}
	if got[0].ID != "relay-pipeline-demo_mem.in_to_mem.out" {
		t.Fatalf("unexpected derived id %q", got[0].ID)
	}
	if got[0].Transform.Name != "identity" {
		t.Fatalf("expected identity transform, got %q", got[0].Transform.Name)
	}
}

func TestConfFromConfigRequiresConfig(t *testing.T) {
	if _, err := ConfFromConfig(nil); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestStreamCollectsBuilderErrors(t *testing.T) {
	flow, _ := ConfFromConfig(testConfig())
	flow.Resource("a").Read("x").
		Process(nil).
		Transform("no_such_transform", nil).
		WriteTo("b", "y")

	if _, err := flow.Build(); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestStreamOptionsSetIDAndPolicy(t *testing.T) {
	cfg := testConfig()
	flow, _ := ConfFromConfig(cfg)
	pol := Policy{MaxBatchSize: 7, FailureMode: FailureModeFailFast}
	flow.Resource("a").Read("x").
		Process(func(_ context.Context, in []Record) ([]Record, error) { return in, nil },
			WithPipelineID("custom"), WithPolicy(pol)).
		WriteTo("b", "y")

	p := cfg.Pipelines[0]
	if p.ID != "custom" {
		t.Fatalf("expected custom id, got %q", p.ID)
	}
	if p.Policy == nil || p.Policy.MaxBatchSize != 7 || p.Policy.FailureMode != FailureModeFailFast {
		t.Fatalf("expected pipeline policy to be set, got %+v", p.Policy)
	}
	if p.Transform.Name != "flow:custom" {
		t.Fatalf("expected generated transform name, got %q", p.Transform.Name)
	}
}

func TestChainRunsStepsInOrderAndCarriesRecordErrors(t *testing.T) {
	failSecond := func(_ context.Context, in []Record) ([]Record, error) {
		errs := domain.NewRecordErrors()
		var out []Record
		for _, r := range in {
			if r.Position == 2 {
				errs.Add(r.Position, errors.New("bad record"))
				continue
			}
			out = append(out, r)
		}
		return out, errs
	}
	tag := func(_ context.Context, in []Record) ([]Record, error) {
		out := make([]Record, len(in))
		for i, r := range in {
			out[i] = r.WithMetadata("step", "tag")
		}
		return out, nil
	}

	fn := chain([]TransformFunc{failSecond, tag})
	out, err := fn(context.Background(), []Record{{Position: 1}, {Position: 2}, {Position: 3}})

	var re *domain.RecordErrors
	if !errors.As(err, &re) || re.Len() != 1 {
		t.Fatalf("expected one record error, got %v", err)
	}
	if len(out) != 2 || out[0].Position != 1 || out[1].Position != 3 {
		t.Fatalf("unexpected output %+v", out)
	}
	for _, r := range out {
		if r.Metadata["step"] != "tag" {
			t.Fatalf("expected second step to run on %d", r.Position)
		}
	}
}

func TestChainStopsOnBatchError(t *testing.T) {
	boom := errors.New("boom")
	called := false
	fn := chain([]TransformFunc{
		func(context.Context, []Record) ([]Record, error) { return nil, boom },
		func(_ context.Context, in []Record) ([]Record, error) { called = true; return in, nil },
	})
	if _, err := fn(context.Background(), []Record{{Position: 1}}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if called {
		t.Fatalf("expected later steps to be skipped")
	}
}
