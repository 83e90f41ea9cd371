package transforms

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

func rec(pos domain.Position, payload string) domain.Record {
	return domain.Record{Stream: "events", Position: pos, Payload: domain.Payload(payload)}
}

func TestBuildUnknown(t *testing.T) {
	_, err := Build("nope", nil)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestIdentityRejectsOptions(t *testing.T) {
	_, err := Build("identity", map[string]any{"x": 1})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	fn, err := Build("identity", nil)
	require.NoError(t, err)
	in := []domain.Record{rec(1, `{"a":1}`)}
	out, err := fn(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestStampSetsFieldWithoutTouchingInput(t *testing.T) {
	fn, err := Build("stamp", map[string]any{"field": "origin", "value": "plant-a"})
	require.NoError(t, err)

	in := []domain.Record{rec(1, `{"a":1}`)}
	out, err := fn(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "plant-a", out[0].Field("origin"))
	require.JSONEq(t, `{"a":1}`, string(in[0].Payload))
}

func TestStampEnvelopeAddsSchemaField(t *testing.T) {
	fn, err := Build("stamp", map[string]any{"field": "origin", "value": "x"})
	require.NoError(t, err)

	in := []domain.Record{rec(1, `{"schema":{"fields":[]},"payload":{"a":1}}`)}
	out, err := fn(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "x", out[0].Payload.Get("payload.origin"))
	require.Equal(t, "origin", out[0].Payload.Get("schema.fields.0.field"))
}

func TestLowercase(t *testing.T) {
	fn, err := Build("lowercase", map[string]any{"fields": []any{"email", "missing", "n"}})
	require.NoError(t, err)

	out, err := fn(context.Background(), []domain.Record{rec(1, `{"email":"A@B.COM","n":3}`)})
	require.NoError(t, err)
	require.Equal(t, "a@b.com", out[0].Field("email"))
	require.EqualValues(t, 3, out[0].Field("n"))

	_, err = Build("lowercase", nil)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestFilterNumericEquality(t *testing.T) {
	fn, err := Build("filter", map[string]any{"field": "customer_id", "equals": 9582724})
	require.NoError(t, err)

	in := []domain.Record{
		rec(1, `{"customer_id":9582724}`),
		rec(2, `{"customer_id":1}`),
		rec(3, `{"other":true}`),
	}
	out, err := fn(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, domain.Position(1), out[0].Position)
}

func TestFilterNegateAndExists(t *testing.T) {
	fn, err := Build("filter", map[string]any{"field": "customer_id", "equals": 9582724, "negate": true})
	require.NoError(t, err)
	out, err := fn(context.Background(), []domain.Record{
		rec(1, `{"customer_id":9582724}`),
		rec(2, `{"customer_id":1}`),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, domain.Position(2), out[0].Position)

	fn, err = Build("filter", map[string]any{"field": "deleted", "exists": false})
	require.NoError(t, err)
	out, err = fn(context.Background(), []domain.Record{
		rec(1, `{"deleted":true}`),
		rec(2, `{"id":2}`),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, domain.Position(2), out[0].Position)
}

func TestFilterNeedsCondition(t *testing.T) {
	_, err := Build("filter", map[string]any{"field": "a"})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestTemplate(t *testing.T) {
	fn, err := Build("template", map[string]any{"field": "label", "template": "{{.name}}-{{.id}}"})
	require.NoError(t, err)

	out, err := fn(context.Background(), []domain.Record{rec(1, `{"name":"pump","id":7}`)})
	require.NoError(t, err)
	require.Equal(t, "pump-7", out[0].Field("label"))
}

func TestTemplateFailsPerRecordInBatch(t *testing.T) {
	fn, err := Build("template", map[string]any{"field": "label", "template": "{{.name}}"})
	require.NoError(t, err)

	out, err := fn(context.Background(), []domain.Record{
		rec(1, `{"name":"pump"}`),
		rec(2, `{"id":2}`),
		rec(3, `not json`),
	})
	var re *domain.RecordErrors
	require.True(t, errors.As(err, &re))
	require.Equal(t, 2, re.Len())
	require.Contains(t, re.ByPosition, domain.Position(2))
	require.Contains(t, re.ByPosition, domain.Position(3))
	require.Len(t, out, 1)
	require.Equal(t, "pump", out[0].Field("label"))
}

func TestTemplateBadSyntax(t *testing.T) {
	_, err := Build("template", map[string]any{"field": "x", "template": "{{.a"})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestRegisterCustom(t *testing.T) {
	Register("drop_all", func(map[string]any) (ports.TransformFunc, error) {
		return Each(func(domain.Record) (*domain.Record, error) { return nil, nil }), nil
	})
	require.Contains(t, Names(), "drop_all")

	fn, err := Build("drop_all", nil)
	require.NoError(t, err)
	out, err := fn(context.Background(), []domain.Record{rec(1, `{}`)})
	require.NoError(t, err)
	require.Empty(t, out)
}
