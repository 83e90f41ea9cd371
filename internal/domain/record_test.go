package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordCloneSharesNoState(t *testing.T) {
	orig := Record{
		Key:      []byte("k1"),
		Payload:  Payload(`{"email":"A@B.COM"}`),
		Stream:   "users",
		Position: 7,
		Metadata: map[string]string{"a": "1"},
	}

	c := orig.Clone()
	c.Key[0] = 'x'
	c.Payload[2] = 'X'
	c.Metadata["a"] = "2"

	require.Equal(t, "k1", string(orig.Key))
	require.Equal(t, `{"email":"A@B.COM"}`, string(orig.Payload))
	require.Equal(t, "1", orig.Metadata["a"])
}

func TestRecordDeriveLeavesOriginal(t *testing.T) {
	orig := Record{Payload: Payload(`{"id":1}`), Metadata: map[string]string{"m": "v"}}

	out, err := orig.Derive(func(r *Record) error {
		p, err := r.Payload.Set("id", 2)
		if err != nil {
			return err
		}
		r.Payload = p
		r.Metadata["m"] = "changed"
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, out.Payload.Get("id"))
	require.EqualValues(t, 1, orig.Payload.Get("id"))
	require.Equal(t, "v", orig.Metadata["m"])

	_, err = orig.Derive(func(*Record) error { return errors.New("boom") })
	require.Error(t, err)
}

func TestPayloadSetIsCopyOnWrite(t *testing.T) {
	p := Payload(`{"name":"Ada"}`)
	q, err := p.Set("name", "Grace")
	require.NoError(t, err)
	require.Equal(t, "Ada", p.Get("name"))
	require.Equal(t, "Grace", q.Get("name"))

	d, err := q.Delete("name")
	require.NoError(t, err)
	require.False(t, d.Has("name"))
	require.True(t, q.Has("name"))
}

func TestEnvelopedSetFieldAddsSchemaEntry(t *testing.T) {
	r := Record{Payload: Payload(`{"schema":{"fields":[{"field":"id","type":"int32"}]},"payload":{"id":9582724}}`)}
	require.True(t, r.Payload.JSONSchema())
	require.False(t, r.Payload.OpenCDC())
	require.EqualValues(t, 9582724, r.Field("id"))

	out, err := r.SetField("processed", true)
	require.NoError(t, err)
	require.Equal(t, true, out.Field("processed"))
	require.Equal(t, "boolean", out.Payload.Get("schema.fields.1.type"))
	require.Equal(t, "processed", out.Payload.Get("schema.fields.1.field"))

	again, err := out.SetField("processed", false)
	require.NoError(t, err)
	require.False(t, again.Payload.Has("schema.fields.2"))
}

func TestOpenCDCDetection(t *testing.T) {
	p := Payload(`{"schema":{},"payload":{"after":{"customer_email":"x@y.z"}}}`)
	require.True(t, p.OpenCDC())
	require.Equal(t, "x@y.z", Record{Payload: p}.Field("after.customer_email"))
	require.False(t, Payload(`not json`).JSONSchema())
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{fmt.Errorf("read: %w", ErrSourceUnavailable), KindTransient},
		{ErrDestinationUnavailable, KindTransient},
		{ErrCheckpointUnavailable, KindTransient},
		{ErrPositionExpired, KindFatal},
		{ErrSchemaRejected, KindFatal},
		{fmt.Errorf("%w: %w", ErrRetryExhausted, ErrDestinationUnavailable), KindFatal},
		{ErrTransformTimeout, KindRecordLevel},
		{NewRecordErrors(), KindRecordLevel},
		{errors.New("mystery"), KindFatal},
	}
	for _, tc := range cases {
		require.Equal(t, tc.kind, Classify(tc.err), "err=%v", tc.err)
	}
}

func TestBatchBounds(t *testing.T) {
	var empty Batch
	require.Equal(t, StreamStart, empty.Last())

	b := Batch{Records: []Record{{Position: 3}, {Position: 5}}}
	require.Equal(t, Position(3), b.First())
	require.Equal(t, Position(5), b.Last())

	c := b.Clone()
	c.Records[0].Position = 99
	require.Equal(t, Position(3), b.First())
}

func TestRecordErrorsMessageIsSorted(t *testing.T) {
	re := NewRecordErrors()
	re.Add(9, errors.New("b"))
	re.Add(2, errors.New("a"))
	require.Equal(t, "record errors: 2: a; 9: b", re.Error())
	require.Equal(t, 2, re.Len())
}

func TestRecordSourceIdentity(t *testing.T) {
	require.Empty(t, Record{Key: []byte("k")}.SourceIdentity())

	rec := Record{Metadata: map[string]string{MetaSourceStream: "users", MetaSourcePosition: "4"}}
	require.Equal(t, "users@4", rec.SourceIdentity())

	second := rec.WithMetadata(MetaSourceIndex, "1")
	require.Equal(t, "users@4#1", second.SourceIdentity())
	require.NotEqual(t, rec.WithMetadata(MetaSourceIndex, "0").SourceIdentity(), second.SourceIdentity())
}
