package fixtures

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ghalamif/RelayFlow/internal/domain"
)

const sample = `{
  "anonymous_users": [
    {"key": "u1", "value": {"id": 9582724, "email": "Ada@Example.com"}, "timestamp": 1700000000000},
    {"key": 2, "value": {"id": 2, "email": "b@example.com"}},
    {"id": 3, "email": "c@example.com"}
  ],
  "empty": []
}`

func writeFixtures(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestSourceReadsCollections(t *testing.T) {
	src, err := NewSource(Options{File: writeFixtures(t, sample)})
	require.NoError(t, err)
	ctx := context.Background()

	recs, err := src.Read(ctx, "anonymous_users", 0, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "u1", string(recs[0].Key))
	require.Equal(t, float64(9582724), recs[0].Field("id"))
	require.Equal(t, int64(1700000000000), recs[0].Timestamp.UnixMilli())
	require.Equal(t, "2", string(recs[1].Key))
	require.Equal(t, domain.Position(2), recs[1].Position)

	recs, err = src.Read(ctx, "anonymous_users", 2, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "c@example.com", recs[0].Field("email"))
	require.Equal(t, "anonymous_users", recs[0].Stream)

	recs, err = src.Read(ctx, "anonymous_users", 3, 10)
	require.NoError(t, err)
	require.Empty(t, recs)

	recs, err = src.Read(ctx, "empty", 0, 10)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestSourceErrors(t *testing.T) {
	_, err := NewSource(Options{})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	src, err := NewSource(Options{File: writeFixtures(t, sample)})
	require.NoError(t, err)
	_, err = src.Read(context.Background(), "missing", 0, 1)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	bad, err := NewSource(Options{File: writeFixtures(t, "{not json")})
	require.NoError(t, err)
	_, err = bad.Read(context.Background(), "x", 0, 1)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}
