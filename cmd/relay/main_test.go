package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghalamif/RelayFlow/internal/adapters/deadletter"
	"github.com/ghalamif/RelayFlow/internal/domain"
)

func TestScrapeMetrics(t *testing.T) {
	body := `# HELP relay_records_written_total Records acknowledged by destinations.
# TYPE relay_records_written_total counter
relay_records_written_total 42
relay_records_read_total 1.5e+06
relay_checkpoint_position_other 9
go_goroutines 12
`
	got, err := scrapeMetrics(strings.NewReader(body), statsMetrics)
	require.NoError(t, err)
	require.Equal(t, float64(42), got["relay_records_written_total"])
	require.Equal(t, float64(1.5e6), got["relay_records_read_total"])
	_, ok := got["relay_checkpoint_position"]
	require.False(t, ok)
}

func TestDeadLettersCommand(t *testing.T) {
	dir := t.TempDir()
	sink, err := deadletter.NewFileSink(dir)
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		require.NoError(t, sink.Put(context.Background(), domain.DeadLetter{
			PipelineID: "p1",
			Position:   domain.Position(i),
			Payload:    `{"id":1}`,
			Error:      "boom",
			At:         time.Unix(0, 0).UTC(),
		}))
	}

	var out bytes.Buffer
	require.NoError(t, deadLettersCommand([]string{"-dir", dir}, &out))
	require.Contains(t, out.String(), "PIPELINE")
	require.Regexp(t, `p1\s+2`, out.String())

	out.Reset()
	require.NoError(t, deadLettersCommand([]string{"-dir", dir, "-pipeline", "p1"}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var dl domain.DeadLetter
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &dl))
	require.Equal(t, domain.Position(2), dl.Position)
	require.Equal(t, "boom", dl.Error)

	require.Error(t, deadLettersCommand([]string{"-dir", dir, "-pipeline", "missing"}, &out))

	out.Reset()
	require.NoError(t, deadLettersCommand([]string{"-dir", t.TempDir()}, &out))
	require.Contains(t, out.String(), "no dead letters")
}
