package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ghalamif/RelayFlow/internal/adapters/memory"
	"github.com/ghalamif/RelayFlow/internal/domain"
	"github.com/ghalamif/RelayFlow/internal/ports"
)

const testStream = "events"

func testPolicy() ports.Policy {
	return ports.Policy{
		IdleSleep: time.Millisecond,
		Retry: ports.RetryPolicy{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2,
			MaxAttempts:     5,
		},
	}
}

type harness struct {
	coord  *Coordinator
	timer  *fakeTimer
	obs    *recordingObs
	cancel context.CancelFunc
	ctx    context.Context
}

func newHarness(t *testing.T, src ports.Source, dst ports.Destination, cps ports.CheckpointStore, dls ports.DeadLetterSink, fn ports.TransformFunc, pol ports.Policy) *harness {
	t.Helper()
	pol.ApplyDefaults()
	obs := &recordingObs{}
	coord, err := NewCoordinator(CoordinatorConfig{
		PipelineID:  "p1",
		Reader:      NewBatchReader(src, testStream, pol.MaxBatchSize, pol.MaxBatchBytes),
		Executor:    NewExecutor(fn, pol),
		Writer:      NewBatchWriter(dst, "archive"),
		Checkpoints: cps,
		DeadLetters: dls,
		Obs:         obs,
		Policy:      pol,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	timer := newFakeTimer()
	coord.retrier.timer = timer
	// The first end of stream stops the run.
	coord.idle = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	return &harness{coord: coord, timer: timer, obs: obs, ctx: ctx, cancel: cancel}
}

func (h *harness) run() error { return h.coord.Run(h.ctx) }

func identity(_ context.Context, in []domain.Record) ([]domain.Record, error) { return in, nil }

func stamp(_ context.Context, in []domain.Record) ([]domain.Record, error) {
	out := make([]domain.Record, 0, len(in))
	for _, r := range in {
		rec, err := r.SetField("marker", "seen")
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func TestRunStampsEveryRecordAndCheckpointsLast(t *testing.T) {
	src := newScriptedSource(testStream, 5)
	dst := &scriptedDest{}
	cps := newMemCheckpoints()

	h := newHarness(t, src, dst, cps, nil, stamp, testPolicy())
	require.NoError(t, h.run())

	written := dst.written()
	require.Len(t, written, 5)
	for i, r := range written {
		require.Equal(t, "seen", r.Field("marker"))
		require.Equal(t, domain.Position(i+1), r.Position)
		require.Equal(t, testStream, r.Metadata[domain.MetaSourceStream])
		require.Equal(t, fmt.Sprint(i+1), r.Metadata[domain.MetaSourcePosition])
	}

	pos, ok := cps.position("p1")
	require.True(t, ok)
	require.Equal(t, domain.Position(5), pos)

	st := h.coord.Status()
	require.Equal(t, StateStopped, st.State)
	require.EqualValues(t, 5, st.Read)
	require.EqualValues(t, 5, st.Written)
	require.EqualValues(t, 1, st.Batches)
}

func TestRunFilterStillAdvancesCheckpoint(t *testing.T) {
	src := &scriptedSource{records: map[string][]domain.Record{testStream: {
		{Payload: domain.Payload(`{"id":1}`), Position: 1},
		{Payload: domain.Payload(`{"id":9582724}`), Position: 2},
		{Payload: domain.Payload(`{"id":3}`), Position: 3},
	}}}
	dst := &scriptedDest{}
	cps := newMemCheckpoints()

	keepOne := func(_ context.Context, in []domain.Record) ([]domain.Record, error) {
		var out []domain.Record
		for _, r := range in {
			if r.Field("id") == float64(9582724) {
				out = append(out, r)
			}
		}
		return out, nil
	}

	h := newHarness(t, src, dst, cps, nil, keepOne, testPolicy())
	require.NoError(t, h.run())

	written := dst.written()
	require.Len(t, written, 1)
	require.Equal(t, domain.Position(2), written[0].Position)

	pos, _ := cps.position("p1")
	require.Equal(t, domain.Position(3), pos)
	require.EqualValues(t, 2, h.coord.Status().Dropped)
}

func TestRunRetriesTransientWriteBeforeCheckpoint(t *testing.T) {
	src := newScriptedSource(testStream, 3)
	cps := newMemCheckpoints()
	dst := &scriptedDest{
		checkpoints: cps,
		errs: []error{
			fmt.Errorf("dial: %w", domain.ErrDestinationUnavailable),
			fmt.Errorf("dial: %w", domain.ErrDestinationUnavailable),
		},
	}

	h := newHarness(t, src, dst, cps, nil, identity, testPolicy())
	require.NoError(t, h.run())

	require.Equal(t, 3, dst.calls)
	require.Equal(t, []int{0}, dst.savesAtAck)
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, h.timer.waits())
	require.Equal(t, []domain.Position{3}, cps.saves)
	require.EqualValues(t, 2, h.coord.Status().Retries)
	require.Equal(t, float64(2), h.obs.counter(MetricRetries))
	require.Equal(t, []string{"retrying", "retrying"}, h.obs.errorMsgs())
}

func TestRunDeadLettersFailedRecordsInBestEffort(t *testing.T) {
	src := newScriptedSource(testStream, 5)
	dst := &scriptedDest{}
	cps := newMemCheckpoints()
	dls := &memDeadLetters{}

	failThird := func(_ context.Context, in []domain.Record) ([]domain.Record, error) {
		if in[0].Position == 3 {
			return nil, errors.New("bad record")
		}
		return in, nil
	}

	h := newHarness(t, src, dst, cps, dls, failThird, testPolicy())
	require.NoError(t, h.run())

	written := dst.written()
	require.Len(t, written, 4)
	for _, r := range written {
		require.NotEqual(t, domain.Position(3), r.Position)
	}

	require.Len(t, dls.letters, 1)
	dl := dls.letters[0]
	require.Equal(t, domain.Position(3), dl.Position)
	require.Equal(t, "bad record", dl.Error)
	require.Equal(t, `{"id":3}`, dl.Payload)
	require.Equal(t, h.coord.Status().RunID, dl.RunID)
	require.Len(t, h.obs.dlqs, 1)

	pos, _ := cps.position("p1")
	require.Equal(t, domain.Position(5), pos)
	require.EqualValues(t, 1, h.coord.Status().DeadLettered)
}

func TestRunFailFastAbortsWithoutWriting(t *testing.T) {
	src := newScriptedSource(testStream, 5)
	dst := &scriptedDest{}
	cps := newMemCheckpoints()

	failSecond := func(_ context.Context, in []domain.Record) ([]domain.Record, error) {
		if in[0].Position == 2 {
			return nil, errors.New("boom")
		}
		return in, nil
	}

	pol := testPolicy()
	pol.FailureMode = ports.FailureModeFailFast
	h := newHarness(t, src, dst, cps, nil, failSecond, pol)

	err := h.run()
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.ErrorIs(t, err, domain.ErrAborted)
	require.Nil(t, runErr.Checkpoint)
	require.Contains(t, err.Error(), "record 2: boom")

	require.Zero(t, dst.calls)
	require.Zero(t, cps.saveCount())
	require.Equal(t, StateFailed, h.coord.Status().State)
	require.Contains(t, h.obs.errorMsgs(), "pipeline_failed")
}

func TestRunFatalErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name    string
		readErr error
		writErr error
		want    error
	}{
		{name: "expired position", readErr: domain.ErrPositionExpired, want: domain.ErrPositionExpired},
		{name: "schema rejected", writErr: domain.ErrSchemaRejected, want: domain.ErrSchemaRejected},
		{name: "unknown error", writErr: errors.New("disk on fire"), want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newScriptedSource(testStream, 2)
			if tt.readErr != nil {
				src.errs = []error{tt.readErr}
			}
			dst := &scriptedDest{}
			if tt.writErr != nil {
				dst.errs = []error{tt.writErr}
			}
			cps := newMemCheckpoints()

			h := newHarness(t, src, dst, cps, nil, identity, testPolicy())
			err := h.run()

			var runErr *RunError
			require.ErrorAs(t, err, &runErr)
			if tt.want != nil {
				require.ErrorIs(t, err, tt.want)
			}
			require.Empty(t, h.timer.waits())
			require.Zero(t, cps.saveCount())
			require.Equal(t, StateFailed, h.coord.Status().State)
		})
	}
}

func TestRunRetryExhaustionIsFatal(t *testing.T) {
	src := newScriptedSource(testStream, 2)
	unavailable := fmt.Errorf("refused: %w", domain.ErrDestinationUnavailable)
	dst := &scriptedDest{errs: []error{unavailable, unavailable, unavailable, unavailable}}
	cps := newMemCheckpoints()

	pol := testPolicy()
	pol.Retry.MaxAttempts = 3
	h := newHarness(t, src, dst, cps, nil, identity, pol)

	err := h.run()
	require.ErrorIs(t, err, domain.ErrRetryExhausted)
	require.ErrorIs(t, err, domain.ErrDestinationUnavailable)
	require.Equal(t, domain.KindFatal, domain.Classify(err))
	require.Equal(t, 3, dst.calls)
	require.Len(t, h.timer.waits(), 2)
	require.Zero(t, cps.saveCount())
}

func TestRunEndOfStreamWritesNoCheckpoint(t *testing.T) {
	src := newScriptedSource(testStream, 0)
	dst := &scriptedDest{}
	cps := newMemCheckpoints()

	h := newHarness(t, src, dst, cps, nil, identity, testPolicy())
	require.NoError(t, h.run())

	require.Zero(t, dst.calls)
	require.Zero(t, cps.saveCount())
	require.Equal(t, StateStopped, h.coord.Status().State)
}

func TestRunResumesAfterCheckpoint(t *testing.T) {
	src := newScriptedSource(testStream, 5)
	dst := &scriptedDest{}
	cps := newMemCheckpoints()
	cps.byID["p1"] = domain.Checkpoint{PipelineID: "p1", Stream: testStream, Position: 3}

	h := newHarness(t, src, dst, cps, nil, identity, testPolicy())
	require.NoError(t, h.run())

	written := dst.written()
	require.Len(t, written, 2)
	require.Equal(t, domain.Position(4), written[0].Position)
	require.Equal(t, domain.Position(5), written[1].Position)
}

func TestRunCheckpointsEveryBatch(t *testing.T) {
	src := newScriptedSource(testStream, 5)
	dst := &scriptedDest{}
	cps := newMemCheckpoints()

	pol := testPolicy()
	pol.MaxBatchSize = 2
	h := newHarness(t, src, dst, cps, nil, identity, pol)
	require.NoError(t, h.run())

	require.Equal(t, []domain.Position{2, 4, 5}, cps.saves)
	require.EqualValues(t, 3, h.coord.Status().Batches)
}

func TestRunReplaysUncheckpointedBatchIdempotently(t *testing.T) {
	src := newScriptedSource(testStream, 5)
	dst := &scriptedDest{dedup: true}
	cps := newMemCheckpoints()
	cps.saveErrs = []error{errors.New("checkpoint volume lost")}

	first := newHarness(t, src, dst, cps, nil, identity, testPolicy())
	require.Error(t, first.run())
	require.Len(t, dst.written(), 5)
	require.Zero(t, cps.saveCount())

	second := newHarness(t, src, dst, cps, nil, identity, testPolicy())
	require.NoError(t, second.run())

	require.Len(t, dst.written(), 5)
	require.Equal(t, float64(5), second.obs.counter(MetricRecordsDuplicate))
	pos, _ := cps.position("p1")
	require.Equal(t, domain.Position(5), pos)
	require.NotEqual(t, first.coord.Status().RunID, second.coord.Status().RunID)
}

func TestRunFanOutSurvivesDeduplicatingDestination(t *testing.T) {
	src := newScriptedSource(testStream, 2)
	dst := memory.New(memory.Options{})
	cps := newMemCheckpoints()
	cps.saveErrs = []error{errors.New("checkpoint volume lost")}

	twice := func(_ context.Context, in []domain.Record) ([]domain.Record, error) {
		out := make([]domain.Record, 0, 2*len(in))
		for _, r := range in {
			out = append(out, r, r.Clone())
		}
		return out, nil
	}

	first := newHarness(t, src, dst, cps, nil, twice, testPolicy())
	require.Error(t, first.run())
	require.Equal(t, 4, dst.Len("archive"))

	second := newHarness(t, src, dst, cps, nil, twice, testPolicy())
	require.NoError(t, second.run())

	recs := dst.Records("archive")
	require.Len(t, recs, 4)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.SourceIdentity())
	}
	require.Equal(t, []string{
		testStream + "@1#0", testStream + "@1#1",
		testStream + "@2#0", testStream + "@2#1",
	}, ids)
	require.Equal(t, float64(4), second.obs.counter(MetricRecordsDuplicate))
	pos, _ := cps.position("p1")
	require.Equal(t, domain.Position(2), pos)
}

func TestRunCancelledMidTransformLeavesBatchUncheckpointed(t *testing.T) {
	src := newScriptedSource(testStream, 3)
	dst := &scriptedDest{}
	cps := newMemCheckpoints()
	dls := &memDeadLetters{}

	var stop context.CancelFunc
	slow := func(ctx context.Context, in []domain.Record) ([]domain.Record, error) {
		stop()
		<-ctx.Done()
		return nil, ctx.Err()
	}

	pol := testPolicy()
	pol.DrainTimeout = 10 * time.Millisecond
	h := newHarness(t, src, dst, cps, dls, slow, pol)
	stop = h.cancel
	require.NoError(t, h.run())

	st := h.coord.Status()
	require.Equal(t, StateStopped, st.State)
	require.Nil(t, st.Checkpoint)
	require.Zero(t, st.DeadLettered)
	require.Zero(t, cps.saveCount())
	require.Empty(t, dls.letters)
	require.Zero(t, dst.calls)
}

func TestRunRejectsCheckpointFromAnotherStream(t *testing.T) {
	src := newScriptedSource(testStream, 3)
	dst := &scriptedDest{}
	cps := newMemCheckpoints()
	cps.byID["p1"] = domain.Checkpoint{PipelineID: "p1", Stream: "renamed_from", Position: 2}

	h := newHarness(t, src, dst, cps, nil, identity, testPolicy())
	err := h.run()

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
	require.Nil(t, runErr.Checkpoint)
	require.Equal(t, StateFailed, h.coord.Status().State)
	require.Zero(t, dst.calls)
	require.Zero(t, cps.saveCount())
}

func TestRunStopsOnCancellation(t *testing.T) {
	src := newScriptedSource(testStream, 5)
	dst := &scriptedDest{}
	cps := newMemCheckpoints()

	h := newHarness(t, src, dst, cps, nil, identity, testPolicy())
	h.cancel()
	require.NoError(t, h.run())
	require.Equal(t, StateStopped, h.coord.Status().State)
	require.Zero(t, dst.calls)
}

func TestRunRetriesTransientReadErrors(t *testing.T) {
	src := newScriptedSource(testStream, 1)
	src.errs = []error{domain.ErrSourceUnavailable}
	dst := &scriptedDest{}
	cps := newMemCheckpoints()

	h := newHarness(t, src, dst, cps, nil, identity, testPolicy())
	require.NoError(t, h.run())
	require.Len(t, dst.written(), 1)
	require.Equal(t, []time.Duration{10 * time.Millisecond}, h.timer.waits())
}

func TestNewCoordinatorRejectsIncompleteConfig(t *testing.T) {
	_, err := NewCoordinator(CoordinatorConfig{PipelineID: "p1"})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)

	pol := testPolicy()
	pol.FailureMode = "sometimes"
	_, err = NewCoordinator(CoordinatorConfig{
		PipelineID:  "p1",
		Reader:      NewBatchReader(newScriptedSource(testStream, 0), testStream, 1, 0),
		Executor:    NewExecutor(identity, pol),
		Writer:      NewBatchWriter(&scriptedDest{}, testStream),
		Checkpoints: newMemCheckpoints(),
		Policy:      pol,
	})
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestRunErrorMessage(t *testing.T) {
	err := &RunError{
		PipelineID: "p1",
		Checkpoint: &domain.Checkpoint{Position: 7},
		Cause:      domain.ErrSchemaRejected,
	}
	require.Equal(t, "pipeline p1 failed at checkpoint 7: schema rejected", err.Error())
	require.ErrorIs(t, err, domain.ErrSchemaRejected)
}
