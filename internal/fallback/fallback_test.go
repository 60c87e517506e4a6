package fallback

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-exec/internal/audit"
	"futures-exec/internal/config"
	"futures-exec/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openReq(volume int64) ExecutionRequest {
	return ExecutionRequest{
		Instrument: "rb2510",
		Side:       types.BUY,
		Offset:     types.OPEN,
		Price:      decimal.NewFromInt(4000),
		Volume:     volume,
		Algo:       types.AlgoTWAP,
	}
}

func closeReq(volume int64) ExecutionRequest {
	r := openReq(volume)
	r.Side = types.SELL
	r.Offset = types.CLOSE
	return r
}

func TestNormalPassThrough(t *testing.T) {
	t.Parallel()
	var got *ExecutionRequest
	submit := func(req ExecutionRequest) error { got = &req; return nil }
	e := New(config.Default().Fallback, submit, nil, testLogger())

	resp := e.Execute(openReq(10))
	require.True(t, resp.Success)
	assert.Equal(t, types.FallbackNormal, resp.Mode)
	assert.Equal(t, int64(10), resp.AdjustedVolume)
	require.NotNil(t, got)
	assert.Equal(t, int64(10), got.Volume)
	assert.Equal(t, types.AlgoTWAP, got.Algo)
}

func TestGracefulDowngradesAndScales(t *testing.T) {
	t.Parallel()
	var got *ExecutionRequest
	submit := func(req ExecutionRequest) error { got = &req; return nil }
	e := New(config.Default().Fallback, submit, nil, testLogger())
	e.SetLevel(types.FallbackGraceful)

	// Immediate flow downgrades to TWAP.
	r := openReq(10)
	r.Algo = types.AlgoImmediate
	resp := e.Execute(r)
	require.True(t, resp.Success)
	assert.Equal(t, types.AlgoTWAP, resp.AdjustedAlgo)
	assert.Equal(t, int64(5), resp.AdjustedVolume, "volume halved at default scale")
	assert.Equal(t, int64(5), got.Volume)

	// TWAP downgrades to ICEBERG; ICEBERG stays.
	resp = e.Execute(openReq(10))
	assert.Equal(t, types.AlgoIceberg, resp.AdjustedAlgo)
	r = openReq(10)
	r.Algo = types.AlgoIceberg
	resp = e.Execute(r)
	assert.Equal(t, types.AlgoIceberg, resp.AdjustedAlgo)
}

func TestReducedIsCloseOnlyWithCappedParticipation(t *testing.T) {
	t.Parallel()
	var got *ExecutionRequest
	submit := func(req ExecutionRequest) error { got = &req; return nil }
	cfg := config.Default().Fallback
	cfg.ReducedParticipation = 0.10
	rec := audit.NewMemoryRecorder()
	e := New(cfg, submit, rec, testLogger())
	e.SetLevel(types.FallbackReduced)

	resp := e.Execute(openReq(10))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "new positions not permitted")
	assert.Equal(t, 1, rec.Count(audit.KindFallbackRejected))
	assert.Nil(t, got)

	// Closes go through, but only at the reduced participation cap.
	resp = e.Execute(closeReq(40))
	require.True(t, resp.Success)
	assert.Equal(t, int64(4), resp.AdjustedVolume)
	assert.Contains(t, resp.Message, "participation capped")
	require.NotNil(t, got)
	assert.Equal(t, int64(4), got.Volume)

	// A close already at one lot keeps its floor.
	resp = e.Execute(closeReq(1))
	require.True(t, resp.Success)
	assert.Equal(t, int64(1), resp.AdjustedVolume)
}

func TestManualQueuesOpensExecutesCloses(t *testing.T) {
	t.Parallel()
	submit := func(ExecutionRequest) error { return nil }
	rec := audit.NewMemoryRecorder()
	e := New(config.Default().Fallback, submit, rec, testLogger())
	e.SetLevel(types.FallbackManual)

	resp := e.Execute(openReq(10))
	assert.False(t, resp.Success)
	assert.True(t, resp.Queued)
	assert.True(t, resp.RequiresConfirmation)
	assert.Equal(t, 1, e.QueueDepth())
	assert.Equal(t, 1, rec.Count(audit.KindFallbackQueued))

	resp = e.Execute(closeReq(5))
	assert.True(t, resp.Success)
	assert.False(t, resp.Queued)
}

func TestManualQueueBounded(t *testing.T) {
	t.Parallel()
	cfg := config.Default().Fallback
	cfg.ManualQueueMaxSize = 3
	e := New(cfg, func(ExecutionRequest) error { return nil }, nil, testLogger())
	e.SetLevel(types.FallbackManual)

	for i := 0; i < 3; i++ {
		resp := e.Execute(openReq(1))
		require.True(t, resp.Queued, "entry %d should queue", i)
	}
	resp := e.Execute(openReq(1))
	assert.False(t, resp.Queued)
	assert.Contains(t, resp.Message, "manual queue full")
	assert.Equal(t, 3, e.QueueDepth())

	stats := e.Stats()
	assert.Equal(t, int64(3), stats.Queued)
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestEmergencyRejectsOpens(t *testing.T) {
	t.Parallel()
	submit := func(ExecutionRequest) error { return nil }
	e := New(config.Default().Fallback, submit, nil, testLogger())
	e.SetLevel(types.FallbackEmergency)

	resp := e.Execute(openReq(10))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "close-only")

	resp = e.Execute(closeReq(10))
	assert.True(t, resp.Success)
}

func TestProcessManualQueue(t *testing.T) {
	t.Parallel()
	var submitted []ExecutionRequest
	submit := func(req ExecutionRequest) error {
		submitted = append(submitted, req)
		return nil
	}
	cfg := config.Default().Fallback
	cfg.ReducedParticipation = 0.10
	e := New(cfg, submit, nil, testLogger())
	e.SetLevel(types.FallbackManual)

	e.Execute(openReq(100))
	e.Execute(openReq(50))
	e.Execute(openReq(20))
	require.Equal(t, 3, e.QueueDepth())

	// Approve everything except the 50-lot entry.
	confirm := func(entry QueueEntry) bool { return entry.Request.Volume != 50 }
	processed, executed, rejected := e.ProcessManualQueue(confirm)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 2, executed)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 0, e.QueueDepth())

	// Approved entries run with the reduced participation cap applied.
	require.Len(t, submitted, 2)
	assert.Equal(t, int64(10), submitted[0].Volume)
	assert.Equal(t, int64(2), submitted[1].Volume)
}

func TestSubmitErrorCountsFailed(t *testing.T) {
	t.Parallel()
	submit := func(ExecutionRequest) error { return errors.New("broker unavailable") }
	e := New(config.Default().Fallback, submit, nil, testLogger())

	resp := e.Execute(openReq(10))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "broker unavailable")
	assert.Equal(t, int64(1), e.Stats().Failed)
}
