package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/omni-node/internal/metrics"
	"github.com/ChuLiYu/omni-node/internal/overlap"
	"github.com/ChuLiYu/omni-node/internal/registry"
	"github.com/ChuLiYu/omni-node/pkg/types"
)

func TestTrackerSubmit(t *testing.T) {
	tracker := NewTracker(registry.New(), WithTrackerLogger(discardLogger()))
	ctx := context.Background()

	resp, err := tracker.Submit(ctx, job(0, 2*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, resp.MaxJobs)

	dup := job(time.Second, time.Second)
	resp, err = tracker.Submit(ctx, dup)
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp.MaxJobs)

	resp, err = tracker.Submit(ctx, dup)
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp.MaxJobs)
	assert.Equal(t, 2, tracker.Len())
}

func TestTrackerRejectsNegativeDuration(t *testing.T) {
	tracker := NewTracker(nil, WithTrackerLogger(discardLogger()))

	_, err := tracker.Submit(context.Background(), types.JobRequest{StartTime: t0, Duration: -time.Second})
	assert.ErrorIs(t, err, types.ErrNegativeDuration)
	assert.Equal(t, 0, tracker.Len())
}

func TestTrackerTieBreak(t *testing.T) {
	ctx := context.Background()
	a, b := job(0, time.Second), job(time.Second, time.Second)

	touching := NewTracker(nil, WithTrackerLogger(discardLogger()))
	touching.Submit(ctx, a)
	resp, err := touching.Submit(ctx, b)
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp.MaxJobs)

	halfOpen := NewTracker(nil, WithTrackerLogger(discardLogger()), WithTieBreak(overlap.EndBeforeStart))
	halfOpen.Submit(ctx, a)
	resp, err = halfOpen.Submit(ctx, b)
	require.NoError(t, err)
	assert.EqualValues(t, 1, resp.MaxJobs)
}

func TestTrackerRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	now := t0.Add(1500 * time.Millisecond)
	tracker := NewTracker(nil,
		WithTrackerLogger(discardLogger()),
		WithTrackerMetrics(m),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	_, err := tracker.Submit(ctx, job(0, 2*time.Second))
	require.NoError(t, err)
	_, err = tracker.Submit(ctx, job(time.Second, time.Second))
	require.NoError(t, err)
	_, err = tracker.Submit(ctx, job(10*time.Second, time.Second))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		if g := f.GetMetric()[0].GetGauge(); g != nil {
			values[f.GetName()] = g.GetValue()
		}
	}
	assert.Equal(t, 3.0, values["omni_registry_jobs"])
	assert.Equal(t, 2.0, values["omni_max_jobs"])
	assert.Equal(t, 2.0, values["omni_running_jobs"], "two jobs cover t0+1.5s")

	n, err := testutil.GatherAndCount(reg, "omni_calculation_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
