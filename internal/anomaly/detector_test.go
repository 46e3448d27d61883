package anomaly

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashgate-io/hashgate/internal/cache"
	"github.com/hashgate-io/hashgate/internal/store/storetest"
	"github.com/hashgate-io/hashgate/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCache(t *testing.T) (cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewRedisCacheFromClient(client), mr
}

func testDetector(t *testing.T) (*Detector, *storetest.Fake, *miniredis.Miniredis) {
	t.Helper()
	fake := storetest.New()
	c, mr := testCache(t)
	d := NewDetector(fake, c, Thresholds{
		SpikePerMinute:  100,
		SpikePerHour:    1000,
		ErrorRatePct:    50,
		UniqueEndpoints: 20,
	}, testLogger())
	return d, fake, mr
}

func recordUsage(t *testing.T, fake *storetest.Fake, keyID uuid.UUID, endpoint, ip string, status int, at time.Time) {
	t.Helper()
	err := fake.InsertUsage(context.Background(), &models.APIKeyUsage{
		ID:         uuid.New(),
		APIKeyID:   keyID,
		Endpoint:   endpoint,
		Method:     "POST",
		StatusCode: status,
		IP:         ip,
		CreatedAt:  at,
	})
	require.NoError(t, err)
}

func TestSpikeCheck(t *testing.T) {
	d, _, _ := testDetector(t)
	d.threshold.SpikePerMinute = 5
	keyID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ev, err := d.checkSpike(ctx, keyID, "0.0.100")
		require.NoError(t, err)
		assert.Nil(t, ev)
	}

	ev, err := d.checkSpike(ctx, keyID, "0.0.100")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.AnomalySpike, ev.Type)
	assert.Equal(t, models.SeverityHigh, ev.Severity)
}

func TestSpikeCheckHourlyMedium(t *testing.T) {
	d, _, _ := testDetector(t)
	d.threshold.SpikePerMinute = 1000
	d.threshold.SpikePerHour = 3
	keyID := uuid.New()
	ctx := context.Background()

	var ev *models.AnomalyEvent
	var err error
	for i := 0; i < 4; i++ {
		ev, err = d.checkSpike(ctx, keyID, "0.0.100")
		require.NoError(t, err)
	}
	require.NotNil(t, ev)
	assert.Equal(t, models.SeverityMedium, ev.Severity)
}

func TestNewLocationColdStart(t *testing.T) {
	d, fake, _ := testDetector(t)
	keyID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	// First IP ever seen for the key: no alert, but the IP becomes known.
	recordUsage(t, fake, keyID, "/a", "203.0.113.1", 200, now)
	ev, err := d.checkNewLocation(ctx, keyID, "0.0.100")
	require.NoError(t, err)
	assert.Nil(t, ev)

	// A second distinct IP against a non-empty known set alerts.
	recordUsage(t, fake, keyID, "/a", "198.51.100.7", 200, now)
	ev, err = d.checkNewLocation(ctx, keyID, "0.0.100")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.AnomalyNewLocation, ev.Type)
	assert.Equal(t, models.SeverityLow, ev.Severity)
	assert.Equal(t, []string{"198.51.100.7"}, ev.Details["new_ips"])

	// The new IP is now known, so a repeat does not re-alert.
	ev, err = d.checkNewLocation(ctx, keyID, "0.0.100")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestErrorRateCheck(t *testing.T) {
	d, fake, _ := testDetector(t)
	keyID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	// 9 samples, all failing: under the minimum sample size, no alert.
	for i := 0; i < 9; i++ {
		recordUsage(t, fake, keyID, "/a", "203.0.113.1", 500, now)
	}
	ev, err := d.checkErrorRate(ctx, keyID, "0.0.100")
	require.NoError(t, err)
	assert.Nil(t, ev)

	// Tenth sample crosses the sample floor with a 100% error rate.
	recordUsage(t, fake, keyID, "/a", "203.0.113.1", 500, now)
	ev, err = d.checkErrorRate(ctx, keyID, "0.0.100")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.AnomalyErrorRate, ev.Type)
	assert.Equal(t, models.SeverityMedium, ev.Severity)
}

func TestErrorRateUnderThreshold(t *testing.T) {
	d, fake, _ := testDetector(t)
	keyID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	// 20 samples, 20% errors, threshold 50%: quiet.
	for i := 0; i < 20; i++ {
		status := 200
		if i < 4 {
			status = 502
		}
		recordUsage(t, fake, keyID, "/a", "203.0.113.1", status, now)
	}
	ev, err := d.checkErrorRate(ctx, keyID, "0.0.100")
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestUnusualPatternEndpoints(t *testing.T) {
	d, fake, _ := testDetector(t)
	d.threshold.UniqueEndpoints = 3
	keyID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, ep := range []string{"/a", "/b", "/c", "/d"} {
		recordUsage(t, fake, keyID, ep, "203.0.113.1", 200, now)
	}
	ev, err := d.checkUnusualPattern(ctx, keyID, "0.0.100")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.AnomalyUnusualPattern, ev.Type)
	assert.Equal(t, models.SeverityLow, ev.Severity)
}

func TestUnusualPatternHourlyAverage(t *testing.T) {
	d, fake, _ := testDetector(t)
	keyID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	avgKey := cache.HourlyAverageKey(keyID, now.UTC().Hour())
	require.NoError(t, d.cache.SetFloat(ctx, avgKey, 10, time.Hour))

	// 40 requests against a smoothed average of 10 is past the 3x bar.
	for i := 0; i < 40; i++ {
		recordUsage(t, fake, keyID, "/a", "203.0.113.1", 200, now)
	}
	ev, err := d.checkUnusualPattern(ctx, keyID, "0.0.100")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, models.SeverityMedium, ev.Severity)

	// The average absorbs the observation: 0.9*10 + 0.1*40.
	avg, ok, err := d.cache.GetFloat(ctx, avgKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 13.0, avg, 0.001)
}

func TestUnusualPatternSeedsAverage(t *testing.T) {
	d, fake, _ := testDetector(t)
	keyID := uuid.New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 50; i++ {
		recordUsage(t, fake, keyID, "/a", "203.0.113.1", 200, now)
	}

	// No history yet: the first observation seeds the average, no alert.
	ev, err := d.checkUnusualPattern(ctx, keyID, "0.0.100")
	require.NoError(t, err)
	assert.Nil(t, ev)

	avg, ok, err := d.cache.GetFloat(ctx, cache.HourlyAverageKey(keyID, now.UTC().Hour()))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 50.0, avg, 0.001)
}

func TestAnalyzeMergesConcurrentChecks(t *testing.T) {
	d, fake, _ := testDetector(t)
	d.threshold.SpikePerMinute = 0 // any request is a spike
	keyID := uuid.New()
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		recordUsage(t, fake, keyID, "/a", "203.0.113.1", 500, now)
	}

	events := d.Analyze(context.Background(), keyID, "0.0.100")
	types := make(map[string]bool)
	for _, ev := range events {
		types[ev.Type] = true
	}
	assert.True(t, types[models.AnomalySpike])
	assert.True(t, types[models.AnomalyErrorRate])
}

func TestAnalyzeFailsOpen(t *testing.T) {
	d, fake, mr := testDetector(t)
	fake.ErrUsage = assert.AnError
	mr.Close()

	events := d.Analyze(context.Background(), uuid.New(), "0.0.100")
	assert.Empty(t, events)
}
