package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hashgate-io/hashgate/internal/cache"
	"github.com/hashgate-io/hashgate/internal/store"
	"github.com/hashgate-io/hashgate/pkg/models"
)

const (
	knownIPRetention = 30 * 24 * time.Hour
	hourlyAvgTTL     = 48 * time.Hour

	// An hour's traffic has to beat this multiple of its historical
	// average before it counts as unusual.
	ewmaSpikeFactor = 3.0
	ewmaSmoothing   = 0.1

	// Error-rate checks on fewer samples than this are noise.
	errorRateMinSamples = 10
)

// Thresholds tune the four usage checks.
type Thresholds struct {
	SpikePerMinute  int64
	SpikePerHour    int64
	ErrorRatePct    float64
	UniqueEndpoints int
}

// Detector scores recent API key usage. All checks fail open: if the
// counter store or the database is unreachable, the affected check logs
// and contributes nothing rather than blocking the request path.
type Detector struct {
	store     store.Store
	cache     cache.Cache
	logger    *slog.Logger
	threshold Thresholds
	now       func() time.Time
}

func NewDetector(s store.Store, c cache.Cache, th Thresholds, logger *slog.Logger) *Detector {
	return &Detector{store: s, cache: c, logger: logger, threshold: th, now: time.Now}
}

// Analyze runs the four checks concurrently and merges their findings.
// It never returns an error.
func (d *Detector) Analyze(ctx context.Context, apiKeyID uuid.UUID, accountID string) []*models.AnomalyEvent {
	checks := []func(context.Context, uuid.UUID, string) (*models.AnomalyEvent, error){
		d.checkSpike,
		d.checkNewLocation,
		d.checkErrorRate,
		d.checkUnusualPattern,
	}

	results := make([]*models.AnomalyEvent, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check func(context.Context, uuid.UUID, string) (*models.AnomalyEvent, error)) {
			defer wg.Done()
			ev, err := check(ctx, apiKeyID, accountID)
			if err != nil {
				d.logger.Error("anomaly check failed", "api_key_id", apiKeyID, "error", err)
				return
			}
			results[i] = ev
		}(i, check)
	}
	wg.Wait()

	var events []*models.AnomalyEvent
	for _, ev := range results {
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

func (d *Detector) checkSpike(ctx context.Context, apiKeyID uuid.UUID, accountID string) (*models.AnomalyEvent, error) {
	minute, err := d.cache.IncrWithExpiry(ctx, cache.SpikeMinuteKey(apiKeyID), time.Minute)
	if err != nil {
		return nil, fmt.Errorf("spike minute counter: %w", err)
	}
	hour, err := d.cache.IncrWithExpiry(ctx, cache.SpikeHourKey(apiKeyID), time.Hour)
	if err != nil {
		return nil, fmt.Errorf("spike hour counter: %w", err)
	}

	switch {
	case minute > d.threshold.SpikePerMinute:
		return d.event(models.AnomalySpike, apiKeyID, accountID, models.SeverityHigh, map[string]any{
			"window":    "minute",
			"count":     minute,
			"threshold": d.threshold.SpikePerMinute,
		}), nil
	case hour > d.threshold.SpikePerHour:
		return d.event(models.AnomalySpike, apiKeyID, accountID, models.SeverityMedium, map[string]any{
			"window":    "hour",
			"count":     hour,
			"threshold": d.threshold.SpikePerHour,
		}), nil
	}
	return nil, nil
}

// checkNewLocation compares IPs seen in the last 24h against a rolling
// 30-day known set. A key's very first observed IP never alerts; the set
// has to be non-empty before a new address counts as a location change.
func (d *Detector) checkNewLocation(ctx context.Context, apiKeyID uuid.UUID, accountID string) (*models.AnomalyEvent, error) {
	stats, err := d.store.UsageStats(ctx, apiKeyID, d.now().Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	if len(stats.IPs) == 0 {
		return nil, nil
	}

	knownKey := cache.KnownIPsKey(apiKeyID)
	known, err := d.cache.SetMembers(ctx, knownKey)
	if err != nil {
		return nil, fmt.Errorf("known ip set: %w", err)
	}
	knownSet := make(map[string]struct{}, len(known))
	for _, ip := range known {
		knownSet[ip] = struct{}{}
	}

	var fresh []string
	for _, ip := range stats.IPs {
		if _, ok := knownSet[ip]; !ok {
			fresh = append(fresh, ip)
		}
	}
	if err := d.cache.AddToSet(ctx, knownKey, stats.IPs, knownIPRetention); err != nil {
		return nil, fmt.Errorf("known ip set: %w", err)
	}
	if len(fresh) == 0 || len(known) == 0 {
		// Cold start: everything is new, nothing is suspicious.
		return nil, nil
	}
	return d.event(models.AnomalyNewLocation, apiKeyID, accountID, models.SeverityLow, map[string]any{
		"new_ips": fresh,
		"known":   len(known),
	}), nil
}

func (d *Detector) checkErrorRate(ctx context.Context, apiKeyID uuid.UUID, accountID string) (*models.AnomalyEvent, error) {
	stats, err := d.store.UsageStats(ctx, apiKeyID, d.now().Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	if stats.Total < errorRateMinSamples {
		return nil, nil
	}
	rate := float64(stats.Errors) / float64(stats.Total) * 100
	if rate <= d.threshold.ErrorRatePct {
		return nil, nil
	}
	return d.event(models.AnomalyErrorRate, apiKeyID, accountID, models.SeverityMedium, map[string]any{
		"total":      stats.Total,
		"errors":     stats.Errors,
		"error_rate": rate,
		"threshold":  d.threshold.ErrorRatePct,
	}), nil
}

// checkUnusualPattern flags a key whose trailing hour touches too many
// distinct endpoints, or whose current-hour volume runs well past the
// exponentially smoothed average for this hour of day.
func (d *Detector) checkUnusualPattern(ctx context.Context, apiKeyID uuid.UUID, accountID string) (*models.AnomalyEvent, error) {
	stats, err := d.store.UsageStats(ctx, apiKeyID, d.now().Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	if d.threshold.UniqueEndpoints > 0 && stats.UniqueEndpoints > d.threshold.UniqueEndpoints {
		return d.event(models.AnomalyUnusualPattern, apiKeyID, accountID, models.SeverityLow, map[string]any{
			"unique_endpoints": stats.UniqueEndpoints,
			"threshold":        d.threshold.UniqueEndpoints,
		}), nil
	}

	hourOfDay := d.now().UTC().Hour()
	avgKey := cache.HourlyAverageKey(apiKeyID, hourOfDay)
	avg, seen, err := d.cache.GetFloat(ctx, avgKey)
	if err != nil {
		return nil, fmt.Errorf("hourly average: %w", err)
	}

	count := float64(stats.Total)
	var ev *models.AnomalyEvent
	if seen && avg > 0 && count > ewmaSpikeFactor*avg {
		ev = d.event(models.AnomalyUnusualPattern, apiKeyID, accountID, models.SeverityMedium, map[string]any{
			"hour_of_day": hourOfDay,
			"count":       stats.Total,
			"average":     avg,
		})
	}

	next := count
	if seen {
		next = (1-ewmaSmoothing)*avg + ewmaSmoothing*count
	}
	if err := d.cache.SetFloat(ctx, avgKey, next, hourlyAvgTTL); err != nil {
		return nil, fmt.Errorf("hourly average: %w", err)
	}
	return ev, nil
}

func (d *Detector) event(typ string, apiKeyID uuid.UUID, accountID, severity string, details map[string]any) *models.AnomalyEvent {
	return &models.AnomalyEvent{
		ID:        uuid.New(),
		Type:      typ,
		APIKeyID:  apiKeyID,
		AccountID: accountID,
		Severity:  severity,
		Details:   details,
		CreatedAt: d.now(),
	}
}
