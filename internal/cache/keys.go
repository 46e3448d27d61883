package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func RateLimitKey(identifier, endpoint string) string {
	if endpoint == "" {
		return fmt.Sprintf("ratelimit:%s", identifier)
	}
	return fmt.Sprintf("ratelimit:%s:%s", identifier, endpoint)
}

func SpikeMinuteKey(apiKeyID uuid.UUID) string {
	return fmt.Sprintf("anomaly:spike:min:%s", apiKeyID)
}

func SpikeHourKey(apiKeyID uuid.UUID) string {
	return fmt.Sprintf("anomaly:spike:hour:%s", apiKeyID)
}

func KnownIPsKey(apiKeyID uuid.UUID) string {
	return fmt.Sprintf("anomaly:known_ips:%s", apiKeyID)
}

func HourlyAverageKey(apiKeyID uuid.UUID, hourOfDay int) string {
	return fmt.Sprintf("anomaly:hourly_avg:%s:%02d", apiKeyID, hourOfDay)
}

func ExchangeRateKey() string {
	return "chain:hbar_usd_rate"
}
