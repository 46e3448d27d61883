// Package pricing computes credit costs and HBAR<->credit conversions from a
// declarative tariff. It holds no state and performs no I/O beyond loading
// the tariff file at startup.
package pricing

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// OperationPricing prices one named operation. NetworkMultipliers and the
// size surcharge are optional; absent means no adjustment.
type OperationPricing struct {
	Category           string             `yaml:"category" json:"category"`
	BaseCostUSD        float64            `yaml:"base_cost_usd" json:"base_cost_usd"`
	NetworkMultipliers map[string]float64 `yaml:"network_multipliers,omitempty" json:"network_multipliers,omitempty"`
	SizeSurchargeUSDKB float64            `yaml:"size_surcharge_usd_per_kb,omitempty" json:"size_surcharge_usd_per_kb,omitempty"`
}

// PurchaseTier is one contiguous credit band with its own credits-per-USD
// rate. UpToCredits = 0 marks the open-ended final tier.
type PurchaseTier struct {
	Name          string  `yaml:"name" json:"name"`
	UpToCredits   int64   `yaml:"up_to_credits" json:"up_to_credits"`
	CreditsPerUSD float64 `yaml:"credits_per_usd" json:"credits_per_usd"`
}

// LoyaltyTier applies a discount factor once an account's lifetime
// consumption reaches Threshold.
type LoyaltyTier struct {
	Name      string  `yaml:"name" json:"name"`
	Threshold int64   `yaml:"threshold" json:"threshold"`
	Discount  float64 `yaml:"discount" json:"discount"`
}

// PeakWindow is a UTC hour range [StartHour, EndHour) during which the
// surcharge factor applies.
type PeakWindow struct {
	StartHour int     `yaml:"start_hour" json:"start_hour"`
	EndHour   int     `yaml:"end_hour" json:"end_hour"`
	Surcharge float64 `yaml:"surcharge" json:"surcharge"`
}

// Rules are the cross-operation pricing adjustments.
type Rules struct {
	BulkDiscount float64       `yaml:"bulk_discount" json:"bulk_discount"`
	PeakHours    PeakWindow    `yaml:"peak_hours" json:"peak_hours"`
	LoyaltyTiers []LoyaltyTier `yaml:"loyalty_tiers" json:"loyalty_tiers"`
}

// Tariff is the full pricing configuration. Static per deployment,
// read-only to the rest of the service.
type Tariff struct {
	CreditsPerUSD float64                     `yaml:"credits_per_usd" json:"credits_per_usd"`
	Operations    map[string]OperationPricing `yaml:"operations" json:"operations"`
	PurchaseTiers []PurchaseTier              `yaml:"purchase_tiers" json:"purchase_tiers"`
	Rules         Rules                       `yaml:"rules" json:"rules"`
}

// Default returns the compiled-in tariff used when no tariff file is
// configured.
func Default() *Tariff {
	return &Tariff{
		CreditsPerUSD: 100,
		Operations: map[string]OperationPricing{
			"health_check":     {Category: "free", BaseCostUSD: 0},
			"get_account_info": {Category: "query", BaseCostUSD: 0.01},
			"query_balance":    {Category: "query", BaseCostUSD: 0.005},
			"transfer_hbar": {
				Category:    "transaction",
				BaseCostUSD: 0.05,
				NetworkMultipliers: map[string]float64{
					"mainnet": 1.5, "testnet": 1.0, "previewnet": 1.0,
				},
			},
			"create_topic": {
				Category:    "transaction",
				BaseCostUSD: 0.10,
				NetworkMultipliers: map[string]float64{
					"mainnet": 1.5, "testnet": 1.0, "previewnet": 1.0,
				},
			},
			"submit_message": {
				Category:           "transaction",
				BaseCostUSD:        0.02,
				SizeSurchargeUSDKB: 0.001,
			},
			"create_token": {
				Category:    "premium",
				BaseCostUSD: 0.50,
				NetworkMultipliers: map[string]float64{
					"mainnet": 2.0, "testnet": 1.0, "previewnet": 1.0,
				},
			},
		},
		PurchaseTiers: []PurchaseTier{
			{Name: "starter", UpToCredits: 1_000, CreditsPerUSD: 100},
			{Name: "growth", UpToCredits: 10_000, CreditsPerUSD: 110},
			{Name: "scale", UpToCredits: 0, CreditsPerUSD: 125},
		},
		Rules: Rules{
			BulkDiscount: 0.90,
			PeakHours:    PeakWindow{StartHour: 14, EndHour: 20, Surcharge: 1.25},
			LoyaltyTiers: []LoyaltyTier{
				{Name: "bronze", Threshold: 10_000, Discount: 0.95},
				{Name: "silver", Threshold: 50_000, Discount: 0.90},
				{Name: "gold", Threshold: 200_000, Discount: 0.85},
			},
		},
	}
}

// LoadFile reads a tariff from a YAML file and validates it.
func LoadFile(path string) (*Tariff, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tariff file: %w", err)
	}
	var t Tariff
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse tariff file: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, fmt.Errorf("invalid tariff %s: %w", path, err)
	}
	return &t, nil
}

func (t *Tariff) validate() error {
	if t.CreditsPerUSD <= 0 {
		return fmt.Errorf("credits_per_usd must be positive")
	}
	if len(t.PurchaseTiers) == 0 {
		return fmt.Errorf("at least one purchase tier is required")
	}
	for i, tier := range t.PurchaseTiers {
		if tier.CreditsPerUSD <= 0 {
			return fmt.Errorf("tier %q: credits_per_usd must be positive", tier.Name)
		}
		last := i == len(t.PurchaseTiers)-1
		if last {
			if tier.UpToCredits != 0 {
				return fmt.Errorf("final tier %q must be open-ended (up_to_credits: 0)", tier.Name)
			}
			continue
		}
		if tier.UpToCredits <= 0 {
			return fmt.Errorf("tier %q: up_to_credits must be positive", tier.Name)
		}
		if i > 0 && tier.UpToCredits <= t.PurchaseTiers[i-1].UpToCredits {
			return fmt.Errorf("tier %q: bands must be strictly increasing", tier.Name)
		}
	}
	if t.Rules.PeakHours.StartHour < 0 || t.Rules.PeakHours.StartHour > 23 ||
		t.Rules.PeakHours.EndHour < 0 || t.Rules.PeakHours.EndHour > 24 {
		return fmt.Errorf("peak hours out of range")
	}
	return nil
}

// loyaltyDiscount returns the discount factor of the highest tier whose
// threshold the account has reached, or 1 if none.
func (t *Tariff) loyaltyDiscount(totalConsumed int64) float64 {
	tiers := make([]LoyaltyTier, len(t.Rules.LoyaltyTiers))
	copy(tiers, t.Rules.LoyaltyTiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Threshold > tiers[j].Threshold })
	for _, lt := range tiers {
		if totalConsumed >= lt.Threshold {
			return lt.Discount
		}
	}
	return 1
}
