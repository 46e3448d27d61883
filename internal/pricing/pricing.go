package pricing

import (
	"math"
	"time"
)

// CostContext carries the optional inputs that adjust an operation's price.
// Now defaults to the current UTC time; tests pin it.
type CostContext struct {
	Network           string
	PayloadSizeKB     float64
	IsBulk            bool
	UserTotalConsumed int64
	Now               time.Time
}

// Engine prices operations and purchases against one tariff.
type Engine struct {
	tariff *Tariff
}

// NewEngine creates a pricing engine for the given tariff.
func NewEngine(t *Tariff) *Engine {
	return &Engine{tariff: t}
}

// Tariff returns the engine's tariff for display purposes.
func (e *Engine) Tariff() *Tariff {
	return e.tariff
}

// OperationCost returns the credit cost of one operation invocation.
//
// Unknown operations cost 0: callers treat them as free rather than failing
// closed, so new tools keep working before they are priced. An operation
// with base cost 0 is always 0 regardless of multipliers. All other results
// round up to a whole credit.
func (e *Engine) OperationCost(name string, cc CostContext) int64 {
	op, ok := e.tariff.Operations[name]
	if !ok {
		return 0
	}
	if op.BaseCostUSD == 0 {
		return 0
	}

	usd := op.BaseCostUSD
	if cc.Network != "" && op.NetworkMultipliers != nil {
		if m, ok := op.NetworkMultipliers[cc.Network]; ok {
			usd *= m
		}
	}
	credits := usd * e.tariff.CreditsPerUSD
	if op.SizeSurchargeUSDKB > 0 && cc.PayloadSizeKB > 0 {
		credits += op.SizeSurchargeUSDKB * cc.PayloadSizeKB * e.tariff.CreditsPerUSD
	}

	if cc.IsBulk && e.tariff.Rules.BulkDiscount > 0 {
		credits *= e.tariff.Rules.BulkDiscount
	}
	credits *= e.tariff.loyaltyDiscount(cc.UserTotalConsumed)

	now := cc.Now
	if now.IsZero() {
		now = time.Now()
	}
	if e.inPeakWindow(now.UTC()) {
		credits *= e.tariff.Rules.PeakHours.Surcharge
	}

	return int64(math.Ceil(credits))
}

func (e *Engine) inPeakWindow(now time.Time) bool {
	pw := e.tariff.Rules.PeakHours
	if pw.Surcharge <= 1 {
		return false
	}
	h := now.Hour()
	if pw.StartHour <= pw.EndHour {
		return h >= pw.StartHour && h < pw.EndHour
	}
	// Window wraps midnight.
	return h >= pw.StartHour || h < pw.EndHour
}

// CreditsForHbar converts an HBAR amount to credits at the given HBAR/USD
// rate, pricing piecewise across purchase tiers: the spend fills each band's
// remaining capacity at that band's rate before spilling into the next.
func (e *Engine) CreditsForHbar(hbarAmount, hbarUSDRate float64) int64 {
	usd := hbarAmount * hbarUSDRate
	if usd <= 0 {
		return 0
	}

	var credits float64
	var bandFloor int64
	for _, tier := range e.tariff.PurchaseTiers {
		if tier.UpToCredits == 0 {
			credits += usd * tier.CreditsPerUSD
			usd = 0
			break
		}
		capacity := float64(tier.UpToCredits - bandFloor)
		bandUSD := capacity / tier.CreditsPerUSD
		if usd <= bandUSD {
			credits += usd * tier.CreditsPerUSD
			usd = 0
			break
		}
		credits += capacity
		usd -= bandUSD
		bandFloor = tier.UpToCredits
	}
	return int64(math.Floor(credits))
}

// HbarForCredits is the inverse of CreditsForHbar: the HBAR needed to buy
// the given number of credits, walking the same tier bands. The round trip
// CreditsForHbar(HbarForCredits(c, r), r) returns c within rounding.
func (e *Engine) HbarForCredits(credits int64, hbarUSDRate float64) float64 {
	if credits <= 0 || hbarUSDRate <= 0 {
		return 0
	}

	remaining := float64(credits)
	var usd float64
	var bandFloor int64
	for _, tier := range e.tariff.PurchaseTiers {
		if tier.UpToCredits == 0 {
			usd += remaining / tier.CreditsPerUSD
			remaining = 0
			break
		}
		capacity := float64(tier.UpToCredits - bandFloor)
		if remaining <= capacity {
			usd += remaining / tier.CreditsPerUSD
			remaining = 0
			break
		}
		usd += capacity / tier.CreditsPerUSD
		remaining -= capacity
		bandFloor = tier.UpToCredits
	}
	return usd / hbarUSDRate
}
