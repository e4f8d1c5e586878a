package fare

import (
	"math"

	"github.com/example/ride-session/internal/models"
)

// BaseRatePerKm is the per-kilometre rate before the tier multiplier, in
// currency units.
const BaseRatePerKm = 40.0

// Quote prices a trip. The minimum fare is a floor, never a discount, and
// credit can only bring the final price down to zero.
func Quote(distanceKm, tierMultiplier float64, minimumFare, availableCredit int64) models.FareQuote {
	if math.IsNaN(distanceKm) || distanceKm < 0 {
		distanceKm = 0
	}
	if availableCredit < 0 {
		availableCredit = 0
	}
	base := distanceKm * BaseRatePerKm * tierMultiplier
	// absorb float noise so 720.0000000001 does not bill as 721
	original := int64(math.Ceil(base - 1e-9))
	if original < minimumFare {
		original = minimumFare
	}
	final := original - availableCredit
	if final < 0 {
		final = 0
	}
	return models.FareQuote{OriginalPrice: original, FinalPrice: final, CreditUsed: original - final}
}

// Calculator holds the externally supplied minimum fares.
type Calculator struct {
	MinRidePrice   int64
	MinDeliveryFee int64
}

func (c Calculator) MinimumFare(rt models.RideType) int64 {
	if rt == models.RideTypeDelivery {
		return c.MinDeliveryFee
	}
	return c.MinRidePrice
}

// TierQuote is a quote for one tier of the catalog.
type TierQuote struct {
	Tier  models.Tier
	Quote models.FareQuote
}

func (c Calculator) QuoteTier(distanceKm float64, rt models.RideType, tier models.Tier, credit int64) models.FareQuote {
	return Quote(distanceKm, tier.Multiplier, c.MinimumFare(rt), credit)
}

// QuoteAll prices every tier available for the ride type.
func (c Calculator) QuoteAll(distanceKm float64, rt models.RideType, credit int64) []TierQuote {
	var out []TierQuote
	for _, t := range models.Tiers() {
		if rt == models.RideTypeDelivery && t.ID != models.TierMoto {
			continue
		}
		out = append(out, TierQuote{Tier: t, Quote: c.QuoteTier(distanceKm, rt, t, credit)})
	}
	return out
}
