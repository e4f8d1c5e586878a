package models

import "fmt"

type TierID string

const (
	TierEconomy TierID = "economy"
	TierPremium TierID = "premium"
	TierMoto    TierID = "moto"
)

type VehicleClass string

const (
	VehicleCar     VehicleClass = "car"
	VehiclePremium VehicleClass = "premium"
	VehicleMoto    VehicleClass = "moto"
)

// Tier is static catalog data; rendering concerns live elsewhere.
type Tier struct {
	ID         TierID
	Label      string
	Multiplier float64
	MinSeats   int
	Vehicle    VehicleClass
}

var tiers = []Tier{
	{ID: TierEconomy, Label: "Economy", Multiplier: 1.0, MinSeats: 4, Vehicle: VehicleCar},
	{ID: TierPremium, Label: "Premium", Multiplier: 1.8, MinSeats: 4, Vehicle: VehiclePremium},
	{ID: TierMoto, Label: "Moto", Multiplier: 0.6, MinSeats: 1, Vehicle: VehicleMoto},
}

// Tiers returns the catalog in display order.
func Tiers() []Tier {
	out := make([]Tier, len(tiers))
	copy(out, tiers)
	return out
}

func LookupTier(id TierID) (Tier, error) {
	for _, t := range tiers {
		if t.ID == id {
			return t, nil
		}
	}
	return Tier{}, fmt.Errorf("unknown tier %q", id)
}

// TierFor resolves the tier a ride type may use; deliveries always go by moto.
func TierFor(rt RideType, requested TierID) (Tier, error) {
	if rt == RideTypeDelivery {
		return LookupTier(TierMoto)
	}
	if requested == "" {
		requested = TierEconomy
	}
	return LookupTier(requested)
}
