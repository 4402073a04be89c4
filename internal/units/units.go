// Package units provides shared constants and conversions for distance units
package units

// Distance unit constants
const (
	KM = "km"
	MI = "mi"
)

// CounterUnitsPerKm is the odometer counter scale reported by the vehicle
// controllers: 100 counter units make one kilometre.
const CounterUnitsPerKm = 100

const kmPerMile = 1.609344

// ValidUnits contains all valid unit values
var ValidUnits = []string{KM, MI}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "km, mi"
}

// CounterUnitsToKm converts raw odometer counter units to kilometres.
func CounterUnitsToKm(units int64) float64 {
	return float64(units) / CounterUnitsPerKm
}

// KmToCounterUnits converts kilometres to the nearest whole number of
// odometer counter units.
func KmToCounterUnits(km float64) int64 {
	u := km * CounterUnitsPerKm
	if u < 0 {
		return int64(u - 0.5)
	}
	return int64(u + 0.5)
}

// ConvertDistance converts a distance in kilometres to the target units.
// Distances are stored in kilometres.
func ConvertDistance(km float64, targetUnits string) float64 {
	switch targetUnits {
	case MI:
		return km / kmPerMile
	default:
		return km // default to km if unknown unit
	}
}
