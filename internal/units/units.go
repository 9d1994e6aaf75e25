// Package units provides shared constants and conversions for speed and
// distance display
package units

import "fmt"

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

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
	return "mps, mph, kmph, kph"
}

// ConvertSpeed converts a speed from meters per second to the target units.
// Tracker state stores speeds in m/s.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return speedMPS
	case MPH:
		return speedMPS * 2.2369362920544
	case KMPH, KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

// FormatDistance renders an accumulated distance in meters for display,
// switching to kilometers (or miles for mph) past 1000m.
func FormatDistance(meters float64, targetUnits string) string {
	if targetUnits == MPH {
		miles := meters / 1609.344
		if miles < 0.1 {
			return fmt.Sprintf("%.0f ft", meters*3.28084)
		}
		return fmt.Sprintf("%.2f mi", miles)
	}
	if meters < 1000 {
		return fmt.Sprintf("%.0f m", meters)
	}
	return fmt.Sprintf("%.2f km", meters/1000)
}
