package nursery

// Band is an inclusive target range for an environment reading.
type Band struct {
	Min float64
	Max float64
}

// Assessment classifies a reading against a target band.
type Assessment int

const (
	BelowBand Assessment = iota - 1
	InBand
	AboveBand
)

// Assess is a pure function: it compares value against the band and reports
// which side it falls on. Actuation decisions stay with the caller.
func Assess(value float64, b Band) Assessment {
	switch {
	case value < b.Min:
		return BelowBand
	case value > b.Max:
		return AboveBand
	default:
		return InBand
	}
}

// ValidReading reports whether a sensor value is physically plausible.
// Values outside this window indicate a wiring or sensor fault rather than
// an environment problem.
func ValidReading(value float64) bool {
	return value >= -40 && value <= 200
}

// DefaultBand is the fallback target range applied when no per-variety
// configuration is available. Matches the greenhouse temperature defaults;
// per-sensor bands come from configuration.
func DefaultBand() Band {
	return Band{Min: 20.0, Max: 28.0}
}
