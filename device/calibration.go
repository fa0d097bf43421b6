package device

// Calibration converts a raw resistor reading into a physical unit.
// The zero value is the identity transform.
type Calibration struct {
	linear    bool
	slope     float64
	intercept float64
}

// Identity returns the calibration that leaves readings unchanged.
func Identity() Calibration {
	return Calibration{}
}

// Linear returns the calibration slope*raw + intercept.
func Linear(slope, intercept float64) Calibration {
	return Calibration{linear: true, slope: slope, intercept: intercept}
}

// IsIdentity reports whether c has no coefficients.
func (c Calibration) IsIdentity() bool {
	return !c.linear
}

// Coefficients returns the slope and intercept; ok is false for the identity.
func (c Calibration) Coefficients() (slope, intercept float64, ok bool) {
	return c.slope, c.intercept, c.linear
}

// Apply calibrates a single raw value.
func (c Calibration) Apply(raw float64) float64 {
	if !c.linear {
		return raw
	}
	return c.slope*raw + c.intercept
}
