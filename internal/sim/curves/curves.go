// Package curves holds the saturating and dampening functions every other
// simulation package is built on. All functions are pure.
package curves

import "math"

// Saturate returns x/(x+k). The result is in [0,1) for k > 0 and never
// reaches 1. Non-positive x yields 0.
func Saturate(x, k float64) float64 {
	if x <= 0 || k <= 0 {
		return 0
	}
	return x / (x + k)
}

// EnergyFactor is x/(x+knee).
func EnergyFactor(x, knee float64) float64 {
	return Saturate(x, knee)
}

// MaintenanceFactor is sqrt(x)/(sqrt(x)+knee).
func MaintenanceFactor(x, knee float64) float64 {
	if x <= 0 {
		return 0
	}
	return Saturate(math.Sqrt(x), knee)
}

// StabilityFactor is ln(x+1)/ln(x+1+knee).
func StabilityFactor(x, knee float64) float64 {
	if x <= 0 || knee <= 0 {
		return 0
	}
	return math.Log1p(x) / math.Log(x+1+knee)
}

// Dampening is the product of the three resource factors.
func Dampening(energy, maintenance, stability float64, p Params) float64 {
	return EnergyFactor(energy, p.EnergyKnee) *
		MaintenanceFactor(maintenance, p.MaintenanceKnee) *
		StabilityFactor(stability, p.StabilityKnee)
}

// TimeDilate scales an offline gap measured in hours: ln(hours+1).
func TimeDilate(hours float64) float64 {
	if hours <= 0 {
		return 0
	}
	return math.Log1p(hours)
}

// OfflineGain is output × TimeDilate(hours).
func OfflineGain(output, hours float64) float64 {
	if output <= 0 {
		return 0
	}
	return output * TimeDilate(hours)
}

// Output is the composed town output at unit knees:
// base × Saturate(P,k) × E/(E+1) × √M/(√M+1) × ln(S+1)/ln(S+2).
func Output(base, energy, maintenance, stability, pressure, k float64) float64 {
	return OutputWith(base, energy, maintenance, stability, pressure, DefaultParams().withK(k))
}

// OutputWith is Output under arbitrary (possibly biased) parameters.
func OutputWith(base, energy, maintenance, stability, pressure float64, p Params) float64 {
	if base <= 0 {
		return 0
	}
	return base * Saturate(pressure, p.PopulationK) * Dampening(energy, maintenance, stability, p)
}

// MaintenanceCost is beta × effectivePopulation².
func MaintenanceCost(effectivePopulation, beta float64) float64 {
	return beta * effectivePopulation * effectivePopulation
}

// Finite reports whether every value is a finite, non-negative number.
func Finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return true
}

func Clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
