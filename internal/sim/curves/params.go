package curves

import "sort"

// BiasKey names a curve parameter that milestones and zones may shift.
type BiasKey string

const (
	BiasPopulationK       BiasKey = "population_k"
	BiasEnergyKnee        BiasKey = "energy_knee"
	BiasMaintenanceKnee   BiasKey = "maintenance_knee"
	BiasStabilityKnee     BiasKey = "stability_knee"
	BiasEnergyAlpha       BiasKey = "energy_alpha"
	BiasMaintenanceBeta   BiasKey = "maintenance_beta"
	BiasActivitySmoothing BiasKey = "activity_smoothing"
	BiasDecayRate         BiasKey = "decay_rate"
	BiasPressureDecay     BiasKey = "pressure_decay"
)

var biasKeys = []BiasKey{
	BiasPopulationK,
	BiasEnergyKnee,
	BiasMaintenanceKnee,
	BiasStabilityKnee,
	BiasEnergyAlpha,
	BiasMaintenanceBeta,
	BiasActivitySmoothing,
	BiasDecayRate,
	BiasPressureDecay,
}

func KnownBiasKey(k BiasKey) bool {
	for _, b := range biasKeys {
		if b == k {
			return true
		}
	}
	return false
}

// minKnee keeps every saturation constant strictly positive no matter how
// many negative biases are stacked.
const minKnee = 0.01

// Params are the curve constants for one step. Base values come from tuning
// and are never mutated; biased values are derived with With.
type Params struct {
	PopulationK       float64 `json:"population_k"`
	EnergyKnee        float64 `json:"energy_knee"`
	MaintenanceKnee   float64 `json:"maintenance_knee"`
	StabilityKnee     float64 `json:"stability_knee"`
	EnergyAlpha       float64 `json:"energy_alpha"`
	MaintenanceBeta   float64 `json:"maintenance_beta"`
	ActivitySmoothing float64 `json:"activity_smoothing"`
	DecayRate         float64 `json:"decay_rate"`
	PressureDecay     float64 `json:"pressure_decay"`
}

func DefaultParams() Params {
	return Params{
		PopulationK:       10,
		EnergyKnee:        1,
		MaintenanceKnee:   1,
		StabilityKnee:     1,
		EnergyAlpha:       0.0005,
		MaintenanceBeta:   0.02,
		ActivitySmoothing: 0.1,
		DecayRate:         0,
		PressureDecay:     0.005,
	}
}

func (p Params) withK(k float64) Params {
	p.PopulationK = k
	return p
}

// With returns p shifted by every delta in o. Deltas are additive; the
// result is clamped so knees stay positive and rates stay non-negative.
func (p Params) With(o Overlay) Params {
	if len(o) == 0 {
		return p
	}
	p.PopulationK = atLeast(p.PopulationK+o[BiasPopulationK], minKnee)
	p.EnergyKnee = atLeast(p.EnergyKnee+o[BiasEnergyKnee], minKnee)
	p.MaintenanceKnee = atLeast(p.MaintenanceKnee+o[BiasMaintenanceKnee], minKnee)
	p.StabilityKnee = atLeast(p.StabilityKnee+o[BiasStabilityKnee], minKnee)
	p.EnergyAlpha = atLeast(p.EnergyAlpha+o[BiasEnergyAlpha], 0)
	p.MaintenanceBeta = atLeast(p.MaintenanceBeta+o[BiasMaintenanceBeta], 0)
	p.ActivitySmoothing = atLeast(p.ActivitySmoothing+o[BiasActivitySmoothing], 0)
	p.DecayRate = p.DecayRate + o[BiasDecayRate]
	p.PressureDecay = atLeast(p.PressureDecay+o[BiasPressureDecay], 0)
	return p
}

func atLeast(v, floor float64) float64 {
	if v < floor {
		return floor
	}
	return v
}

// Overlay is a table of additive bias deltas layered on top of base Params.
type Overlay map[BiasKey]float64

func (o Overlay) Add(k BiasKey, delta float64) {
	o[k] += delta
}

// Merge returns a new overlay holding the sum of o and every other.
func (o Overlay) Merge(others ...Overlay) Overlay {
	out := make(Overlay, len(o))
	for k, v := range o {
		out[k] = v
	}
	for _, other := range others {
		for k, v := range other {
			out[k] += v
		}
	}
	return out
}

func (o Overlay) Clone() Overlay {
	if o == nil {
		return nil
	}
	out := make(Overlay, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Keys returns the overlay keys in a stable order.
func (o Overlay) Keys() []BiasKey {
	keys := make([]BiasKey, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
