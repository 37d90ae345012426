// Package ledger owns the global resource stockpiles and the pure step
// function that folds zone contributions into them.
package ledger

import (
	"errors"
	"fmt"
	"math"

	"hearthwake.ai/internal/sim/curves"
)

var ErrInvalidState = errors.New("invalid state")

const secondsPerHour = 3600

// Ledger is the single set of global resources. Values are never negative.
type Ledger struct {
	Resources
	PopulationPressure float64 `json:"population_pressure"`

	// Last online observations, used as the offline catch-up proxy.
	OutputEstimate float64   `json:"output_estimate"` // final output per simulated hour
	OutputMix      Resources `json:"output_mix"`
	PressureTrend  float64   `json:"pressure_trend"` // net pressure change per simulated hour
}

func New(start Resources, pressure float64) Ledger {
	return Ledger{Resources: start, PopulationPressure: pressure}
}

func (l Ledger) Validate() error {
	if !curves.Finite(l.Energy, l.Maintenance, l.Stability, l.Attractiveness, l.PopulationPressure, l.OutputEstimate) {
		return fmt.Errorf("ledger %+v: %w", l, ErrInvalidState)
	}
	if math.IsNaN(l.PressureTrend) || math.IsInf(l.PressureTrend, 0) {
		return fmt.Errorf("ledger pressure trend %v: %w", l.PressureTrend, ErrInvalidState)
	}
	return nil
}

func (l Ledger) EffectivePopulation(k float64) float64 {
	return curves.Saturate(l.PopulationPressure, k)
}

// Contribution is what one zone proposes for one step. Everything is already
// scaled by the zone's throughput and dt.
type Contribution struct {
	ZoneID      string         `json:"zone_id"`
	Throughput  float64        `json:"throughput"`
	Output      Resources      `json:"output"`
	Upkeep      Resources      `json:"upkeep"`
	Attraction  float64        `json:"attraction"`
	Strain      float64        `json:"strain"`
	Decay       float64        `json:"decay"`
	Modifiers   curves.Overlay `json:"modifiers,omitempty"`
	WentDormant bool           `json:"went_dormant,omitempty"`
}

func (c Contribution) validate() error {
	o, u := c.Output, c.Upkeep
	if !curves.Finite(c.Throughput, c.Attraction, c.Strain, c.Decay,
		o.Energy, o.Maintenance, o.Stability, o.Attractiveness,
		u.Energy, u.Maintenance, u.Stability, u.Attractiveness) {
		return fmt.Errorf("contribution from %q: %w", c.ZoneID, ErrInvalidState)
	}
	for k, v := range c.Modifiers {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("contribution from %q modifier %s: %w", c.ZoneID, k, ErrInvalidState)
		}
	}
	return nil
}

// Rules are the ledger-level constants that are not curve parameters.
type Rules struct {
	Curves         curves.Params
	PassiveEnergy  float64 // energy per second granted regardless of zones
	StockpileDecay float64 // fraction of attractiveness/stability lost per second
}

type StepResult struct {
	Ledger              Ledger        `json:"ledger"`
	Output              Resources     `json:"output"`
	Upkeep              Resources     `json:"upkeep"`
	EnergyCost          float64       `json:"energy_cost"`
	MaintenanceCost     float64       `json:"maintenance_cost"`
	EffectivePopulation float64       `json:"effective_population"`
	Dampening           float64       `json:"dampening"`
	Starved             []Kind        `json:"starved,omitempty"`
	Params              curves.Params `json:"params"`
}

// Apply folds contributions into l over dt seconds. It is a pure function of
// its arguments; l itself is not modified.
func Apply(l Ledger, contribs []Contribution, dt float64, rules Rules) (StepResult, error) {
	if math.IsNaN(dt) || math.IsInf(dt, 0) || dt < 0 {
		return StepResult{}, fmt.Errorf("dt %v: %w", dt, ErrInvalidState)
	}
	if err := l.Validate(); err != nil {
		return StepResult{}, err
	}
	if !curves.Finite(rules.PassiveEnergy, rules.StockpileDecay) {
		return StepResult{}, fmt.Errorf("rules %+v: %w", rules, ErrInvalidState)
	}

	var (
		output, upkeep            Resources
		attraction, strain, decay float64
		modifiers                 = curves.Overlay{}
	)
	for _, c := range contribs {
		if err := c.validate(); err != nil {
			return StepResult{}, err
		}
		output = output.Add(c.Output)
		upkeep = upkeep.Add(c.Upkeep)
		attraction += c.Attraction
		strain += c.Strain
		decay += c.Decay
		for k, v := range c.Modifiers {
			modifiers.Add(k, v)
		}
	}

	p := rules.Curves.With(modifiers)
	res := StepResult{Params: p, Upkeep: upkeep}
	if dt == 0 {
		res.Ledger = l
		return res, nil
	}

	res.EffectivePopulation = curves.Saturate(l.PopulationPressure, p.PopulationK)
	res.Dampening = curves.Dampening(l.Energy, l.Maintenance, l.Stability, p)
	res.Output = output.Scale(res.Dampening)
	res.EnergyCost = p.EnergyAlpha * l.PopulationPressure * dt
	res.MaintenanceCost = curves.MaintenanceCost(res.EffectivePopulation, p.MaintenanceBeta) * dt

	delta := res.Output.Sub(upkeep)
	delta.Energy += rules.PassiveEnergy*dt - res.EnergyCost
	delta.Maintenance -= res.MaintenanceCost
	delta.Attractiveness -= l.Attractiveness * math.Min(1, rules.StockpileDecay*dt)
	delta.Stability -= l.Stability * math.Min(1, rules.StockpileDecay*dt)

	next := l
	for _, k := range Kinds {
		v := l.Get(k) + delta.Get(k)
		if v < 0 {
			v = 0
			res.Starved = append(res.Starved, k)
		}
		next.Set(k, v)
	}

	growth := attraction * (1 + curves.Saturate(l.Attractiveness, 1))
	dp := growth - strain - decay - p.PressureDecay*dt
	next.PopulationPressure = l.PopulationPressure + dp
	// Zero is where pressure rests once decay wins, unlike the resources,
	// so only the step that drives it to zero counts as starvation.
	if next.PopulationPressure < 0 {
		next.PopulationPressure = 0
		if l.PopulationPressure > 0 {
			res.Starved = append(res.Starved, PopulationPressure)
		}
	}

	produced := res.Output.Sum()
	next.OutputEstimate = produced / dt * secondsPerHour
	next.OutputMix = res.Output.Shares()
	next.PressureTrend = dp / dt * secondsPerHour

	if err := next.Validate(); err != nil {
		return StepResult{}, fmt.Errorf("step overflow: %w", err)
	}
	res.Ledger = next
	return res, nil
}

type OfflineResult struct {
	Ledger         Ledger    `json:"ledger"`
	Gain           float64   `json:"gain"`
	Distributed    Resources `json:"distributed"`
	PressureGrowth float64   `json:"pressure_growth"`
}

// ApplyOfflineGain credits a single log-scaled gain for an absence of hours,
// using the last online output estimate and mix as the proxy for what the
// town was producing.
func ApplyOfflineGain(l Ledger, hours float64) (OfflineResult, error) {
	if math.IsNaN(hours) || math.IsInf(hours, 0) || hours < 0 {
		return OfflineResult{}, fmt.Errorf("offline hours %v: %w", hours, ErrInvalidState)
	}
	if err := l.Validate(); err != nil {
		return OfflineResult{}, err
	}
	gain := curves.OfflineGain(l.OutputEstimate, hours)
	mix := l.OutputMix.Shares()
	if mix.IsZero() {
		mix = Resources{Energy: 1}
	}
	dist := mix.Scale(gain)

	next := l
	next.Resources = l.Resources.Add(dist)
	var growth float64
	if l.PressureTrend > 0 {
		growth = l.PressureTrend * curves.TimeDilate(hours)
	}
	next.PopulationPressure += growth
	return OfflineResult{Ledger: next, Gain: gain, Distributed: dist, PressureGrowth: growth}, nil
}
