package zone

import (
	"fmt"

	"hearthwake.ai/internal/sim/curves"
	"hearthwake.ai/internal/sim/ledger"
)

type Category string

const (
	Residential    Category = "residential"
	Market         Category = "market"
	Infrastructure Category = "infrastructure"
	Cultural       Category = "cultural"
	Transit        Category = "transit"
	Utility        Category = "utility"
)

func (c Category) Valid() bool {
	switch c {
	case Residential, Market, Infrastructure, Cultural, Transit, Utility:
		return true
	}
	return false
}

// Initial decides how a template is instantiated at world generation.
type Initial string

const (
	InitialActive  Initial = "active"
	InitialDormant Initial = "dormant"
	InitialLocked  Initial = "locked" // only created by unlock or founding
)

type PopulationEffect struct {
	Attraction float64 `json:"attraction"`
	Strain     float64 `json:"strain"`
	Decay      float64 `json:"decay"`
}

type DecayModel struct {
	NaturalRate      float64 `json:"natural_rate"`
	NeglectThreshold float64 `json:"neglect_threshold"`
}

// Template is the static description of a restorable site.
type Template struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Category         Category         `json:"category"`
	Initial          Initial          `json:"initial,omitempty"`
	BaseThroughput   float64          `json:"base_throughput"`
	SaturationBias   float64          `json:"saturation_bias"`
	ConstructionCost float64          `json:"construction_cost,omitempty"`
	Outputs          ledger.Resources `json:"outputs"`
	Costs            ledger.Resources `json:"costs"`
	CurveModifiers   curves.Overlay   `json:"curve_modifiers,omitempty"`
	Population       PopulationEffect `json:"population"`
	Decay            DecayModel       `json:"decay"`

	// UpgradeTo names the template this one can be rebuilt into.
	// RequiresTech gates building this template as an upgrade target.
	UpgradeTo    string `json:"upgrade_to,omitempty"`
	RequiresTech string `json:"requires_tech,omitempty"`
}

func (t Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("zone template: empty id")
	}
	if !t.Category.Valid() {
		return fmt.Errorf("zone template %s: unknown category %q", t.ID, t.Category)
	}
	switch t.Initial {
	case "", InitialActive, InitialDormant, InitialLocked:
	default:
		return fmt.Errorf("zone template %s: unknown initial state %q", t.ID, t.Initial)
	}
	if t.SaturationBias <= 0 {
		return fmt.Errorf("zone template %s: saturation_bias must be > 0", t.ID)
	}
	o, c := t.Outputs, t.Costs
	if !curves.Finite(t.BaseThroughput, t.ConstructionCost,
		o.Energy, o.Maintenance, o.Stability, o.Attractiveness,
		c.Energy, c.Maintenance, c.Stability, c.Attractiveness,
		t.Population.Attraction, t.Population.Strain, t.Population.Decay,
		t.Decay.NaturalRate, t.Decay.NeglectThreshold) {
		return fmt.Errorf("zone template %s: parameters must be finite and >= 0", t.ID)
	}
	if t.Decay.NeglectThreshold > 1 {
		return fmt.Errorf("zone template %s: neglect_threshold must be <= 1", t.ID)
	}
	for k := range t.CurveModifiers {
		if !curves.KnownBiasKey(k) {
			return fmt.Errorf("zone template %s: unknown curve modifier %q", t.ID, k)
		}
	}
	if t.UpgradeTo == t.ID {
		return fmt.Errorf("zone template %s: upgrades to itself", t.ID)
	}
	return nil
}
