package ledger

import "fmt"

type Kind string

const (
	Energy             Kind = "energy"
	Maintenance        Kind = "maintenance"
	Stability          Kind = "stability"
	Attractiveness     Kind = "attractiveness"
	PopulationPressure Kind = "population_pressure"
)

// Kinds lists the four stockpiled resources in their canonical order.
var Kinds = []Kind{Energy, Maintenance, Stability, Attractiveness}

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Energy, Maintenance, Stability, Attractiveness, PopulationPressure:
		return k, nil
	}
	return "", fmt.Errorf("unknown resource %q", s)
}

// Resources is a resource-shaped tuple used for stockpiles, outputs, costs
// and deltas alike.
type Resources struct {
	Energy         float64 `json:"energy,omitempty" yaml:"energy"`
	Maintenance    float64 `json:"maintenance,omitempty" yaml:"maintenance"`
	Stability      float64 `json:"stability,omitempty" yaml:"stability"`
	Attractiveness float64 `json:"attractiveness,omitempty" yaml:"attractiveness"`
}

func (r Resources) Get(k Kind) float64 {
	switch k {
	case Energy:
		return r.Energy
	case Maintenance:
		return r.Maintenance
	case Stability:
		return r.Stability
	case Attractiveness:
		return r.Attractiveness
	}
	return 0
}

func (r *Resources) Set(k Kind, v float64) {
	switch k {
	case Energy:
		r.Energy = v
	case Maintenance:
		r.Maintenance = v
	case Stability:
		r.Stability = v
	case Attractiveness:
		r.Attractiveness = v
	}
}

func (r Resources) Add(o Resources) Resources {
	return Resources{
		Energy:         r.Energy + o.Energy,
		Maintenance:    r.Maintenance + o.Maintenance,
		Stability:      r.Stability + o.Stability,
		Attractiveness: r.Attractiveness + o.Attractiveness,
	}
}

func (r Resources) Sub(o Resources) Resources {
	return r.Add(o.Scale(-1))
}

func (r Resources) Scale(f float64) Resources {
	return Resources{
		Energy:         r.Energy * f,
		Maintenance:    r.Maintenance * f,
		Stability:      r.Stability * f,
		Attractiveness: r.Attractiveness * f,
	}
}

func (r Resources) Sum() float64 {
	return r.Energy + r.Maintenance + r.Stability + r.Attractiveness
}

func (r Resources) IsZero() bool {
	return r == Resources{}
}

// Shares returns r normalized so its components sum to 1. Negative
// components count as zero; an all-zero input yields the zero value.
func (r Resources) Shares() Resources {
	var pos Resources
	for _, k := range Kinds {
		if v := r.Get(k); v > 0 {
			pos.Set(k, v)
		}
	}
	total := pos.Sum()
	if total <= 0 {
		return Resources{}
	}
	return pos.Scale(1 / total)
}
