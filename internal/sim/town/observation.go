package town

import (
	"hearthwake.ai/internal/sim/curves"
	"hearthwake.ai/internal/sim/ledger"
	"hearthwake.ai/internal/sim/zone"
)

// Observation is a read-only post-step view for presentation layers.
type Observation struct {
	TownID         string  `json:"town_id"`
	Tick           uint64  `json:"tick"`
	SimulatedHours float64 `json:"simulated_hours"`

	Ledger              ledger.Ledger    `json:"ledger"`
	EffectivePopulation float64          `json:"effective_population"`
	Dampening           float64          `json:"dampening"`
	Output              ledger.Resources `json:"output"`
	EnergyCost          float64          `json:"energy_cost"`
	MaintenanceCost     float64          `json:"maintenance_cost"`
	Params              curves.Params    `json:"params"`

	Zones  []ZoneView `json:"zones"`
	Fired  []string   `json:"fired,omitempty"`
	Events []Event    `json:"events,omitempty"`

	Researched []string `json:"researched,omitempty"`
	Research   []string `json:"research,omitempty"` // nodes that could be bought now
}

type ZoneView struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	TemplateID string        `json:"template_id"`
	Category   zone.Category `json:"category"`
	Condition  float64       `json:"condition"`
	Activity   float64       `json:"activity"`
	Dormant    bool          `json:"dormant"`
	Priority   zone.Priority `json:"priority"`
	Stage      int           `json:"stage"`
	Throughput float64       `json:"throughput"`
	Flags      []string      `json:"flags,omitempty"`
}

// Observe builds an observation of the current committed state. Only the
// goroutine that owns t may call it; other goroutines use Latest.
func (t *Town) Observe() *Observation {
	res := t.last.result
	o := &Observation{
		TownID:              t.id,
		Tick:                t.clock.Tick,
		SimulatedHours:      t.clock.Simulated.Hours(),
		Ledger:              t.ledger,
		EffectivePopulation: curves.Saturate(t.ledger.PopulationPressure, t.Params().PopulationK),
		Dampening:           res.Dampening,
		Output:              res.Output,
		EnergyCost:          res.EnergyCost,
		MaintenanceCost:     res.MaintenanceCost,
		Params:              t.Params(),
		Fired:               t.Fired(),
		Events:              append([]Event(nil), t.last.events...),
	}
	if len(t.tech) > 0 {
		o.Researched = t.Researched()
	}
	for _, n := range t.techTree.Available(t.techState()) {
		o.Research = append(o.Research, n.ID)
	}
	o.Zones = make([]ZoneView, 0, len(t.zones))
	for _, z := range t.zones {
		zv := ZoneView{
			ID:         z.ID,
			Name:       z.Name,
			TemplateID: z.TemplateID,
			Category:   z.Category,
			Condition:  z.Condition,
			Activity:   z.Activity,
			Dormant:    z.Dormant,
			Priority:   z.Priority,
			Stage:      z.ReawakeningStage,
			Throughput: z.Throughput(),
		}
		if len(z.Flags) > 0 {
			zv.Flags = append([]string(nil), z.Flags...)
		}
		o.Zones = append(o.Zones, zv)
	}
	return o
}
