// Package milestone evaluates one-shot reawakening triggers against
// post-step town state.
package milestone

import (
	"fmt"
	"sort"

	"hearthwake.ai/internal/sim/curves"
	"hearthwake.ai/internal/sim/ledger"
	"hearthwake.ai/internal/sim/zone"
)

const (
	CondPopulationMin  = "population_min"
	CondResourceMin    = "resource_min"
	CondZoneCondition  = "zone_condition"
	CondZoneStageMin   = "zone_stage_min"
	CondTimePlayed     = "time_played"
	CondMilestoneFired = "milestone_fired"
)

const (
	EffectCurveBias   = "curve_bias"
	EffectAdvanceZone = "advance_zone"
	EffectUnlockZone  = "unlock_zone"
	EffectNarrative   = "narrative"
)

type Condition struct {
	Type         string      `json:"type"`
	Value        float64     `json:"value,omitempty"`
	Resource     ledger.Kind `json:"resource,omitempty"`
	ZoneID       string      `json:"zone_id,omitempty"`
	MinCondition float64     `json:"min_condition,omitempty"`
	Stage        int         `json:"stage,omitempty"`
	Hours        float64     `json:"hours,omitempty"`
	MilestoneID  string      `json:"milestone_id,omitempty"`
}

// Effect is applied once when its milestone fires. Effects only move curve
// biases or zone progression; none of them writes a resource value.
type Effect struct {
	Type string `json:"type"`

	// curve_bias
	Key   curves.BiasKey `json:"key,omitempty"`
	Delta float64        `json:"delta,omitempty"`

	// advance_zone, unlock_zone
	ZoneID              string         `json:"zone_id,omitempty"`
	TemplateID          string         `json:"template_id,omitempty"`
	Flags               []string       `json:"flags,omitempty"`
	SaturationBiasDelta float64        `json:"saturation_bias_delta,omitempty"`
	ThroughputDelta     float64        `json:"throughput_delta,omitempty"`
	CurveModifiers      curves.Overlay `json:"curve_modifiers,omitempty"`

	// narrative (and an optional flavor line on any effect)
	Message string `json:"message,omitempty"`
}

func (e Effect) Advancement() zone.Advancement {
	return zone.Advancement{
		Flags:               e.Flags,
		SaturationBiasDelta: e.SaturationBiasDelta,
		ThroughputDelta:     e.ThroughputDelta,
		CurveModifiers:      e.CurveModifiers,
	}
}

type Definition struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Conditions  []Condition `json:"conditions"`
	Effects     []Effect    `json:"effects"`
}

func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("milestone: empty id")
	}
	if len(d.Conditions) == 0 {
		return fmt.Errorf("milestone %s: no conditions", d.ID)
	}
	for _, c := range d.Conditions {
		switch c.Type {
		case CondPopulationMin, CondTimePlayed:
		case CondResourceMin:
			if _, err := ledger.ParseKind(string(c.Resource)); err != nil {
				return fmt.Errorf("milestone %s: %w", d.ID, err)
			}
		case CondZoneCondition, CondZoneStageMin:
			if c.ZoneID == "" {
				return fmt.Errorf("milestone %s: %s needs zone_id", d.ID, c.Type)
			}
		case CondMilestoneFired:
			if c.MilestoneID == "" || c.MilestoneID == d.ID {
				return fmt.Errorf("milestone %s: bad milestone_fired reference %q", d.ID, c.MilestoneID)
			}
		default:
			return fmt.Errorf("milestone %s: unknown condition %q", d.ID, c.Type)
		}
	}
	for _, e := range d.Effects {
		switch e.Type {
		case EffectCurveBias:
			if !curves.KnownBiasKey(e.Key) {
				return fmt.Errorf("milestone %s: unknown curve bias %q", d.ID, e.Key)
			}
		case EffectAdvanceZone:
			if e.ZoneID == "" {
				return fmt.Errorf("milestone %s: advance_zone needs zone_id", d.ID)
			}
		case EffectUnlockZone:
			if e.TemplateID == "" {
				return fmt.Errorf("milestone %s: unlock_zone needs template_id", d.ID)
			}
		case EffectNarrative:
		default:
			return fmt.Errorf("milestone %s: unknown effect %q", d.ID, e.Type)
		}
		for k := range e.CurveModifiers {
			if !curves.KnownBiasKey(k) {
				return fmt.Errorf("milestone %s: unknown curve modifier %q", d.ID, k)
			}
		}
	}
	return nil
}

// State is the read-only view a milestone predicate sees.
type State struct {
	Ledger ledger.Ledger
	Zones  map[string]*zone.Zone
	Hours  float64 // simulated hours since the town was founded
}

func (d Definition) holds(s State, fired map[string]bool) bool {
	for _, c := range d.Conditions {
		if !c.holds(s, fired) {
			return false
		}
	}
	return true
}

func (c Condition) holds(s State, fired map[string]bool) bool {
	switch c.Type {
	case CondPopulationMin:
		return s.Ledger.PopulationPressure >= c.Value
	case CondResourceMin:
		if c.Resource == ledger.PopulationPressure {
			return s.Ledger.PopulationPressure >= c.Value
		}
		return s.Ledger.Get(c.Resource) >= c.Value
	case CondZoneCondition:
		z, ok := s.Zones[c.ZoneID]
		return ok && !z.Dormant && z.Condition >= c.MinCondition
	case CondZoneStageMin:
		z, ok := s.Zones[c.ZoneID]
		return ok && z.ReawakeningStage >= c.Stage
	case CondTimePlayed:
		return s.Hours >= c.Hours
	case CondMilestoneFired:
		return fired[c.MilestoneID]
	}
	return false
}

type Firing struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Effects []Effect `json:"effects"`
}

type Evaluator struct {
	defs []Definition
}

// NewEvaluator sorts definitions by id so evaluation order is stable.
func NewEvaluator(defs []Definition) (*Evaluator, error) {
	seen := map[string]bool{}
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("milestone %s: duplicate id", d.ID)
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &Evaluator{defs: out}, nil
}

func (e *Evaluator) Definitions() []Definition {
	if e == nil {
		return nil
	}
	return e.defs
}

// Evaluate marks every unfired milestone whose conditions hold as fired and
// returns it. Calling it again on the same state returns nothing.
func (e *Evaluator) Evaluate(s State, fired map[string]bool) []Firing {
	if e == nil {
		return nil
	}
	var out []Firing
	for _, d := range e.defs {
		if fired[d.ID] {
			continue
		}
		if !d.holds(s, fired) {
			continue
		}
		fired[d.ID] = true
		out = append(out, Firing{ID: d.ID, Name: d.Name, Effects: d.Effects})
	}
	return out
}
