// Package zone implements a single restorable site: its local state and its
// per-step contribution to the global ledger. Categories differ only in
// template data.
package zone

import (
	"fmt"
	"math"
	"sort"

	"hearthwake.ai/internal/sim/curves"
	"hearthwake.ai/internal/sim/ledger"
)

var ErrInvalidState = ledger.ErrInvalidState

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

type Zone struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	TemplateID string   `json:"template_id"`
	Category   Category `json:"category"`

	Condition float64  `json:"condition"`
	Activity  float64  `json:"activity"`
	Dormant   bool     `json:"dormant"`
	Priority  Priority `json:"priority"`

	BaseThroughput float64 `json:"base_throughput"`
	SaturationBias float64 `json:"saturation_bias"`

	Outputs        ledger.Resources `json:"outputs"`
	Costs          ledger.Resources `json:"costs"`
	CurveModifiers curves.Overlay   `json:"curve_modifiers,omitempty"`

	Attraction float64 `json:"attraction"`
	Strain     float64 `json:"strain"`
	Decay      float64 `json:"decay"`

	NaturalDecayRate float64 `json:"natural_decay_rate"`
	NeglectThreshold float64 `json:"neglect_threshold"`

	ReawakeningStage int      `json:"reawakening_stage"`
	Flags            []string `json:"flags,omitempty"`
}

// New instantiates a zone from a template. Active zones start whole and
// half-busy; everything else starts as a dormant ruin.
func New(id string, t Template, active bool) *Zone {
	if id == "" {
		id = t.ID
	}
	z := &Zone{
		ID:               id,
		Name:             t.Name,
		TemplateID:       t.ID,
		Category:         t.Category,
		Dormant:          true,
		Priority:         PriorityNormal,
		BaseThroughput:   t.BaseThroughput,
		SaturationBias:   t.SaturationBias,
		Outputs:          t.Outputs,
		Costs:            t.Costs,
		Attraction:       t.Population.Attraction,
		Strain:           t.Population.Strain,
		Decay:            t.Population.Decay,
		NaturalDecayRate: t.Decay.NaturalRate,
		NeglectThreshold: t.Decay.NeglectThreshold,
	}
	if len(t.CurveModifiers) > 0 {
		z.CurveModifiers = t.CurveModifiers.Clone()
	}
	if active {
		z.Condition = 1
		z.Activity = 0.5
		z.Dormant = false
		z.ReawakeningStage = 1
	}
	return z
}

func (z *Zone) Clone() *Zone {
	c := *z
	c.CurveModifiers = z.CurveModifiers.Clone()
	if z.Flags != nil {
		c.Flags = append([]string(nil), z.Flags...)
	}
	return &c
}

func (z *Zone) Validate() error {
	if !curves.Finite(z.Condition, z.Activity, z.BaseThroughput, z.SaturationBias,
		z.Attraction, z.Strain, z.Decay, z.NaturalDecayRate, z.NeglectThreshold) {
		return fmt.Errorf("zone %s: non-finite or negative parameter: %w", z.ID, ErrInvalidState)
	}
	if z.Condition > 1 || z.Activity > 1 {
		return fmt.Errorf("zone %s: condition %v activity %v out of [0,1]: %w", z.ID, z.Condition, z.Activity, ErrInvalidState)
	}
	if z.SaturationBias == 0 {
		return fmt.Errorf("zone %s: zero saturation bias: %w", z.ID, ErrInvalidState)
	}
	if z.ReawakeningStage < 0 {
		return fmt.Errorf("zone %s: negative stage: %w", z.ID, ErrInvalidState)
	}
	return nil
}

// Throughput is base × condition × activity × saturate(activity, bias).
func (z *Zone) Throughput() float64 {
	if z.Dormant {
		return 0
	}
	return z.BaseThroughput * z.Condition * z.Activity * curves.Saturate(z.Activity, z.SaturationBias)
}

func (z *Zone) HasFlag(flag string) bool {
	i := sort.SearchStrings(z.Flags, flag)
	return i < len(z.Flags) && z.Flags[i] == flag
}

func (z *Zone) addFlag(flag string) {
	if flag == "" || z.HasFlag(flag) {
		return
	}
	z.Flags = append(z.Flags, flag)
	sort.Strings(z.Flags)
}

// Policy carries the zone-level rules that come from tuning.
type Policy struct {
	LowMaintenance   float64 // ledger maintenance under which busy zones wear faster
	NeglectAmplifier float64 // extra decay fraction while neglected
	DormantBelow     float64 // condition under which a zone goes dormant
	ConditionRegen   float64 // passive condition recovery per second; 0 = restore-only
	PriorityOffset   float64 // activity target shift for low/high priority
}

type TickInput struct {
	PopulationPressure float64
	Maintenance        float64
	Dt                 float64
	Params             curves.Params
	Policy             Policy
}

func (in TickInput) validate() error {
	if !curves.Finite(in.PopulationPressure, in.Maintenance, in.Dt) {
		return fmt.Errorf("zone tick input pressure=%v maintenance=%v dt=%v: %w",
			in.PopulationPressure, in.Maintenance, in.Dt, ErrInvalidState)
	}
	if math.IsNaN(in.Params.DecayRate) || math.IsNaN(in.Params.PopulationK) || in.Params.PopulationK <= 0 {
		return fmt.Errorf("zone tick params %+v: %w", in.Params, ErrInvalidState)
	}
	return nil
}

// Tick advances the zone by in.Dt seconds and returns its proposed
// contribution. Throughput is computed from the state the zone had before
// this tick. On error the zone is left unchanged.
func (z *Zone) Tick(in TickInput) (ledger.Contribution, error) {
	c := ledger.Contribution{ZoneID: z.ID}
	if err := in.validate(); err != nil {
		return c, err
	}
	if err := z.Validate(); err != nil {
		return c, err
	}
	if z.Dormant {
		return c, nil
	}

	dt := in.Dt
	tp := z.Throughput()
	c.Throughput = tp
	c.Output = z.Outputs.Scale(tp * dt)
	c.Upkeep = z.Costs.Scale(tp * dt)
	c.Attraction = z.Attraction * tp * dt
	c.Strain = z.Strain * tp * dt
	c.Decay = z.Decay * dt
	if len(z.CurveModifiers) > 0 {
		c.Modifiers = z.CurveModifiers.Clone()
	}

	rate := math.Max(0, z.NaturalDecayRate+in.Params.DecayRate)
	if z.Activity > z.NeglectThreshold && in.Maintenance < in.Policy.LowMaintenance {
		rate *= 1 + in.Policy.NeglectAmplifier
	}
	z.Condition = curves.Clamp01(z.Condition + (in.Policy.ConditionRegen-rate)*dt)

	target := curves.Saturate(in.PopulationPressure, in.Params.PopulationK)
	switch z.Priority {
	case PriorityHigh:
		target += in.Policy.PriorityOffset
	case PriorityLow:
		target -= in.Policy.PriorityOffset
	}
	target = curves.Clamp01(target)
	alpha := math.Min(1, in.Params.ActivitySmoothing*dt)
	z.Activity = curves.Clamp01(z.Activity + (target-z.Activity)*alpha)

	if z.Condition < in.Policy.DormantBelow {
		z.Dormant = true
		c.WentDormant = true
	}
	return c, nil
}

// Restore raises condition by amount. A dormant zone whose condition reaches
// reviveAt becomes active again; the return value reports that transition.
// Reviving never changes the reawakening stage; only Advance does.
func (z *Zone) Restore(amount, reviveAt float64) (bool, error) {
	if !curves.Finite(amount) || amount == 0 {
		return false, fmt.Errorf("restore %s by %v: %w", z.ID, amount, ErrInvalidState)
	}
	z.Condition = curves.Clamp01(z.Condition + amount)
	if z.Dormant && z.Condition >= reviveAt {
		z.Dormant = false
		return true, nil
	}
	return false, nil
}

// Upgrade rebuilds z as template to. Identity, priority, activity, stage and
// flags carry over, and so does whatever milestones added on top of from:
// the throughput, saturation and modifier deltas are re-applied to to's
// values. The rebuilt zone starts at full condition.
func (z *Zone) Upgrade(from, to Template) {
	n := New(z.ID, to, true)
	n.Activity = z.Activity
	n.Priority = z.Priority
	n.ReawakeningStage = z.ReawakeningStage
	n.Flags = z.Flags
	n.BaseThroughput = math.Max(0, to.BaseThroughput+z.BaseThroughput-from.BaseThroughput)
	n.SaturationBias = math.Max(minSaturationBias, to.SaturationBias+z.SaturationBias-from.SaturationBias)

	gained := z.CurveModifiers.Clone()
	for k, v := range from.CurveModifiers {
		if gained == nil {
			gained = curves.Overlay{}
		}
		gained.Add(k, -v)
	}
	mods := to.CurveModifiers.Merge(gained)
	for k, v := range mods {
		if v == 0 {
			delete(mods, k)
		}
	}
	n.CurveModifiers = nil
	if len(mods) > 0 {
		n.CurveModifiers = mods
	}
	*z = *n
}

// Advancement is a milestone-injected reawakening step. Every field is an
// additive bias or an unlock; nothing here multiplies.
type Advancement struct {
	Flags               []string       `json:"flags,omitempty"`
	SaturationBiasDelta float64        `json:"saturation_bias_delta,omitempty"`
	ThroughputDelta     float64        `json:"throughput_delta,omitempty"`
	CurveModifiers      curves.Overlay `json:"curve_modifiers,omitempty"`
}

const minSaturationBias = 0.01

// Advance moves the zone to its next reawakening stage.
func (z *Zone) Advance(a Advancement) int {
	z.ReawakeningStage++
	for _, f := range a.Flags {
		z.addFlag(f)
	}
	z.SaturationBias = math.Max(minSaturationBias, z.SaturationBias+a.SaturationBiasDelta)
	z.BaseThroughput = math.Max(0, z.BaseThroughput+a.ThroughputDelta)
	if len(a.CurveModifiers) > 0 {
		z.CurveModifiers = z.CurveModifiers.Merge(a.CurveModifiers)
	}
	return z.ReawakeningStage
}
