package tuning

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hearthwake.ai/internal/sim/curves"
	"hearthwake.ai/internal/sim/ledger"
	"hearthwake.ai/internal/sim/zone"
)

type Tuning struct {
	TickDurationMs     int `yaml:"tick_duration_ms"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`

	Curves        Curves           `yaml:"curves"`
	Ledger        LedgerRules      `yaml:"ledger"`
	Zones         ZoneRules        `yaml:"zones"`
	Offline       Offline          `yaml:"offline"`
	Start         ledger.Resources `yaml:"starting_resources"`
	StartPressure float64          `yaml:"starting_population_pressure"`
}

type Curves struct {
	PopulationK       float64 `yaml:"population_k"`
	EnergyKnee        float64 `yaml:"energy_knee"`
	MaintenanceKnee   float64 `yaml:"maintenance_knee"`
	StabilityKnee     float64 `yaml:"stability_knee"`
	EnergyAlpha       float64 `yaml:"energy_alpha"`
	MaintenanceBeta   float64 `yaml:"maintenance_beta"`
	ActivitySmoothing float64 `yaml:"activity_smoothing"`
	PressureDecay     float64 `yaml:"pressure_decay"`
}

type LedgerRules struct {
	PassiveEnergy  float64 `yaml:"passive_energy"`
	StockpileDecay float64 `yaml:"stockpile_decay"`
}

type ZoneRules struct {
	LowMaintenance    float64 `yaml:"low_maintenance"`
	NeglectAmplifier  float64 `yaml:"neglect_amplifier"`
	DormantBelow      float64 `yaml:"dormant_below"`
	ConditionRegen    float64 `yaml:"condition_regen"`
	PriorityOffset    float64 `yaml:"priority_offset"`
	RestoreAmount     float64 `yaml:"restore_amount"`
	RestoreEnergyCost float64 `yaml:"restore_energy_cost"`
	ReviveAt          float64 `yaml:"revive_at"`

	UpgradeMinCondition float64 `yaml:"upgrade_min_condition"`
}

type Offline struct {
	CapHours       float64 `yaml:"cap_hours"`
	LongGapSeconds float64 `yaml:"long_gap_seconds"`
	MaxReplayTicks int     `yaml:"max_replay_ticks"`
}

// Defaults returns the tuning used when economy.yaml omits a field.
func Defaults() Tuning {
	p := curves.DefaultParams()
	return Tuning{
		TickDurationMs:     1000,
		SnapshotEveryTicks: 300,
		Curves: Curves{
			PopulationK:       p.PopulationK,
			EnergyKnee:        p.EnergyKnee,
			MaintenanceKnee:   p.MaintenanceKnee,
			StabilityKnee:     p.StabilityKnee,
			EnergyAlpha:       p.EnergyAlpha,
			MaintenanceBeta:   p.MaintenanceBeta,
			ActivitySmoothing: p.ActivitySmoothing,
			PressureDecay:     p.PressureDecay,
		},
		Ledger: LedgerRules{PassiveEnergy: 0.01, StockpileDecay: 0.0001},
		Zones: ZoneRules{
			LowMaintenance:    1,
			NeglectAmplifier:  1,
			DormantBelow:      0.1,
			PriorityOffset:    0.15,
			RestoreAmount:     0.25,
			RestoreEnergyCost: 5,
			ReviveAt:          0.2,

			UpgradeMinCondition: 0.8,
		},
		Offline: Offline{
			CapHours:       72,
			LongGapSeconds: 300,
			MaxReplayTicks: 3600,
		},
		Start:         ledger.Resources{Energy: 10, Maintenance: 5, Stability: 2, Attractiveness: 1},
		StartPressure: 1,
	}
}

func Load(path string) (Tuning, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, err
	}
	return Parse(raw)
}

// Parse decodes economy.yaml on top of Defaults, so omitted keys keep their
// default value.
func Parse(raw []byte) (Tuning, error) {
	t := Defaults()
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("economy.yaml: %w", err)
	}
	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("economy.yaml: %w", err)
	}
	return t, nil
}

// applyDefaults restores counters that were explicitly written as zero.
// max_replay_ticks is not one of them: zero there means never replay.
func (t *Tuning) applyDefaults() {
	d := Defaults()
	if t.TickDurationMs == 0 {
		t.TickDurationMs = d.TickDurationMs
	}
	if t.SnapshotEveryTicks == 0 {
		t.SnapshotEveryTicks = d.SnapshotEveryTicks
	}
	if t.Offline.CapHours == 0 {
		t.Offline.CapHours = d.Offline.CapHours
	}
}

func (t Tuning) Validate() error {
	if t.TickDurationMs <= 0 {
		return fmt.Errorf("tick_duration_ms must be > 0")
	}
	if t.SnapshotEveryTicks < 0 || t.Offline.MaxReplayTicks < 0 {
		return fmt.Errorf("tick counts must be >= 0")
	}
	c := t.Curves
	for name, v := range map[string]float64{
		"population_k": c.PopulationK, "energy_knee": c.EnergyKnee,
		"maintenance_knee": c.MaintenanceKnee, "stability_knee": c.StabilityKnee,
	} {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("curves.%s must be > 0", name)
		}
	}
	z, l, o := t.Zones, t.Ledger, t.Offline
	if !curves.Finite(c.EnergyAlpha, c.MaintenanceBeta, c.ActivitySmoothing, c.PressureDecay,
		l.PassiveEnergy, l.StockpileDecay,
		z.LowMaintenance, z.NeglectAmplifier, z.DormantBelow, z.ConditionRegen, z.PriorityOffset,
		z.RestoreAmount, z.RestoreEnergyCost, z.ReviveAt, z.UpgradeMinCondition,
		o.CapHours, o.LongGapSeconds,
		t.Start.Energy, t.Start.Maintenance, t.Start.Stability, t.Start.Attractiveness, t.StartPressure) {
		return fmt.Errorf("rates and starting values must be finite and >= 0")
	}
	if o.CapHours > maxHours {
		return fmt.Errorf("offline.cap_hours %v exceeds %.0f", o.CapHours, maxHours)
	}
	if o.LongGapSeconds > maxSeconds {
		return fmt.Errorf("offline.long_gap_seconds %v exceeds %.0f", o.LongGapSeconds, maxSeconds)
	}
	if z.DormantBelow > 1 || z.ReviveAt > 1 || z.PriorityOffset > 1 || z.UpgradeMinCondition > 1 {
		return fmt.Errorf("zones: condition thresholds and priority_offset must be <= 1")
	}
	if z.ReviveAt < z.DormantBelow {
		return fmt.Errorf("zones: revive_at %v below dormant_below %v", z.ReviveAt, z.DormantBelow)
	}
	return nil
}

func (t Tuning) TickDuration() time.Duration {
	return time.Duration(t.TickDurationMs) * time.Millisecond
}

// Largest spans a time.Duration can hold.
var (
	maxHours   = float64(math.MaxInt64) / float64(time.Hour)
	maxSeconds = float64(math.MaxInt64) / float64(time.Second)
)

// duration converts v units to a Duration, saturating instead of wrapping.
func duration(v float64, unit time.Duration) time.Duration {
	d := v * float64(unit)
	if d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (t Tuning) OfflineCap() time.Duration {
	return duration(t.Offline.CapHours, time.Hour)
}

func (t Tuning) LongGap() time.Duration {
	return duration(t.Offline.LongGapSeconds, time.Second)
}

// Params returns the unbiased curve parameters.
func (t Tuning) Params() curves.Params {
	c := t.Curves
	return curves.Params{
		PopulationK:       c.PopulationK,
		EnergyKnee:        c.EnergyKnee,
		MaintenanceKnee:   c.MaintenanceKnee,
		StabilityKnee:     c.StabilityKnee,
		EnergyAlpha:       c.EnergyAlpha,
		MaintenanceBeta:   c.MaintenanceBeta,
		ActivitySmoothing: c.ActivitySmoothing,
		PressureDecay:     c.PressureDecay,
	}
}

func (t Tuning) Rules() ledger.Rules {
	return ledger.Rules{
		Curves:         t.Params(),
		PassiveEnergy:  t.Ledger.PassiveEnergy,
		StockpileDecay: t.Ledger.StockpileDecay,
	}
}

func (t Tuning) Policy() zone.Policy {
	return zone.Policy{
		LowMaintenance:   t.Zones.LowMaintenance,
		NeglectAmplifier: t.Zones.NeglectAmplifier,
		DormantBelow:     t.Zones.DormantBelow,
		ConditionRegen:   t.Zones.ConditionRegen,
		PriorityOffset:   t.Zones.PriorityOffset,
	}
}
