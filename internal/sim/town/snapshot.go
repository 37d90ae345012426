package town

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"hearthwake.ai/internal/persistence/snapshot"
	"hearthwake.ai/internal/sim/curves"
	"hearthwake.ai/internal/sim/ledger"
	"hearthwake.ai/internal/sim/zone"
)

// Snapshot captures everything needed to rebuild this town exactly.
// savedAt is the wall time the next Resume will measure from.
func (t *Town) Snapshot(savedAt time.Time) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			TownID:  t.id,
			Tick:    t.clock.Tick,
			SavedAt: savedAt,
		},
		TickDurationMs: t.tu.TickDurationMs,
		SimulatedNs:    int64(t.clock.Simulated),
		RemainderNs:    int64(t.clock.Remainder),
		Ledger: snapshot.LedgerV1{
			Resources:          resourcesV1(t.ledger.Resources),
			PopulationPressure: t.ledger.PopulationPressure,
			OutputEstimate:     t.ledger.OutputEstimate,
			OutputMix:          resourcesV1(t.ledger.OutputMix),
			PressureTrend:      t.ledger.PressureTrend,
		},
		Overlay:  overlayV1(t.overlay),
		Counters: snapshot.CountersV1{NextEvent: t.nextEvent},
	}
	for _, z := range t.zones {
		snap.Zones = append(snap.Zones, zoneV1(z))
	}
	if len(t.fired) > 0 {
		snap.Fired = t.Fired()
	}
	if len(t.tech) > 0 {
		snap.Tech = t.Researched()
	}
	if len(t.digests) > 0 {
		snap.CatalogDigests = make(map[string]string, len(t.digests))
		for k, v := range t.digests {
			snap.CatalogDigests[k] = v
		}
	}
	return snap
}

// Restore rebuilds a town from snap. Static data (templates, milestone
// definitions, tuning) comes from cfg; the tick duration recorded in the
// snapshot wins so a resumed town keeps its step size.
func Restore(cfg Config, snap snapshot.SnapshotV1) (*Town, error) {
	if snap.Header.Version != snapshot.Version {
		return nil, fmt.Errorf("snapshot version %d: %w", snap.Header.Version, ErrInvalidState)
	}
	if snap.TickDurationMs > 0 {
		cfg.Tuning.TickDurationMs = snap.TickDurationMs
	}
	if cfg.ID == "" {
		cfg.ID = snap.Header.TownID
	}
	t, err := newTown(cfg)
	if err != nil {
		return nil, err
	}

	l := ledger.Ledger{
		Resources:          resourcesFromV1(snap.Ledger.Resources),
		PopulationPressure: snap.Ledger.PopulationPressure,
		OutputEstimate:     snap.Ledger.OutputEstimate,
		OutputMix:          resourcesFromV1(snap.Ledger.OutputMix),
		PressureTrend:      snap.Ledger.PressureTrend,
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	t.ledger = l

	seen := map[string]bool{}
	for _, zv := range snap.Zones {
		z, err := zoneFromV1(zv)
		if err != nil {
			return nil, err
		}
		if seen[z.ID] {
			return nil, fmt.Errorf("snapshot zone %s duplicated: %w", z.ID, ErrInvalidState)
		}
		seen[z.ID] = true
		t.zones = append(t.zones, z)
	}
	sort.Slice(t.zones, func(i, j int) bool { return t.zones[i].ID < t.zones[j].ID })

	if len(snap.Overlay) > 0 {
		t.overlay = curves.Overlay{}
		for k, v := range snap.Overlay {
			key := curves.BiasKey(k)
			if !curves.KnownBiasKey(key) || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("snapshot overlay %s=%v: %w", k, v, ErrInvalidState)
			}
			t.overlay[key] = v
		}
	}
	for _, id := range snap.Fired {
		t.fired[id] = true
	}
	for _, id := range snap.Tech {
		if _, ok := t.techTree.Node(id); !ok {
			return nil, fmt.Errorf("snapshot tech %q: %w", id, ErrInvalidState)
		}
		t.tech[id] = true
	}

	if snap.SimulatedNs < 0 || snap.RemainderNs < 0 || time.Duration(snap.RemainderNs) >= t.tickDur {
		return nil, fmt.Errorf("snapshot clock simulated=%d remainder=%d: %w", snap.SimulatedNs, snap.RemainderNs, ErrInvalidState)
	}
	t.clock = Clock{
		Tick:      snap.Header.Tick,
		Simulated: time.Duration(snap.SimulatedNs),
		Remainder: time.Duration(snap.RemainderNs),
	}
	t.nextEvent = snap.Counters.NextEvent
	t.publish()
	return t, nil
}

// StateDigest is a stable hash of the simulation state, excluding wall time.
func (t *Town) StateDigest() string {
	b, _ := json.Marshal(t.Snapshot(time.Time{}))
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func resourcesV1(r ledger.Resources) snapshot.ResourcesV1 {
	return snapshot.ResourcesV1{
		Energy:         r.Energy,
		Maintenance:    r.Maintenance,
		Stability:      r.Stability,
		Attractiveness: r.Attractiveness,
	}
}

func resourcesFromV1(r snapshot.ResourcesV1) ledger.Resources {
	return ledger.Resources{
		Energy:         r.Energy,
		Maintenance:    r.Maintenance,
		Stability:      r.Stability,
		Attractiveness: r.Attractiveness,
	}
}

func overlayV1(o curves.Overlay) map[string]float64 {
	if len(o) == 0 {
		return nil
	}
	out := make(map[string]float64, len(o))
	for k, v := range o {
		out[string(k)] = v
	}
	return out
}

func zoneV1(z *zone.Zone) snapshot.ZoneV1 {
	zv := snapshot.ZoneV1{
		ID:               z.ID,
		Name:             z.Name,
		TemplateID:       z.TemplateID,
		Category:         string(z.Category),
		Condition:        z.Condition,
		Activity:         z.Activity,
		Dormant:          z.Dormant,
		Priority:         string(z.Priority),
		BaseThroughput:   z.BaseThroughput,
		SaturationBias:   z.SaturationBias,
		Outputs:          resourcesV1(z.Outputs),
		Costs:            resourcesV1(z.Costs),
		CurveModifiers:   overlayV1(z.CurveModifiers),
		Attraction:       z.Attraction,
		Strain:           z.Strain,
		Decay:            z.Decay,
		NaturalDecayRate: z.NaturalDecayRate,
		NeglectThreshold: z.NeglectThreshold,
		ReawakeningStage: z.ReawakeningStage,
	}
	if len(z.Flags) > 0 {
		zv.Flags = append([]string(nil), z.Flags...)
	}
	return zv
}

func zoneFromV1(zv snapshot.ZoneV1) (*zone.Zone, error) {
	cat := zone.Category(zv.Category)
	if zv.ID == "" || !cat.Valid() {
		return nil, fmt.Errorf("snapshot zone %q category %q: %w", zv.ID, zv.Category, ErrInvalidState)
	}
	prio, err := zone.ParsePriority(zv.Priority)
	if err != nil {
		return nil, fmt.Errorf("snapshot zone %s: %v: %w", zv.ID, err, ErrInvalidState)
	}
	z := &zone.Zone{
		ID:               zv.ID,
		Name:             zv.Name,
		TemplateID:       zv.TemplateID,
		Category:         cat,
		Condition:        zv.Condition,
		Activity:         zv.Activity,
		Dormant:          zv.Dormant,
		Priority:         prio,
		BaseThroughput:   zv.BaseThroughput,
		SaturationBias:   zv.SaturationBias,
		Outputs:          resourcesFromV1(zv.Outputs),
		Costs:            resourcesFromV1(zv.Costs),
		Attraction:       zv.Attraction,
		Strain:           zv.Strain,
		Decay:            zv.Decay,
		NaturalDecayRate: zv.NaturalDecayRate,
		NeglectThreshold: zv.NeglectThreshold,
		ReawakeningStage: zv.ReawakeningStage,
	}
	if len(zv.CurveModifiers) > 0 {
		z.CurveModifiers = curves.Overlay{}
		for k, v := range zv.CurveModifiers {
			if !curves.KnownBiasKey(curves.BiasKey(k)) {
				return nil, fmt.Errorf("snapshot zone %s modifier %q: %w", zv.ID, k, ErrInvalidState)
			}
			z.CurveModifiers[curves.BiasKey(k)] = v
		}
	}
	if len(zv.Flags) > 0 {
		z.Flags = append([]string(nil), zv.Flags...)
		sort.Strings(z.Flags)
	}
	if err := z.Validate(); err != nil {
		return nil, err
	}
	return z, nil
}
