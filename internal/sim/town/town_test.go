package town

import (
	"bytes"
	"errors"
	"log"
	"math"
	"math/rand"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"hearthwake.ai/internal/persistence/snapshot"
	"hearthwake.ai/internal/sim/curves"
	"hearthwake.ai/internal/sim/ledger"
	"hearthwake.ai/internal/sim/milestone"
	"hearthwake.ai/internal/sim/tech"
	"hearthwake.ai/internal/sim/tuning"
	"hearthwake.ai/internal/sim/zone"
)

func testTemplates() []zone.Template {
	return []zone.Template{
		{
			ID: "market", Name: "Market", Category: zone.Market, Initial: zone.InitialActive,
			BaseThroughput: 4, SaturationBias: 0.5, ConstructionCost: 10,
			Outputs:        ledger.Resources{Energy: 0.06, Attractiveness: 0.02},
			Costs:          ledger.Resources{Maintenance: 0.01},
			CurveModifiers: curves.Overlay{curves.BiasStabilityKnee: -0.05},
			Population:     zone.PopulationEffect{Attraction: 0.002, Strain: 0.001},
			Decay:          zone.DecayModel{NaturalRate: 0.00003, NeglectThreshold: 0.6},
			UpgradeTo:      "bazaar",
		},
		{
			ID: "well", Name: "Well", Category: zone.Infrastructure, Initial: zone.InitialActive,
			BaseThroughput: 3, SaturationBias: 0.4,
			Outputs:    ledger.Resources{Maintenance: 0.05, Energy: 0.01},
			Costs:      ledger.Resources{Energy: 0.01},
			Population: zone.PopulationEffect{Strain: 0.0002},
			Decay:      zone.DecayModel{NaturalRate: 0.00002, NeglectThreshold: 0.7},
		},
		{
			ID: "shrine", Name: "Shrine", Category: zone.Cultural, Initial: zone.InitialDormant,
			BaseThroughput: 2, SaturationBias: 0.6,
			Outputs:    ledger.Resources{Stability: 0.04, Attractiveness: 0.03},
			Costs:      ledger.Resources{Maintenance: 0.01},
			Population: zone.PopulationEffect{Attraction: 0.003},
			Decay:      zone.DecayModel{NaturalRate: 0.00001, NeglectThreshold: 0.8},
		},
		{
			ID: "depot", Name: "Depot", Category: zone.Transit, Initial: zone.InitialLocked,
			BaseThroughput: 3, SaturationBias: 0.5, ConstructionCost: 40,
			Outputs: ledger.Resources{Attractiveness: 0.04},
			Decay:   zone.DecayModel{NaturalRate: 0.00003, NeglectThreshold: 0.6},
		},
		{
			ID: "bazaar", Name: "Bazaar", Category: zone.Market, Initial: zone.InitialLocked,
			BaseThroughput: 6, SaturationBias: 0.45, ConstructionCost: 20,
			Outputs:      ledger.Resources{Energy: 0.08, Attractiveness: 0.03},
			Costs:        ledger.Resources{Maintenance: 0.015},
			Population:   zone.PopulationEffect{Attraction: 0.003, Strain: 0.001},
			Decay:        zone.DecayModel{NaturalRate: 0.00003, NeglectThreshold: 0.6},
			RequiresTech: "stonework",
		},
	}
}

func testMilestones() []milestone.Definition {
	return []milestone.Definition{
		{
			ID:         "crowd",
			Name:       "Crowd",
			Conditions: []milestone.Condition{{Type: milestone.CondPopulationMin, Value: 3}},
			Effects: []milestone.Effect{
				{Type: milestone.EffectCurveBias, Key: curves.BiasPopulationK, Delta: 1},
				{Type: milestone.EffectNarrative, Message: "Voices in the square."},
			},
		},
		{
			ID:         "long_haul",
			Name:       "Long Haul",
			Conditions: []milestone.Condition{{Type: milestone.CondTimePlayed, Hours: 10}},
			Effects:    []milestone.Effect{{Type: milestone.EffectUnlockZone, TemplateID: "depot"}},
		},
	}
}

func testTech() []tech.Node {
	return []tech.Node{
		{ID: "stonework", Name: "Stonework", Cost: 5, Effects: curves.Overlay{curves.BiasDecayRate: -0.00001}},
		{ID: "guild", Name: "Guild", Cost: 8, Parent: "stonework", RequiresMilestone: "crowd", Effects: curves.Overlay{curves.BiasPopulationK: 1}},
	}
}

func testConfig() Config {
	return Config{
		ID:         "test-town",
		Tuning:     tuning.Defaults(),
		Templates:  testTemplates(),
		Milestones: testMilestones(),
		Tech:       testTech(),
	}
}

func newTestTown(t *testing.T) *Town {
	t.Helper()
	tw, err := New(testConfig())
	if err != nil {
		t.Fatalf("new town: %v", err)
	}
	return tw
}

func zoneIDs(tw *Town) []string {
	var ids []string
	for _, z := range tw.Zones() {
		ids = append(ids, z.ID)
	}
	return ids
}

func TestNew_InstantiatesNonLockedTemplates(t *testing.T) {
	tw := newTestTown(t)
	if got, want := zoneIDs(tw), []string{"market", "shrine", "well"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("zones: got %v want %v", got, want)
	}
	for _, z := range tw.Zones() {
		if z.ID == "shrine" && !z.Dormant {
			t.Fatalf("shrine should start dormant")
		}
		if z.ID == "market" && (z.Dormant || z.Condition != 1) {
			t.Fatalf("market should start active and whole: %+v", z)
		}
	}
	if tw.Ledger().Energy != tuning.Defaults().Start.Energy {
		t.Fatalf("starting energy: %v", tw.Ledger().Energy)
	}
	if tw.Latest() == nil || tw.Latest().Tick != 0 {
		t.Fatalf("expected an initial observation")
	}
}

func TestNew_RejectsDanglingUpgradeAndTech(t *testing.T) {
	cfg := testConfig()
	cfg.Templates[0].UpgradeTo = "palace"
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected unknown upgrade target to be rejected")
	}
	cfg = testConfig()
	cfg.Tech = nil
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected unknown required tech to be rejected")
	}
}

func TestStep_AccumulatesRemainder(t *testing.T) {
	tw := newTestTown(t)

	if _, err := tw.Step(1500 * time.Millisecond); err != nil {
		t.Fatalf("step: %v", err)
	}
	if c := tw.Clock(); c.Tick != 1 || c.Remainder != 500*time.Millisecond || c.Simulated != time.Second {
		t.Fatalf("clock after 1.5s: %+v", c)
	}
	if _, err := tw.Step(600 * time.Millisecond); err != nil {
		t.Fatalf("step: %v", err)
	}
	if c := tw.Clock(); c.Tick != 2 || c.Remainder != 100*time.Millisecond {
		t.Fatalf("clock after 2.1s: %+v", c)
	}
	if _, err := tw.Step(-time.Second); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("negative dt: got %v", err)
	}
}

func TestStep_Deterministic(t *testing.T) {
	a := newTestTown(t)
	b := newTestTown(t)
	run := func(tw *Town) {
		for i := 0; i < 600; i++ {
			if i == 10 {
				if _, err := tw.ApplyCommand(Command{Kind: CmdRestoreZone, ZoneID: "shrine"}); err != nil {
					t.Fatalf("restore: %v", err)
				}
			}
			if i == 20 {
				if _, err := tw.ApplyCommand(Command{Kind: CmdSetPriority, ZoneID: "market", Priority: zone.PriorityHigh}); err != nil {
					t.Fatalf("priority: %v", err)
				}
			}
			if _, err := tw.StepOnce(); err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
		}
	}
	run(a)
	run(b)
	if a.StateDigest() != b.StateDigest() {
		t.Fatalf("digests differ")
	}
	if !reflect.DeepEqual(a.Snapshot(time.Time{}), b.Snapshot(time.Time{})) {
		t.Fatalf("snapshots differ")
	}
}

func TestStep_InvariantsHoldUnderRandomPlay(t *testing.T) {
	cfg := testConfig()
	cfg.Tuning.Start = ledger.Resources{Energy: 6}
	cfg.Tuning.StartPressure = 0
	tw, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	kinds := []CommandKind{CmdRestoreZone, CmdSetPriority, CmdFoundZone}
	ids := []string{"market", "well", "shrine", "depot", "nowhere"}
	prios := []zone.Priority{zone.PriorityLow, zone.PriorityNormal, zone.PriorityHigh}

	for i := 0; i < 4000; i++ {
		if i%40 == 0 {
			_, _ = tw.ApplyCommand(Command{
				Kind:       kinds[rng.Intn(len(kinds))],
				ZoneID:     ids[rng.Intn(len(ids))],
				TemplateID: ids[rng.Intn(len(ids))],
				Priority:   prios[rng.Intn(len(prios))],
			})
		}
		dt := time.Duration(rng.Intn(3000)) * time.Millisecond
		if _, err := tw.Step(dt); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}

		l := tw.Ledger()
		for _, v := range []float64{l.Energy, l.Maintenance, l.Stability, l.Attractiveness, l.PopulationPressure} {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("step %d: ledger out of range: %+v", i, l)
			}
		}
		for _, z := range tw.Zones() {
			if z.Condition < 0 || z.Condition > 1 || z.Activity < 0 || z.Activity > 1 {
				t.Fatalf("step %d: zone out of range: %+v", i, z)
			}
		}
	}
}

func TestStep_InvalidStateLeavesTownUntouched(t *testing.T) {
	tw := newTestTown(t)
	for i := 0; i < 5; i++ {
		if _, err := tw.StepOnce(); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	tw.zones[len(tw.zones)-1].Condition = 1.5
	before := tw.Snapshot(time.Time{})

	if _, err := tw.StepOnce(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if _, err := tw.Step(3 * time.Second); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState from Step, got %v", err)
	}
	if after := tw.Snapshot(time.Time{}); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed step mutated the town")
	}
}

type recordingLogs struct {
	ticks  []TickLogEntry
	events []Event
}

func (r *recordingLogs) WriteTick(e TickLogEntry) error { r.ticks = append(r.ticks, e); return nil }
func (r *recordingLogs) WriteEvents(evs []Event) error  { r.events = append(r.events, evs...); return nil }

func TestStep_MidLoopFailureRollsBack(t *testing.T) {
	logs := &recordingLogs{}
	cfg := testConfig()
	cfg.Tuning.Start = ledger.Resources{}
	cfg.Tuning.Ledger.PassiveEnergy = 1e308 // second tick overflows energy
	cfg.TickLogger = logs
	cfg.EventLogger = logs
	tw, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := tw.Step(400 * time.Millisecond); err != nil {
		t.Fatalf("sub-tick step: %v", err)
	}
	before := tw.Snapshot(time.Time{})

	evs, err := tw.Step(5 * time.Second)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("failed step returned events: %+v", evs)
	}
	if after := tw.Snapshot(time.Time{}); !reflect.DeepEqual(before, after) {
		t.Fatalf("failed step left partial state: tick %d -> %d", before.Header.Tick, after.Header.Tick)
	}
	if len(logs.ticks) != 0 || len(logs.events) != 0 {
		t.Fatalf("failed step reached the logs: %d ticks, %d events", len(logs.ticks), len(logs.events))
	}

	// A single tick still runs and is logged straight away.
	if _, err := tw.StepOnce(); err != nil {
		t.Fatalf("step once: %v", err)
	}
	if len(logs.ticks) != 1 || tw.Clock().Tick != 1 {
		t.Fatalf("after one tick: %d logged, clock %+v", len(logs.ticks), tw.Clock())
	}
}

func TestStep_FlushesLogsOnSuccess(t *testing.T) {
	logs := &recordingLogs{}
	cfg := testConfig()
	cfg.TickLogger = logs
	cfg.EventLogger = logs
	tw, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	evs, err := tw.Step(3 * time.Second)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(logs.ticks) != 3 || logs.ticks[2].Tick != 2 {
		t.Fatalf("tick log: %+v", logs.ticks)
	}
	if !reflect.DeepEqual(logs.events, evs) {
		t.Fatalf("event log %+v != returned %+v", logs.events, evs)
	}
}

func TestStep_DormantZoneRaisesEvent(t *testing.T) {
	cfg := testConfig()
	cfg.Templates[1].Decay.NaturalRate = 0.25 // well
	tw, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var got []Event
	for i := 0; i < 10 && len(got) == 0; i++ {
		evs, err := tw.StepOnce()
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		for _, e := range evs {
			if e.Kind == EventZoneDormant {
				got = append(got, e)
			}
		}
	}
	if len(got) != 1 || got[0].ZoneID != "well" || got[0].Tick != 3 {
		t.Fatalf("dormant events: %+v", got)
	}
}

func TestMilestones_FireOnceAndBiasCurves(t *testing.T) {
	cfg := testConfig()
	cfg.Tuning.StartPressure = 5
	tw, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	evs, err := tw.StepOnce()
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(evs) < 2 || evs[0].Kind != EventMilestoneFired || evs[0].MilestoneID != "crowd" || evs[1].Kind != EventNarrative {
		t.Fatalf("events: %+v", evs)
	}
	if got := tw.Params().PopulationK; got != 11 {
		t.Fatalf("population_k: got %v want 11", got)
	}
	for i := 0; i < 50; i++ {
		evs, err := tw.StepOnce()
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		for _, e := range evs {
			if e.Kind == EventMilestoneFired {
				t.Fatalf("milestone fired twice: %+v", e)
			}
		}
	}
	if !reflect.DeepEqual(tw.Fired(), []string{"crowd"}) {
		t.Fatalf("fired: %v", tw.Fired())
	}
}

func TestMilestones_AdvanceEmitsReawakened(t *testing.T) {
	cfg := testConfig()
	cfg.Milestones = append(cfg.Milestones, milestone.Definition{
		ID:         "lanterns",
		Name:       "Lanterns",
		Conditions: []milestone.Condition{{Type: milestone.CondZoneCondition, ZoneID: "market", MinCondition: 0.5}},
		Effects: []milestone.Effect{
			{Type: milestone.EffectAdvanceZone, ZoneID: "market", Flags: []string{"lanterns"}, Message: "Lanterns along the stalls."},
			{Type: milestone.EffectUnlockZone, TemplateID: "shrine"},
		},
	})
	tw, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	evs, err := tw.StepOnce()
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	stages := map[string]float64{}
	for _, e := range evs {
		if e.Kind == EventZoneReawakened {
			if e.MilestoneID != "lanterns" {
				t.Fatalf("reawakening without its milestone: %+v", e)
			}
			stages[e.ZoneID] = e.Amount
		}
	}
	if want := map[string]float64{"market": 2, "shrine": 1}; !reflect.DeepEqual(stages, want) {
		t.Fatalf("reawakened stages: got %v want %v (events %+v)", stages, want, evs)
	}
	if z := findZone(tw, "market"); z.ReawakeningStage != 2 || !z.HasFlag("lanterns") {
		t.Fatalf("market: %+v", z)
	}
}

func TestMilestones_ReentryIsLoggedAndIgnored(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig()
	cfg.Logger = log.New(&buf, "", 0)
	tw, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	st := tw.newPending(tw.ledger, cloneZones(tw.zones))
	before := map[string]bool{"crowd": true}
	evs := tw.applyFirings(st, before, []milestone.Firing{{ID: "crowd", Effects: testMilestones()[0].Effects}}, 0)
	if len(evs) != 0 {
		t.Fatalf("re-entry produced events: %+v", evs)
	}
	if st.overlay[curves.BiasPopulationK] != 0 {
		t.Fatalf("re-entry applied effects")
	}
	if !strings.Contains(buf.String(), "re-entered") {
		t.Fatalf("re-entry not logged: %q", buf.String())
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Tuning.StartPressure = 5
	tw, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := tw.ApplyCommand(Command{Kind: CmdRestoreZone, ZoneID: "shrine"}); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := tw.Step(200*time.Second + 250*time.Millisecond); err != nil {
		t.Fatalf("step: %v", err)
	}

	savedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	snap := tw.Snapshot(savedAt)
	if len(snap.Fired) == 0 || snap.Overlay == nil {
		t.Fatalf("expected milestone state in snapshot: %+v", snap)
	}

	restored, err := Restore(testConfig(), snap)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !reflect.DeepEqual(snap, restored.Snapshot(savedAt)) {
		t.Fatalf("restore is not exact")
	}

	// Through the on-disk format as well.
	path := filepath.Join(t.TempDir(), snapshot.FileName(snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	read, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	fromDisk, err := Restore(testConfig(), read)
	if err != nil {
		t.Fatalf("restore from disk: %v", err)
	}

	for _, tw2 := range []*Town{tw, restored, fromDisk} {
		if _, err := tw2.Step(100 * time.Second); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if tw.StateDigest() != restored.StateDigest() || tw.StateDigest() != fromDisk.StateDigest() {
		t.Fatalf("restored towns diverged")
	}
}

func TestRestore_RejectsCorruptSnapshots(t *testing.T) {
	tw := newTestTown(t)
	good := tw.Snapshot(time.Time{})

	cases := map[string]func(s *snapshot.SnapshotV1){
		"version":         func(s *snapshot.SnapshotV1) { s.Header.Version = 2 },
		"negative ledger": func(s *snapshot.SnapshotV1) { s.Ledger.Resources.Energy = -1 },
		"zone condition":  func(s *snapshot.SnapshotV1) { s.Zones[0].Condition = 2 },
		"zone category":   func(s *snapshot.SnapshotV1) { s.Zones[0].Category = "castle" },
		"duplicate zone":  func(s *snapshot.SnapshotV1) { s.Zones = append(s.Zones, s.Zones[0]) },
		"overlay key":     func(s *snapshot.SnapshotV1) { s.Overlay = map[string]float64{"gravity": 1} },
		"tech":            func(s *snapshot.SnapshotV1) { s.Tech = []string{"alchemy"} },
		"remainder":       func(s *snapshot.SnapshotV1) { s.RemainderNs = int64(5 * time.Second) },
	}
	for name, corrupt := range cases {
		s := tw.Snapshot(time.Time{})
		s.Zones = append([]snapshot.ZoneV1(nil), good.Zones...)
		corrupt(&s)
		if _, err := Restore(testConfig(), s); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s: expected ErrInvalidState, got %v", name, err)
		}
	}
}
