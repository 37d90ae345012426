package town

import (
	"fmt"
	"time"

	"hearthwake.ai/internal/sim/curves"
	"hearthwake.ai/internal/sim/ledger"
	"hearthwake.ai/internal/sim/milestone"
	"hearthwake.ai/internal/sim/zone"
)

// pending is the uncommitted state of one step. Nothing in it is visible
// until commit.
type pending struct {
	ledger  ledger.Ledger
	zones   []*zone.Zone
	overlay curves.Overlay
	fired   map[string]bool
}

func (t *Town) newPending(l ledger.Ledger, zones []*zone.Zone) *pending {
	return &pending{
		ledger:  l,
		zones:   zones,
		overlay: t.overlay.Clone(),
		fired:   cloneFired(t.fired),
	}
}

func (t *Town) commit(st *pending) {
	t.ledger = st.ledger
	t.zones = st.zones
	t.overlay = st.overlay
	t.fired = st.fired
}

// StepOnce advances the town by exactly one tick.
func (t *Town) StepOnce() ([]Event, error) {
	return t.tickOnce()
}

// Step adds dt to the tick accumulator and runs every whole tick it now
// holds; the sub-tick remainder is carried to the next call. Step is all or
// nothing: if any tick fails the town is rolled back to where it was before
// the call and nothing reaches the tick or event logs.
func (t *Town) Step(dt time.Duration) ([]Event, error) {
	if dt < 0 {
		return nil, fmt.Errorf("step %v: %w", dt, ErrInvalidState)
	}
	acc := t.clock.Remainder + dt
	if acc < t.tickDur {
		t.clock.Remainder = acc
		return nil, nil
	}

	saved := t.save()
	t.held = &heldWrites{}
	defer func() { t.held = nil }()

	var out []Event
	for acc >= t.tickDur {
		evs, err := t.tickOnce()
		if err != nil {
			t.rollback(saved)
			return nil, err
		}
		out = append(out, evs...)
		acc -= t.tickDur
	}
	t.clock.Remainder = acc
	t.flush(t.held)
	return out, nil
}

// savedState is what Step restores when a tick fails part way.
type savedState struct {
	ledger    ledger.Ledger
	zones     []*zone.Zone
	overlay   curves.Overlay
	fired     map[string]bool
	tech      map[string]bool
	clock     Clock
	nextEvent uint64
	last      lastStep
}

func (t *Town) save() savedState {
	return savedState{
		ledger:    t.ledger,
		zones:     t.zones,
		overlay:   t.overlay,
		fired:     t.fired,
		tech:      t.tech,
		clock:     t.clock,
		nextEvent: t.nextEvent,
		last:      t.last,
	}
}

// rollback relies on commit swapping in fresh zones, overlay and fired
// maps rather than mutating the committed ones.
func (t *Town) rollback(s savedState) {
	t.ledger = s.ledger
	t.zones = s.zones
	t.overlay = s.overlay
	t.fired = s.fired
	t.tech = s.tech
	t.clock = s.clock
	t.nextEvent = s.nextEvent
	t.last = s.last
}

// heldWrites buffers log output while a Step is in flight.
type heldWrites struct {
	ticks  []TickLogEntry
	events []Event
}

func (t *Town) flush(h *heldWrites) {
	if t.eventLogger != nil && len(h.events) > 0 {
		if err := t.eventLogger.WriteEvents(h.events); err != nil {
			t.logger.Printf("event log: %v", err)
		}
	}
	if t.tickLogger == nil {
		return
	}
	for _, e := range h.ticks {
		if err := t.tickLogger.WriteTick(e); err != nil {
			t.logger.Printf("tick log: %v", err)
		}
	}
}

func (t *Town) tickOnce() ([]Event, error) {
	tick := t.clock.Tick
	dt := t.tickDur.Seconds()
	params := t.base.Curves.With(t.overlay)

	zoneMods := curves.Overlay{}
	for _, z := range t.zones {
		if z.Dormant {
			continue
		}
		for k, v := range z.CurveModifiers {
			zoneMods.Add(k, v)
		}
	}
	in := zone.TickInput{
		PopulationPressure: t.ledger.PopulationPressure,
		Maintenance:        t.ledger.Maintenance,
		Dt:                 dt,
		Params:             params.With(zoneMods),
		Policy:             t.policy,
	}

	var events []Event
	zones := cloneZones(t.zones)
	contribs := make([]ledger.Contribution, 0, len(zones))
	for _, z := range zones {
		c, err := z.Tick(in)
		if err != nil {
			return nil, fmt.Errorf("tick %d: %w", tick, err)
		}
		contribs = append(contribs, c)
		if c.WentDormant {
			events = append(events, Event{
				Tick:    tick,
				Kind:    EventZoneDormant,
				ZoneID:  z.ID,
				Message: fmt.Sprintf("%s has fallen quiet.", z.Name),
			})
		}
	}

	rules := t.base
	rules.Curves = params
	res, err := ledger.Apply(t.ledger, contribs, dt, rules)
	if err != nil {
		return nil, fmt.Errorf("tick %d: %w", tick, err)
	}
	for _, k := range res.Starved {
		events = append(events, Event{Tick: tick, Kind: EventResourceStarved, Resource: k})
	}

	simulated := t.clock.Simulated + t.tickDur
	st := t.newPending(res.Ledger, zones)
	events = append(events, t.evaluateMilestones(st, tick, simulated)...)

	t.commit(st)
	t.clock.Tick++
	t.clock.Simulated = simulated
	events = t.emit(events)
	t.last = lastStep{result: res, events: events}

	if t.tickLogger != nil {
		entry := TickLogEntry{
			Tick:                tick,
			SimulatedMs:         simulated.Milliseconds(),
			Ledger:              res.Ledger,
			Output:              res.Output,
			Upkeep:              res.Upkeep,
			EnergyCost:          res.EnergyCost,
			MaintenanceCost:     res.MaintenanceCost,
			EffectivePopulation: res.EffectivePopulation,
			Dampening:           res.Dampening,
			Events:              events,
			Digest:              t.StateDigest(),
		}
		if t.held != nil {
			t.held.ticks = append(t.held.ticks, entry)
		} else if err := t.tickLogger.WriteTick(entry); err != nil {
			t.logger.Printf("tick log: %v", err)
		}
	}
	return events, nil
}

// evaluateMilestones runs the evaluator once against st and applies every
// firing to st.
func (t *Town) evaluateMilestones(st *pending, tick uint64, simulated time.Duration) []Event {
	byID := make(map[string]*zone.Zone, len(st.zones))
	for _, z := range st.zones {
		byID[z.ID] = z
	}
	before := st.fired
	st.fired = cloneFired(before)
	firings := t.eval.Evaluate(milestone.State{
		Ledger: st.ledger,
		Zones:  byID,
		Hours:  simulated.Hours(),
	}, st.fired)

	return t.applyFirings(st, before, firings, tick)
}

// applyFirings applies firings in order. A firing whose id was already in
// the fired set before this evaluation is a re-entry and is skipped.
func (t *Town) applyFirings(st *pending, before map[string]bool, firings []milestone.Firing, tick uint64) []Event {
	var events []Event
	for _, f := range firings {
		if before[f.ID] {
			t.logger.Printf("milestone %s re-entered at tick %d; ignored", f.ID, tick)
			continue
		}
		events = append(events, t.applyFiring(st, f, tick)...)
	}
	return events
}

// applyFiring applies one firing's effects. Effects only touch biases and
// zone progression.
func (t *Town) applyFiring(st *pending, f milestone.Firing, tick uint64) []Event {
	t.logger.Printf("milestone %s fired at tick %d", f.ID, tick)
	events := []Event{{Tick: tick, Kind: EventMilestoneFired, MilestoneID: f.ID, Message: f.Name}}
	for _, e := range f.Effects {
		switch e.Type {
		case milestone.EffectCurveBias:
			if st.overlay == nil {
				st.overlay = curves.Overlay{}
			}
			st.overlay.Add(e.Key, e.Delta)
			if e.Message != "" {
				events = append(events, Event{Tick: tick, Kind: EventNarrative, MilestoneID: f.ID, Message: e.Message})
			}

		case milestone.EffectAdvanceZone:
			i := zoneIndex(st.zones, e.ZoneID)
			if i < 0 {
				t.logger.Printf("milestone %s: advance of unknown zone %q ignored", f.ID, e.ZoneID)
				continue
			}
			stage := st.zones[i].Advance(e.Advancement())
			events = append(events, Event{Tick: tick, Kind: EventZoneReawakened, ZoneID: e.ZoneID, MilestoneID: f.ID, Amount: float64(stage), Message: e.Message})

		case milestone.EffectUnlockZone:
			id := e.ZoneID
			if id == "" {
				id = e.TemplateID
			}
			if i := zoneIndex(st.zones, id); i >= 0 {
				stage := st.zones[i].Advance(e.Advancement())
				events = append(events, Event{Tick: tick, Kind: EventZoneReawakened, ZoneID: id, MilestoneID: f.ID, Amount: float64(stage), Message: e.Message})
				continue
			}
			tpl, ok := t.templates[e.TemplateID]
			if !ok {
				t.logger.Printf("milestone %s: unlock of unknown template %q ignored", f.ID, e.TemplateID)
				continue
			}
			z := zone.New(id, tpl, false)
			st.zones = insertZone(st.zones, z)
			msg := e.Message
			if msg == "" {
				msg = fmt.Sprintf("%s can be restored now.", z.Name)
			}
			events = append(events, Event{Tick: tick, Kind: EventZoneUnlocked, ZoneID: id, TemplateID: tpl.ID, MilestoneID: f.ID, Message: msg})

		case milestone.EffectNarrative:
			events = append(events, Event{Tick: tick, Kind: EventNarrative, MilestoneID: f.ID, Message: e.Message})
		}
	}
	return events
}
