package town

import (
	"errors"
	"fmt"

	"hearthwake.ai/internal/sim/tech"
	"hearthwake.ai/internal/sim/zone"
)

type CommandKind string

const (
	CmdRestoreZone CommandKind = "restore_zone"
	CmdSetPriority CommandKind = "set_priority"
	CmdFoundZone   CommandKind = "found_zone"
	CmdUpgradeZone CommandKind = "upgrade_zone"
	CmdResearch    CommandKind = "research"
)

// Command is a user intent. It is applied between ticks.
type Command struct {
	Kind       CommandKind   `json:"kind"`
	ZoneID     string        `json:"zone_id,omitempty"`
	TemplateID string        `json:"template_id,omitempty"`
	Priority   zone.Priority `json:"priority,omitempty"`
	TechID     string        `json:"tech_id,omitempty"`
}

// ApplyCommand applies cmd immediately. On error nothing changes.
func (t *Town) ApplyCommand(cmd Command) ([]Event, error) {
	switch cmd.Kind {
	case CmdRestoreZone:
		return t.restoreZone(cmd)
	case CmdSetPriority:
		return t.setPriority(cmd)
	case CmdFoundZone:
		return t.foundZone(cmd)
	case CmdUpgradeZone:
		return t.upgradeZone(cmd)
	case CmdResearch:
		return t.research(cmd)
	}
	return nil, fmt.Errorf("command kind %q: %w", cmd.Kind, ErrBadCommand)
}

func (t *Town) restoreZone(cmd Command) ([]Event, error) {
	i := zoneIndex(t.zones, cmd.ZoneID)
	if i < 0 {
		return nil, fmt.Errorf("restore %q: %w", cmd.ZoneID, ErrUnknownZone)
	}
	z := t.zones[i].Clone()
	if !z.Dormant && z.Condition >= 1 {
		return nil, fmt.Errorf("restore %s: already at full condition: %w", z.ID, ErrBadCommand)
	}
	cost := t.tu.Zones.RestoreEnergyCost
	if t.ledger.Energy < cost {
		return nil, fmt.Errorf("restore %s needs %.2f energy, have %.2f: %w", z.ID, cost, t.ledger.Energy, ErrInsufficientEnergy)
	}
	before := z.Condition
	revived, err := z.Restore(t.tu.Zones.RestoreAmount, t.tu.Zones.ReviveAt)
	if err != nil {
		return nil, err
	}

	t.ledger.Energy -= cost
	t.zones[i] = z

	tick := t.clock.Tick
	events := []Event{{Tick: tick, Kind: EventZoneRestored, ZoneID: z.ID, Amount: z.Condition - before}}
	if revived {
		events = append(events, Event{
			Tick:    tick,
			Kind:    EventZoneRevived,
			ZoneID:  z.ID,
			Message: fmt.Sprintf("%s stirs back to life.", z.Name),
		})
	}
	return t.emit(events), nil
}

func (t *Town) setPriority(cmd Command) ([]Event, error) {
	if cmd.Priority == "" {
		return nil, fmt.Errorf("set priority: empty priority: %w", ErrBadCommand)
	}
	p, err := zone.ParsePriority(string(cmd.Priority))
	if err != nil {
		return nil, fmt.Errorf("set priority: %v: %w", err, ErrBadCommand)
	}
	i := zoneIndex(t.zones, cmd.ZoneID)
	if i < 0 {
		return nil, fmt.Errorf("set priority %q: %w", cmd.ZoneID, ErrUnknownZone)
	}
	if t.zones[i].Priority == p {
		return nil, nil
	}
	t.zones[i].Priority = p
	return t.emit([]Event{{Tick: t.clock.Tick, Kind: EventPriorityChanged, ZoneID: cmd.ZoneID, Message: string(p)}}), nil
}

// foundZone builds a new active zone from a template, paying its
// construction cost in energy. Locked templates can only be founded once a
// milestone or an upgrade has put one on the map.
func (t *Town) foundZone(cmd Command) ([]Event, error) {
	tpl, ok := t.templates[cmd.TemplateID]
	if !ok {
		return nil, fmt.Errorf("found %q: %w", cmd.TemplateID, ErrUnknownTemplate)
	}
	if tpl.Initial == zone.InitialLocked && !t.hasTemplate(tpl.ID) {
		return nil, fmt.Errorf("found %s: template is locked: %w", tpl.ID, ErrBadCommand)
	}
	if tpl.RequiresTech != "" && !t.tech[tpl.RequiresTech] {
		return nil, fmt.Errorf("found %s: needs %s researched: %w", tpl.ID, tpl.RequiresTech, ErrBadCommand)
	}
	id := cmd.ZoneID
	if id == "" {
		id = tpl.ID
	}
	if zoneIndex(t.zones, id) >= 0 {
		return nil, fmt.Errorf("found %s: %w", id, ErrZoneExists)
	}
	if t.ledger.Energy < tpl.ConstructionCost {
		return nil, fmt.Errorf("found %s needs %.2f energy, have %.2f: %w", id, tpl.ConstructionCost, t.ledger.Energy, ErrInsufficientEnergy)
	}

	z := zone.New(id, tpl, true)
	t.ledger.Energy -= tpl.ConstructionCost
	t.zones = insertZone(t.zones, z)
	return t.emit([]Event{{
		Tick:       t.clock.Tick,
		Kind:       EventZoneFounded,
		ZoneID:     id,
		TemplateID: tpl.ID,
		Amount:     tpl.ConstructionCost,
		Message:    fmt.Sprintf("%s opens its doors.", z.Name),
	}}), nil
}

// upgradeZone rebuilds a well-kept zone as its template's upgrade target,
// paying the target's construction cost in energy.
func (t *Town) upgradeZone(cmd Command) ([]Event, error) {
	i := zoneIndex(t.zones, cmd.ZoneID)
	if i < 0 {
		return nil, fmt.Errorf("upgrade %q: %w", cmd.ZoneID, ErrUnknownZone)
	}
	z := t.zones[i]
	from, ok := t.templates[z.TemplateID]
	if !ok {
		return nil, fmt.Errorf("upgrade %s: template %q: %w", z.ID, z.TemplateID, ErrUnknownTemplate)
	}
	if from.UpgradeTo == "" {
		return nil, fmt.Errorf("upgrade %s: %s has no upgrade: %w", z.ID, from.ID, ErrBadCommand)
	}
	to := t.templates[from.UpgradeTo]
	if z.Dormant {
		return nil, fmt.Errorf("upgrade %s: zone is dormant: %w", z.ID, ErrBadCommand)
	}
	if need := t.tu.Zones.UpgradeMinCondition; z.Condition < need {
		return nil, fmt.Errorf("upgrade %s: condition %.2f below %.2f: %w", z.ID, z.Condition, need, ErrBadCommand)
	}
	if to.RequiresTech != "" && !t.tech[to.RequiresTech] {
		return nil, fmt.Errorf("upgrade %s: %s needs %s researched: %w", z.ID, to.ID, to.RequiresTech, ErrBadCommand)
	}
	if t.ledger.Energy < to.ConstructionCost {
		return nil, fmt.Errorf("upgrade %s needs %.2f energy, have %.2f: %w", z.ID, to.ConstructionCost, t.ledger.Energy, ErrInsufficientEnergy)
	}

	up := z.Clone()
	up.Upgrade(from, to)
	t.ledger.Energy -= to.ConstructionCost
	t.zones[i] = up
	return t.emit([]Event{{
		Tick:       t.clock.Tick,
		Kind:       EventZoneUpgraded,
		ZoneID:     up.ID,
		TemplateID: to.ID,
		Amount:     to.ConstructionCost,
		Message:    fmt.Sprintf("Upgraded to %s!", to.Name),
	}}), nil
}

// research buys a tech node and folds its effects into the bias overlay.
func (t *Town) research(cmd Command) ([]Event, error) {
	n, err := t.techTree.Check(cmd.TechID, t.techState())
	switch {
	case errors.Is(err, tech.ErrLocked):
		return nil, fmt.Errorf("research: %v: %w", err, ErrBadCommand)
	case err != nil:
		return nil, fmt.Errorf("research: %w", err)
	}
	if t.ledger.Energy < n.Cost {
		return nil, fmt.Errorf("research %s needs %.2f energy, have %.2f: %w", n.ID, n.Cost, t.ledger.Energy, ErrInsufficientEnergy)
	}

	t.ledger.Energy -= n.Cost
	if len(n.Effects) > 0 {
		t.overlay = t.overlay.Merge(n.Effects)
	}
	researched := cloneFired(t.tech)
	researched[n.ID] = true
	t.tech = researched
	return t.emit([]Event{{
		Tick:    t.clock.Tick,
		Kind:    EventTechResearched,
		TechID:  n.ID,
		Amount:  n.Cost,
		Message: n.Name,
	}}), nil
}

func (t *Town) hasTemplate(templateID string) bool {
	for _, z := range t.zones {
		if z.TemplateID == templateID {
			return true
		}
	}
	return false
}
