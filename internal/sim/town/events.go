package town

import "hearthwake.ai/internal/sim/ledger"

type EventKind string

const (
	EventResourceStarved   EventKind = "resource_starved"
	EventMilestoneFired    EventKind = "milestone_fired"
	EventZoneDormant       EventKind = "zone_dormant"
	EventZoneReawakened    EventKind = "zone_reawakened"
	EventZoneRestored      EventKind = "zone_restored"
	EventZoneFounded       EventKind = "zone_founded"
	EventZoneUnlocked      EventKind = "zone_unlocked"
	EventZoneRevived       EventKind = "zone_revived"
	EventZoneUpgraded      EventKind = "zone_upgraded"
	EventTechResearched    EventKind = "tech_researched"
	EventPriorityChanged   EventKind = "priority_changed"
	EventOfflineCatchUp    EventKind = "offline_catch_up"
	EventOfflineGapClamped EventKind = "offline_gap_clamped"
	EventNarrative         EventKind = "narrative"
)

// Event is one entry of the ordered domain log. Seq is unique and strictly
// increasing for the lifetime of a town, across restores.
type Event struct {
	Seq         uint64      `json:"seq"`
	Tick        uint64      `json:"tick"`
	Kind        EventKind   `json:"kind"`
	Resource    ledger.Kind `json:"resource,omitempty"`
	ZoneID      string      `json:"zone_id,omitempty"`
	TemplateID  string      `json:"template_id,omitempty"`
	MilestoneID string      `json:"milestone_id,omitempty"`
	TechID      string      `json:"tech_id,omitempty"`
	Amount      float64     `json:"amount,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// TickLogEntry is written once per executed tick.
type TickLogEntry struct {
	Tick                uint64           `json:"tick"`
	SimulatedMs         int64            `json:"simulated_ms"`
	Ledger              ledger.Ledger    `json:"ledger"`
	Output              ledger.Resources `json:"output"`
	Upkeep              ledger.Resources `json:"upkeep"`
	EnergyCost          float64          `json:"energy_cost"`
	MaintenanceCost     float64          `json:"maintenance_cost"`
	EffectivePopulation float64          `json:"effective_population"`
	Dampening           float64          `json:"dampening"`
	Events              []Event          `json:"events,omitempty"`
	Digest              string           `json:"digest"`
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

// EventLogger receives every domain event, including those raised by
// commands and offline catch-up outside a tick.
type EventLogger interface {
	WriteEvents(events []Event) error
}
