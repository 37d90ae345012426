// Package town is the tick engine: it owns the ledger, the zones, the
// milestone state and the simulated clock, and it is the only place where
// they change.
package town

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hearthwake.ai/internal/persistence/snapshot"
	"hearthwake.ai/internal/sim/curves"
	"hearthwake.ai/internal/sim/ledger"
	"hearthwake.ai/internal/sim/milestone"
	"hearthwake.ai/internal/sim/tech"
	"hearthwake.ai/internal/sim/tuning"
	"hearthwake.ai/internal/sim/zone"
)

var (
	ErrInvalidState       = ledger.ErrInvalidState
	ErrUnknownZone        = errors.New("unknown zone")
	ErrUnknownTemplate    = errors.New("unknown zone template")
	ErrInsufficientEnergy = errors.New("insufficient energy")
	ErrZoneExists         = errors.New("zone already exists")
	ErrBadCommand         = errors.New("bad command")
	ErrUnknownTech        = tech.ErrUnknownNode
)

type Config struct {
	ID         string
	Tuning     tuning.Tuning
	Templates  []zone.Template
	Milestones []milestone.Definition
	Tech       []tech.Node

	// CatalogDigests are recorded in snapshots for diagnostics only.
	CatalogDigests map[string]string

	// Optional collaborators (may be nil).
	Logger       *log.Logger
	TickLogger   TickLogger
	EventLogger  EventLogger
	SnapshotSink chan<- snapshot.SnapshotV1
}

// Clock is the last-simulated-time marker.
type Clock struct {
	Tick      uint64        `json:"tick"`
	Simulated time.Duration `json:"simulated"`
	Remainder time.Duration `json:"remainder"` // carried sub-tick time from Step
}

type Town struct {
	id        string
	tu        tuning.Tuning
	tickDur   time.Duration
	base      ledger.Rules // unbiased; never mutated
	policy    zone.Policy
	templates map[string]zone.Template
	eval      *milestone.Evaluator
	techTree  *tech.Tree
	digests   map[string]string

	ledger  ledger.Ledger
	zones   []*zone.Zone // ordered by id
	overlay curves.Overlay
	fired   map[string]bool
	tech    map[string]bool // researched node ids
	clock   Clock

	nextEvent uint64
	last      lastStep
	held      *heldWrites // non-nil while Step runs

	logger       *log.Logger
	tickLogger   TickLogger
	eventLogger  EventLogger
	snapshotSink chan<- snapshot.SnapshotV1

	cmds     chan commandReq
	snapReq  chan chan snapshot.SnapshotV1
	stop     chan struct{}
	stopOnce sync.Once
	obs      atomic.Pointer[Observation]
}

// lastStep keeps the diagnostics of the most recent tick for observers.
type lastStep struct {
	result ledger.StepResult
	events []Event
}

// New builds a fresh town: starting resources from tuning and one zone per
// non-locked template, in template id order.
func New(cfg Config) (*Town, error) {
	t, err := newTown(cfg)
	if err != nil {
		return nil, err
	}
	t.ledger = ledger.New(cfg.Tuning.Start, cfg.Tuning.StartPressure)
	if err := t.ledger.Validate(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(t.templates))
	for id := range t.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tpl := t.templates[id]
		switch tpl.Initial {
		case zone.InitialLocked:
			continue
		case zone.InitialDormant:
			t.zones = append(t.zones, zone.New("", tpl, false))
		default:
			t.zones = append(t.zones, zone.New("", tpl, true))
		}
	}
	t.publish()
	return t, nil
}

func newTown(cfg Config) (*Town, error) {
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("tuning: %w", err)
	}
	eval, err := milestone.NewEvaluator(cfg.Milestones)
	if err != nil {
		return nil, err
	}
	templates := make(map[string]zone.Template, len(cfg.Templates))
	for _, tpl := range cfg.Templates {
		if err := tpl.Validate(); err != nil {
			return nil, err
		}
		if _, dup := templates[tpl.ID]; dup {
			return nil, fmt.Errorf("zone template %s: duplicate id", tpl.ID)
		}
		templates[tpl.ID] = tpl
	}
	tree, err := tech.NewTree(cfg.Tech)
	if err != nil {
		return nil, err
	}
	for _, tpl := range templates {
		if tpl.UpgradeTo != "" {
			if _, ok := templates[tpl.UpgradeTo]; !ok {
				return nil, fmt.Errorf("zone template %s: upgrade_to unknown template %q", tpl.ID, tpl.UpgradeTo)
			}
		}
		if tpl.RequiresTech != "" {
			if _, ok := tree.Node(tpl.RequiresTech); !ok {
				return nil, fmt.Errorf("zone template %s: requires unknown tech %q", tpl.ID, tpl.RequiresTech)
			}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Town{
		id:           cfg.ID,
		tu:           cfg.Tuning,
		tickDur:      cfg.Tuning.TickDuration(),
		base:         cfg.Tuning.Rules(),
		policy:       cfg.Tuning.Policy(),
		templates:    templates,
		eval:         eval,
		techTree:     tree,
		digests:      cfg.CatalogDigests,
		fired:        map[string]bool{},
		tech:         map[string]bool{},
		logger:       logger,
		tickLogger:   cfg.TickLogger,
		eventLogger:  cfg.EventLogger,
		snapshotSink: cfg.SnapshotSink,
		cmds:         make(chan commandReq, 64),
		snapReq:      make(chan chan snapshot.SnapshotV1, 4),
		stop:         make(chan struct{}),
	}, nil
}

func (t *Town) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

func (t *Town) TickDuration() time.Duration { return t.tickDur }
func (t *Town) Clock() Clock                { return t.clock }
func (t *Town) Ledger() ledger.Ledger       { return t.ledger }

// Zones returns copies of the zones in id order.
func (t *Town) Zones() []zone.Zone {
	out := make([]zone.Zone, 0, len(t.zones))
	for _, z := range t.zones {
		out = append(out, *z.Clone())
	}
	return out
}

// Fired returns the ids of every milestone that has fired, sorted.
func (t *Town) Fired() []string {
	out := make([]string, 0, len(t.fired))
	for id := range t.fired {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Researched returns the ids of every researched tech node, sorted.
func (t *Town) Researched() []string {
	out := make([]string, 0, len(t.tech))
	for id := range t.tech {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *Town) activeZones() int {
	n := 0
	for _, z := range t.zones {
		if !z.Dormant {
			n++
		}
	}
	return n
}

func (t *Town) techState() tech.State {
	return tech.State{Researched: t.tech, Fired: t.fired, ActiveZones: t.activeZones()}
}

func (t *Town) Overlay() curves.Overlay { return t.overlay.Clone() }

// Params returns the curve parameters with milestone biases applied.
func (t *Town) Params() curves.Params { return t.base.Curves.With(t.overlay) }

func zoneIndex(zones []*zone.Zone, id string) int {
	i := sort.Search(len(zones), func(i int) bool { return zones[i].ID >= id })
	if i < len(zones) && zones[i].ID == id {
		return i
	}
	return -1
}

func insertZone(zones []*zone.Zone, z *zone.Zone) []*zone.Zone {
	i := sort.Search(len(zones), func(i int) bool { return zones[i].ID >= z.ID })
	zones = append(zones, nil)
	copy(zones[i+1:], zones[i:])
	zones[i] = z
	return zones
}

func cloneZones(zones []*zone.Zone) []*zone.Zone {
	out := make([]*zone.Zone, len(zones))
	for i, z := range zones {
		out[i] = z.Clone()
	}
	return out
}

func cloneFired(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// emit stamps sequence numbers and forwards events to the event logger.
func (t *Town) emit(events []Event) []Event {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		t.nextEvent++
		events[i].Seq = t.nextEvent
	}
	if t.held != nil {
		t.held.events = append(t.held.events, events...)
	} else if t.eventLogger != nil {
		if err := t.eventLogger.WriteEvents(events); err != nil {
			t.logger.Printf("event log: %v", err)
		}
	}
	return events
}
