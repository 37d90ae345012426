package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"hearthwake.ai/internal/sim/catalogs"
	"hearthwake.ai/internal/sim/town"
	"hearthwake.ai/internal/sim/tuning"
)

type envFlags struct {
	configDir  string
	tuningPath string
}

type env struct {
	cats *catalogs.Catalogs
	tune tuning.Tuning
}

func loadEnv(f envFlags) (env, error) {
	cats, err := catalogs.Load(f.configDir)
	if err != nil {
		return env{}, fmt.Errorf("load catalogs: %w", err)
	}
	path := strings.TrimSpace(f.tuningPath)
	if path == "" {
		path = filepath.Join(f.configDir, "economy.yaml")
	}
	tune, err := tuning.Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return env{}, fmt.Errorf("load tuning: %w", err)
		}
		tune = tuning.Defaults()
	}
	return env{cats: cats, tune: tune}, nil
}

func (e env) townConfig(id string) town.Config {
	return town.Config{
		ID:             id,
		Tuning:         e.tune,
		Templates:      e.cats.Zones.Templates(),
		Milestones:     e.cats.Milestones.Defs,
		Tech:           e.cats.Tech.Nodes,
		CatalogDigests: e.cats.Digests(),
		Logger:         discardLogger,
	}
}

func fmtNum(v float64) string { return humanize.FormatFloat("#,###.###", v) }

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printObservation(w io.Writer, obs *town.Observation) {
	fmt.Fprintf(w, "town %s  tick %s  simulated %.2fh\n", obs.TownID, humanize.Comma(int64(obs.Tick)), obs.SimulatedHours)
	l := obs.Ledger
	fmt.Fprintf(w, "  energy %s  maintenance %s  stability %s  attractiveness %s\n",
		fmtNum(l.Energy), fmtNum(l.Maintenance), fmtNum(l.Stability), fmtNum(l.Attractiveness))
	fmt.Fprintf(w, "  pressure %s  population %s  dampening %.3f\n",
		fmtNum(l.PopulationPressure), fmtNum(obs.EffectivePopulation), obs.Dampening)
	for _, z := range obs.Zones {
		state := "active"
		if z.Dormant {
			state = "dormant"
		}
		fmt.Fprintf(w, "  %-14s %-8s cond=%.3f act=%.3f stage=%d prio=%s\n", z.ID, state, z.Condition, z.Activity, z.Stage, z.Priority)
	}
	if len(obs.Researched) > 0 {
		fmt.Fprintf(w, "  researched: %s\n", strings.Join(obs.Researched, ", "))
	}
	fired := append([]string(nil), obs.Fired...)
	sort.Strings(fired)
	if len(fired) > 0 {
		fmt.Fprintf(w, "  milestones: %s\n", strings.Join(fired, ", "))
	}
}

func printEvents(w io.Writer, evs []town.Event) {
	for _, e := range evs {
		fmt.Fprintf(w, "  #%d t=%d %s", e.Seq, e.Tick, e.Kind)
		if e.ZoneID != "" {
			fmt.Fprintf(w, " zone=%s", e.ZoneID)
		}
		if e.MilestoneID != "" {
			fmt.Fprintf(w, " milestone=%s", e.MilestoneID)
		}
		if e.TechID != "" {
			fmt.Fprintf(w, " tech=%s", e.TechID)
		}
		if e.Resource != "" {
			fmt.Fprintf(w, " resource=%s", e.Resource)
		}
		if e.Message != "" {
			fmt.Fprintf(w, " %q", e.Message)
		}
		fmt.Fprintln(w)
	}
}
