package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"hearthwake.ai/internal/persistence/snapshot"
	"hearthwake.ai/internal/sim/town"
)

var discardLogger = log.New(io.Discard, "", 0)

type simulateOpts struct {
	duration time.Duration
	research []string
	restore  []string
	out      string
	events   bool
}

func runSimulate(w io.Writer, f envFlags, opts simulateOpts) error {
	e, err := loadEnv(f)
	if err != nil {
		return err
	}
	if opts.duration < 0 {
		return fmt.Errorf("--for must not be negative")
	}
	t, err := town.New(e.townConfig("sim"))
	if err != nil {
		return err
	}

	var evs []town.Event
	for _, id := range opts.research {
		got, err := t.ApplyCommand(town.Command{Kind: town.CmdResearch, TechID: strings.TrimSpace(id)})
		if err != nil {
			return fmt.Errorf("research %s: %w", id, err)
		}
		evs = append(evs, got...)
	}
	for _, id := range opts.restore {
		got, err := t.ApplyCommand(town.Command{Kind: town.CmdRestoreZone, ZoneID: strings.TrimSpace(id)})
		if err != nil {
			return fmt.Errorf("restore %s: %w", id, err)
		}
		evs = append(evs, got...)
	}

	start := time.Now()
	stepped, err := t.Step(opts.duration)
	evs = append(evs, stepped...)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "simulated %s in %s (%s ticks, %s events)\n",
		opts.duration, time.Since(start).Round(time.Millisecond), humanize.Comma(int64(t.Clock().Tick)), humanize.Comma(int64(len(evs))))
	printObservation(w, t.Observe())
	if opts.events {
		printEvents(w, evs)
	}

	if opts.out != "" {
		if err := snapshot.WriteSnapshot(opts.out, t.Snapshot(time.Now().UTC())); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", opts.out)
	}
	return nil
}

func runInspect(w io.Writer, path string, asJSON bool, now time.Time) error {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	size := "?"
	if fi, err := os.Stat(path); err == nil {
		size = humanize.Bytes(uint64(fi.Size()))
	}
	h := snap.Header
	fmt.Fprintf(w, "snapshot v%d town=%s tick=%s saved %s (%s)\n",
		h.Version, h.TownID, humanize.Comma(int64(h.Tick)), humanize.RelTime(h.SavedAt, now, "ago", "from now"), size)
	fmt.Fprintf(w, "  tick %dms  simulated %.2fh  next event #%d\n",
		snap.TickDurationMs, time.Duration(snap.SimulatedNs).Hours(), snap.Counters.NextEvent)

	r := snap.Ledger.Resources
	fmt.Fprintf(w, "  energy %s  maintenance %s  stability %s  attractiveness %s  pressure %s\n",
		fmtNum(r.Energy), fmtNum(r.Maintenance), fmtNum(r.Stability), fmtNum(r.Attractiveness), fmtNum(snap.Ledger.PopulationPressure))
	fmt.Fprintf(w, "  offline proxy: output %s/h  pressure trend %s/h\n",
		fmtNum(snap.Ledger.OutputEstimate), fmtNum(snap.Ledger.PressureTrend))

	for _, z := range snap.Zones {
		state := "active"
		if z.Dormant {
			state = "dormant"
		}
		fmt.Fprintf(w, "  %-14s %-8s cond=%.3f act=%.3f stage=%d prio=%s\n", z.ID, state, z.Condition, z.Activity, z.ReawakeningStage, z.Priority)
	}
	if len(snap.Fired) > 0 {
		fmt.Fprintf(w, "  milestones: %s\n", strings.Join(snap.Fired, ", "))
	}
	if len(snap.Tech) > 0 {
		fmt.Fprintf(w, "  researched: %s\n", strings.Join(snap.Tech, ", "))
	}
	if len(snap.Overlay) > 0 {
		keys := make([]string, 0, len(snap.Overlay))
		for k := range snap.Overlay {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  bias %s %+g\n", k, snap.Overlay[k])
		}
	}
	for _, k := range []string{"zones", "milestones", "tech"} {
		if d := snap.CatalogDigests[k]; d != "" {
			fmt.Fprintf(w, "  %s catalog %.12s\n", k, d)
		}
	}
	return nil
}

func runResume(w io.Writer, f envFlags, path string, away time.Duration, out string) error {
	e, err := loadEnv(f)
	if err != nil {
		return err
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return err
	}
	t, err := town.Restore(e.townConfig(snap.Header.TownID), snap)
	if err != nil {
		return err
	}
	rep, err := t.Resume(away)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "away %s: mode=%s applied=%s", away, rep.Mode, rep.Applied)
	if rep.Clamped {
		fmt.Fprint(w, " (clamped)")
	}
	fmt.Fprintln(w)
	switch rep.Mode {
	case town.ResumeReplay:
		fmt.Fprintf(w, "  replayed %s ticks\n", humanize.Comma(int64(rep.Ticks)))
	case town.ResumeCatchUp:
		d := rep.Distributed
		fmt.Fprintf(w, "  gain %s: energy +%s maintenance +%s stability +%s attractiveness +%s pressure +%s\n",
			fmtNum(rep.Gain), fmtNum(d.Energy), fmtNum(d.Maintenance), fmtNum(d.Stability), fmtNum(d.Attractiveness), fmtNum(rep.PressureGrowth))
	}
	printObservation(w, t.Observe())
	printEvents(w, rep.Events)

	if out != "" {
		saved := snap.Header.SavedAt.Add(away)
		if err := snapshot.WriteSnapshot(out, t.Snapshot(saved)); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote %s\n", out)
	}
	return nil
}

func runCatalogs(w io.Writer, f envFlags) error {
	e, err := loadEnv(f)
	if err != nil {
		return err
	}
	if err := e.tune.Validate(); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	fmt.Fprintf(w, "zones.json       %d templates  sha256 %s\n", len(e.cats.Zones.Order), e.cats.Zones.Digest)
	for _, tpl := range e.cats.Zones.Templates() {
		fmt.Fprintf(w, "  %-14s %-14s %s", tpl.ID, tpl.Category, tpl.Initial)
		if tpl.UpgradeTo != "" {
			fmt.Fprintf(w, "  -> %s", tpl.UpgradeTo)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "milestones.json  %d milestones  sha256 %s\n", len(e.cats.Milestones.Defs), e.cats.Milestones.Digest)
	for _, d := range e.cats.Milestones.Defs {
		fmt.Fprintf(w, "  %-14s %d conditions, %d effects\n", d.ID, len(d.Conditions), len(d.Effects))
	}
	fmt.Fprintf(w, "tech.json        %d nodes  sha256 %s\n", len(e.cats.Tech.Nodes), e.cats.Tech.Digest)
	for _, n := range e.cats.Tech.Nodes {
		fmt.Fprintf(w, "  %-14s cost %-6s parent %s\n", n.ID, fmtNum(n.Cost), orDash(n.Parent))
	}
	fmt.Fprintf(w, "tuning           tick %s, offline cap %s, long gap %s\n",
		e.tune.TickDuration(), e.tune.OfflineCap(), e.tune.LongGap())
	return nil
}
