package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/dustin/go-humanize"

	persistlog "hearthwake.ai/internal/persistence/log"
	"hearthwake.ai/internal/persistence/snapshot"
	"hearthwake.ai/internal/sim/town"
	"hearthwake.ai/internal/sim/zone"
)

var errStop = errors.New("stop replay")

type replayOpts struct {
	townDir  string
	snapshot string
	toTick   uint64
}

type replayResult struct {
	From     uint64
	Checked  uint64
	Commands int
	// StoppedAt is set when an offline catch-up interrupts the log; ticks
	// after it cannot be rebuilt from tick entries alone.
	StoppedAt uint64
}

// commandsFromEvents rebuilds the player commands applied at each tick
// boundary from the events they produced.
func commandsFromEvents(evs []town.Event) (map[uint64][]town.Command, map[uint64]bool) {
	cmds := make(map[uint64][]town.Command)
	catchUps := make(map[uint64]bool)
	for _, e := range evs {
		switch e.Kind {
		case town.EventZoneRestored:
			cmds[e.Tick] = append(cmds[e.Tick], town.Command{Kind: town.CmdRestoreZone, ZoneID: e.ZoneID})
		case town.EventZoneFounded:
			cmds[e.Tick] = append(cmds[e.Tick], town.Command{Kind: town.CmdFoundZone, ZoneID: e.ZoneID, TemplateID: e.TemplateID})
		case town.EventZoneUpgraded:
			cmds[e.Tick] = append(cmds[e.Tick], town.Command{Kind: town.CmdUpgradeZone, ZoneID: e.ZoneID})
		case town.EventTechResearched:
			cmds[e.Tick] = append(cmds[e.Tick], town.Command{Kind: town.CmdResearch, TechID: e.TechID})
		case town.EventPriorityChanged:
			cmds[e.Tick] = append(cmds[e.Tick], town.Command{Kind: town.CmdSetPriority, ZoneID: e.ZoneID, Priority: zone.Priority(e.Message)})
		case town.EventOfflineCatchUp:
			catchUps[e.Tick] = true
		}
	}
	return cmds, catchUps
}

func replay(e env, opts replayOpts) (replayResult, error) {
	var res replayResult
	path := opts.snapshot
	if path == "" {
		paths, err := snapshot.List(filepath.Join(opts.townDir, "snapshots"))
		if err != nil {
			return res, err
		}
		if len(paths) == 0 {
			return res, fmt.Errorf("no snapshots under %s", opts.townDir)
		}
		path = paths[0]
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return res, err
	}
	t, err := town.Restore(e.townConfig(snap.Header.TownID), snap)
	if err != nil {
		return res, err
	}
	res.From = t.Clock().Tick

	evs, err := persistlog.ReadEvents(opts.townDir)
	if err != nil {
		return res, err
	}
	cmds, catchUps := commandsFromEvents(evs)

	files, err := persistlog.Files(filepath.Join(opts.townDir, "ticks"), "ticks")
	if err != nil {
		return res, err
	}
	if len(files) == 0 {
		return res, fmt.Errorf("no tick logs under %s", opts.townDir)
	}

	for _, f := range files {
		err := persistlog.ReadJSONL(f, func(raw json.RawMessage) error {
			var entry town.TickLogEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(f), err)
			}
			if entry.Tick < res.From {
				return nil
			}
			if opts.toTick != 0 && entry.Tick > opts.toTick {
				return errStop
			}
			if catchUps[entry.Tick] {
				res.StoppedAt = entry.Tick
				return errStop
			}
			if entry.Tick != t.Clock().Tick {
				return fmt.Errorf("tick mismatch: want=%d got=%d (file=%s)", t.Clock().Tick, entry.Tick, filepath.Base(f))
			}
			for _, c := range cmds[entry.Tick] {
				if _, err := t.ApplyCommand(c); err != nil {
					return fmt.Errorf("tick %d: replay %s: %w", entry.Tick, c.Kind, err)
				}
				res.Commands++
			}
			if _, err := t.StepOnce(); err != nil {
				return err
			}
			if got := t.StateDigest(); got != entry.Digest {
				return fmt.Errorf("digest mismatch at tick %d: got=%s want=%s", entry.Tick, got, entry.Digest)
			}
			res.Checked++
			return nil
		})
		if err == errStop {
			break
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func runReplay(w io.Writer, f envFlags, opts replayOpts) error {
	e, err := loadEnv(f)
	if err != nil {
		return err
	}
	res, err := replay(e, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "replay ok: checked=%s ticks commands=%d (from snapshot tick=%s)\n",
		humanize.Comma(int64(res.Checked)), res.Commands, humanize.Comma(int64(res.From)))
	if res.StoppedAt != 0 {
		fmt.Fprintf(w, "stopped at tick %d: offline catch-up\n", res.StoppedAt)
	}
	return nil
}
