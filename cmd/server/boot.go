package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"hearthwake.ai/internal/persistence/snapshot"
	"hearthwake.ai/internal/sim/town"
)

// resolveTownID returns flagID when set. Otherwise it reuses the id recorded
// in dataDir/current_town, or mints and records a new one.
func resolveTownID(dataDir, flagID string) (string, error) {
	if id := strings.TrimSpace(flagID); id != "" {
		return id, nil
	}
	path := filepath.Join(dataDir, "current_town")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	id := "town_" + uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

type bootResult struct {
	Town     *town.Town
	Snapshot snapshot.SnapshotV1 // zero for a fresh town
	Resumed  bool
	From     string
	Report   town.ResumeReport
}

// bootTown restores the newest snapshot (or snapPath when set) and credits
// the wall time elapsed since it was saved; with no snapshot it founds a
// fresh town.
func bootTown(cfg town.Config, snapDir, snapPath string, now time.Time, logger *log.Logger) (bootResult, error) {
	var res bootResult
	path := strings.TrimSpace(snapPath)
	if path == "" {
		latest, err := snapshot.Latest(snapDir)
		if err != nil {
			return res, err
		}
		path = latest
	}

	if path == "" {
		t, err := town.New(cfg)
		if err != nil {
			return res, err
		}
		logger.Printf("founded town=%s zones=%d", cfg.ID, len(t.Zones()))
		res.Town = t
		return res, nil
	}

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return res, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	if snap.Header.TownID != "" && cfg.ID != "" && snap.Header.TownID != cfg.ID {
		return res, fmt.Errorf("snapshot town id mismatch: want=%s snap=%s", cfg.ID, snap.Header.TownID)
	}
	if want, got := cfg.CatalogDigests["zones"], snap.CatalogDigests["zones"]; want != "" && got != "" && want != got {
		logger.Printf("zone catalog changed since snapshot (was %.12s, now %.12s)", got, want)
	}
	t, err := town.Restore(cfg, snap)
	if err != nil {
		return res, fmt.Errorf("restore %s: %w", path, err)
	}

	elapsed := now.Sub(snap.Header.SavedAt)
	if snap.Header.SavedAt.IsZero() || elapsed < 0 {
		elapsed = 0
	}
	rep, err := t.Resume(elapsed)
	if err != nil {
		return res, fmt.Errorf("resume: %w", err)
	}

	size := "?"
	if fi, err := os.Stat(path); err == nil {
		size = humanize.Bytes(uint64(fi.Size()))
	}
	logger.Printf("resumed town=%s from %s (%s, saved %s) tick=%s mode=%s",
		t.ID(), filepath.Base(path), size, humanize.RelTime(snap.Header.SavedAt, now, "ago", "from now"),
		humanize.Comma(int64(snap.Header.Tick)), rep.Mode)
	if rep.Mode == town.ResumeCatchUp {
		logger.Printf("offline catch-up: credited %.1fh gain=%s clamped=%v",
			rep.Applied.Hours(), humanize.FormatFloat("#,###.##", rep.Gain), rep.Clamped)
	}

	res.Town = t
	res.Snapshot = snap
	res.Resumed = true
	res.From = path
	res.Report = rep
	return res, nil
}
