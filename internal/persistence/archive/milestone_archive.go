// Package archive keeps permanent copies of snapshots taken right after a
// milestone fired, so pruning rotated snapshots never loses them.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"hearthwake.ai/internal/persistence/snapshot"
)

type MilestoneArchiveMeta struct {
	TownID     string   `json:"town_id"`
	Tick       uint64   `json:"tick"`
	Milestones []string `json:"milestones"`
	Snapshot   string   `json:"snapshot"`
	SavedAt    string   `json:"saved_at"`
	CreatedAt  string   `json:"created_at"`
}

// NewlyFired returns the milestone ids fired in snap but not in prev, sorted.
func NewlyFired(prev, snap snapshot.SnapshotV1) []string {
	seen := make(map[string]bool, len(prev.Fired))
	for _, id := range prev.Fired {
		seen[id] = true
	}
	var out []string
	for _, id := range snap.Fired {
		if !seen[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ArchiveMilestoneSnapshot copies snapshotPath into
// townDir/archives/tick_<NNNNNNNNNN>/ with a meta.json naming milestones.
// It does nothing when milestones is empty.
func ArchiveMilestoneSnapshot(townDir, snapshotPath string, snap snapshot.SnapshotV1, milestones []string) (archivedPath string, archived bool, err error) {
	if len(milestones) == 0 {
		return "", false, nil
	}
	archiveDir := filepath.Join(townDir, "archives", fmt.Sprintf("tick_%010d", snap.Header.Tick))
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", false, err
	}

	meta := MilestoneArchiveMeta{
		TownID:     snap.Header.TownID,
		Tick:       snap.Header.Tick,
		Milestones: append([]string(nil), milestones...),
		Snapshot:   filepath.Base(dst),
		SavedAt:    snap.Header.SavedAt.UTC().Format(time.RFC3339Nano),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}
	return dst, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
