package main

import (
	"context"
	"log"
	"path/filepath"

	"hearthwake.ai/internal/persistence/archive"
	"hearthwake.ai/internal/persistence/indexdb"
	"hearthwake.ai/internal/persistence/snapshot"
	"hearthwake.ai/internal/sim/town"
)

type multiTickLogger []town.TickLogger

func (m multiTickLogger) WriteTick(e town.TickLogEntry) error {
	var first error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.WriteTick(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type multiEventLogger []town.EventLogger

func (m multiEventLogger) WriteEvents(evs []town.Event) error {
	var first error
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.WriteEvents(evs); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// snapshotWriter persists snapshots from the town's sink: the file itself,
// an index row, a permanent archive copy when milestones fired since the
// previous one, and retention pruning.
type snapshotWriter struct {
	townDir string
	keep    int
	idx     *indexdb.SQLiteIndex
	logger  *log.Logger

	prev snapshot.SnapshotV1
}

func (w *snapshotWriter) dir() string { return filepath.Join(w.townDir, "snapshots") }

func (w *snapshotWriter) Handle(snap snapshot.SnapshotV1) (string, error) {
	path := filepath.Join(w.dir(), snapshot.FileName(snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	w.idx.RecordSnapshot(path, snap)

	if fired := archive.NewlyFired(w.prev, snap); len(fired) > 0 {
		if archived, ok, err := archive.ArchiveMilestoneSnapshot(w.townDir, path, snap, fired); err != nil {
			w.logger.Printf("archive milestone snapshot: %v", err)
		} else if ok {
			w.logger.Printf("archived %s for milestones %v", archived, fired)
		}
	}
	w.prev = snap

	if removed, err := snapshot.Prune(w.dir(), w.keep); err != nil {
		w.logger.Printf("prune snapshots: %v", err)
	} else if len(removed) > 0 {
		w.logger.Printf("pruned %d old snapshots", len(removed))
	}
	return path, nil
}

// Run drains ch until ctx is done.
func (w *snapshotWriter) Run(ctx context.Context, ch <-chan snapshot.SnapshotV1) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			if _, err := w.Handle(snap); err != nil {
				w.logger.Printf("snapshot write: %v", err)
			}
		}
	}
}
