package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hearthwake.ai/internal/persistence/indexdb"
	"hearthwake.ai/internal/persistence/snapshot"
	"hearthwake.ai/internal/sim/catalogs"
	"hearthwake.ai/internal/sim/ledger"
	"hearthwake.ai/internal/sim/town"
	"hearthwake.ai/internal/sim/tuning"
	"hearthwake.ai/internal/transport/observer"
)

func testConfig(t *testing.T, id string) town.Config {
	t.Helper()
	cats, err := catalogs.Load("../../configs")
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	tu, err := tuning.Load("../../configs/economy.yaml")
	if err != nil {
		t.Fatalf("tuning: %v", err)
	}
	return town.Config{
		ID:             id,
		Tuning:         tu,
		Templates:      cats.Zones.Templates(),
		Milestones:     cats.Milestones.Defs,
		Tech:           cats.Tech.Nodes,
		CatalogDigests: map[string]string{"zones": cats.Zones.Digest},
	}
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestResolveTownID(t *testing.T) {
	dir := t.TempDir()
	if id, err := resolveTownID(dir, " riverside "); err != nil || id != "riverside" {
		t.Fatalf("flag id: %q %v", id, err)
	}
	first, err := resolveTownID(dir, "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !strings.HasPrefix(first, "town_") || len(first) != len("town_")+36 {
		t.Fatalf("minted id: %q", first)
	}
	again, err := resolveTownID(dir, "")
	if err != nil || again != first {
		t.Fatalf("reuse: %q %v (want %q)", again, err, first)
	}
}

func TestBootTown_FreshThenResume(t *testing.T) {
	dir := t.TempDir()
	snapDir := filepath.Join(dir, "snapshots")
	cfg := testConfig(t, "t1")

	boot, err := bootTown(cfg, snapDir, "", time.Now(), quietLogger())
	if err != nil {
		t.Fatalf("fresh boot: %v", err)
	}
	if boot.Resumed || boot.Town.Clock().Tick != 0 {
		t.Fatalf("expected a fresh town: %+v", boot)
	}
	if _, err := boot.Town.Step(30 * time.Second); err != nil {
		t.Fatalf("step: %v", err)
	}

	savedAt := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	w := &snapshotWriter{townDir: dir, keep: 3, logger: quietLogger()}
	if _, err := w.Handle(boot.Town.Snapshot(savedAt)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Ten hours away: long enough for a single catch-up.
	now := savedAt.Add(10 * time.Hour)
	boot2, err := bootTown(cfg, snapDir, "", now, quietLogger())
	if err != nil {
		t.Fatalf("resume boot: %v", err)
	}
	if !boot2.Resumed || boot2.Report.Mode != town.ResumeCatchUp || boot2.Report.Applied != 10*time.Hour {
		t.Fatalf("resume report: %+v", boot2.Report)
	}
	if got := boot2.Town.Clock().Simulated; got != 30*time.Second+10*time.Hour {
		t.Fatalf("simulated: %v", got)
	}

	// Two minutes away: replayed tick by tick.
	boot3, err := bootTown(cfg, snapDir, "", savedAt.Add(2*time.Minute), quietLogger())
	if err != nil {
		t.Fatalf("replay boot: %v", err)
	}
	if boot3.Report.Mode != town.ResumeReplay || boot3.Town.Clock().Tick != 150 {
		t.Fatalf("replay: %+v tick=%d", boot3.Report, boot3.Town.Clock().Tick)
	}

	if _, err := bootTown(testConfig(t, "other"), snapDir, "", now, quietLogger()); err == nil {
		t.Fatalf("expected town id mismatch")
	}
}

func TestSnapshotWriter_ArchivesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "t1")
	tw, err := town.New(cfg)
	if err != nil {
		t.Fatalf("town: %v", err)
	}
	w := &snapshotWriter{townDir: dir, keep: 2, logger: quietLogger()}

	for i := 0; i < 3; i++ {
		if _, err := tw.Step(10 * time.Second); err != nil {
			t.Fatalf("step: %v", err)
		}
		if _, err := w.Handle(tw.Snapshot(time.Now())); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	// Pretend a milestone fired since the previous snapshot.
	snap := tw.Snapshot(time.Now())
	snap.Fired = []string{"first_settlers"}
	snap.Header.Tick = 99
	path, err := w.Handle(snap)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	paths, err := snapshot.List(filepath.Join(dir, "snapshots"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(paths) != 2 || paths[1] != path {
		t.Fatalf("retained snapshots: %v", paths)
	}
	archived := filepath.Join(dir, "archives", "tick_0000000099", filepath.Base(path))
	if _, err := os.Stat(archived); err != nil {
		t.Fatalf("expected archive copy: %v", err)
	}
}

func startApp(t *testing.T, withIndex bool) (*app, *httptest.Server, func()) {
	t.Helper()
	cfg := testConfig(t, "t-http")
	cfg.Tuning.TickDurationMs = 5

	var idx *indexdb.SQLiteIndex
	var reader *indexdb.Reader
	if withIndex {
		dbPath := filepath.Join(t.TempDir(), "town.sqlite")
		var err error
		idx, err = indexdb.OpenSQLite(dbPath)
		if err != nil {
			t.Fatalf("index: %v", err)
		}
		reader, err = indexdb.OpenReader(dbPath)
		if err != nil {
			t.Fatalf("reader: %v", err)
		}
		cfg.EventLogger = idx.EventWriter(cfg.ID)
		cfg.TickLogger = idx.TickWriter(cfg.ID)
	}
	tw, err := town.New(cfg)
	if err != nil {
		t.Fatalf("town: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = tw.Run(ctx) }()

	snaps := make(chan snapshot.SnapshotV1, 4)
	a := &app{
		town:     tw,
		observer: observer.NewServer(tw, nil),
		idx:      idx,
		reader:   reader,
		snaps:    snaps,
		logger:   quietLogger(),
	}
	srv := httptest.NewServer(a.router())
	return a, srv, func() {
		srv.Close()
		cancel()
		if reader != nil {
			_ = reader.Close()
		}
		if idx != nil {
			_ = idx.Close()
		}
	}
}

func postCommand(t *testing.T, srv *httptest.Server, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/commands", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, out
}

func TestRouter_StateCommandsMetrics(t *testing.T) {
	a, srv, stop := startApp(t, false)
	defer stop()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/state")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	var obs town.Observation
	if err := json.NewDecoder(resp.Body).Decode(&obs); err != nil {
		t.Fatalf("state decode: %v", err)
	}
	resp.Body.Close()
	if obs.TownID != "t-http" || len(obs.Zones) == 0 {
		t.Fatalf("state: %+v", obs)
	}

	code, out := postCommand(t, srv, `{"kind":"restore_zone","zone_id":"bell_tower"}`)
	if code != http.StatusOK || out["ok"] != true {
		t.Fatalf("restore: %d %+v", code, out)
	}
	if code, _ := postCommand(t, srv, `{"kind":"restore_zone","zone_id":"nowhere"}`); code != http.StatusNotFound {
		t.Fatalf("unknown zone: %d", code)
	}
	if code, _ := postCommand(t, srv, `{"kind":"found_zone","template_id":"hearth_row"}`); code != http.StatusConflict {
		t.Fatalf("existing zone: %d", code)
	}
	if code, _ := postCommand(t, srv, `{"kind":"set_priority","zone_id":"old_market","priority":"urgent"}`); code != http.StatusBadRequest {
		t.Fatalf("bad priority: %d", code)
	}
	if code, _ := postCommand(t, srv, `{"kind":"research","tech_id":"alchemy"}`); code != http.StatusNotFound {
		t.Fatalf("unknown tech: %d", code)
	}
	if code, _ := postCommand(t, srv, `{"kind":"upgrade_zone","zone_id":"old_market"}`); code != http.StatusBadRequest {
		t.Fatalf("upgrade before masonry: %d", code)
	}
	if code, _ := postCommand(t, srv, `{"kind":"restore_zone","zone":"x"}`); code != http.StatusBadRequest {
		t.Fatalf("unknown field: %d", code)
	}

	resp, err = http.Post(srv.URL+"/v1/snapshot", "application/json", nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{`hearthwake_town_tick{town="t-http"}`, `resource="energy"`, `hearthwake_zones{town="t-http",state="dormant"}`} {
		if !strings.Contains(string(b), want) {
			t.Fatalf("metrics missing %s:\n%s", want, b)
		}
	}

	if code := mustGet(t, srv.URL+"/v1/history"); code != http.StatusNotFound {
		t.Fatalf("history without index: %d", code)
	}
	_ = a
}

func mustGet(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestRouter_HistoryAndEvents(t *testing.T) {
	_, srv, stop := startApp(t, true)
	defer stop()

	if code, out := postCommand(t, srv, `{"kind":"restore_zone","zone_id":"windmill"}`); code != http.StatusOK {
		t.Fatalf("restore: %d %+v", code, out)
	}

	// The index commits at least every two seconds.
	deadline := time.Now().Add(6 * time.Second)
	for {
		resp, err := http.Get(srv.URL + "/v1/events?kind=zone_restored")
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		var evs []town.Event
		_ = json.NewDecoder(resp.Body).Decode(&evs)
		resp.Body.Close()
		if len(evs) == 1 && evs[0].ZoneID == "windmill" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("indexed events: %+v", evs)
		}
		time.Sleep(100 * time.Millisecond)
	}

	resp, err := http.Get(srv.URL + "/v1/history?limit=5")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var rows []indexdb.LedgerRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("history decode: %v", err)
	}
	resp.Body.Close()
	if len(rows) == 0 || len(rows) > 5 || rows[0].Energy < 0 {
		t.Fatalf("history rows: %+v", rows)
	}
	if code := mustGet(t, srv.URL+"/v1/history?from=abc"); code != http.StatusBadRequest {
		t.Fatalf("bad from: %d", code)
	}
}

func TestCommandStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{town.ErrUnknownTemplate, http.StatusNotFound},
		{town.ErrUnknownTech, http.StatusNotFound},
		{town.ErrInsufficientEnergy, http.StatusConflict},
		{town.ErrBadCommand, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{ledger.ErrInvalidState, http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := commandStatus(c.err); got != c.want {
			t.Fatalf("%v: got %d want %d", c.err, got, c.want)
		}
	}
}
