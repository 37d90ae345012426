package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"hearthwake.ai/internal/persistence/snapshot"
	"hearthwake.ai/internal/sim/catalogs"
	"hearthwake.ai/internal/sim/town"
	"hearthwake.ai/internal/sim/tuning"
)

// SQLiteIndex is a secondary, queryable index of ticks, ledger history,
// events and snapshots. Writes are queued and applied by one goroutine; the
// JSONL logs and snapshot files remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick     atomic.Uint64
	dropEvent    atomic.Uint64
	dropSnapshot atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqEvents
	reqSnapshot
)

type req struct {
	kind reqKind

	tick     town.TickLogEntry
	townID   string
	events   []town.Event
	snapshot snapshotRow
}

type snapshotRow struct {
	TownID    string
	Tick      uint64
	Path      string
	SavedAt   string
	Zones     int
	Fired     int
	Energy    float64
	Pressure  float64
	Simulated int64
}

// Stats reports writer queue health.
type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropEventTotal    uint64 `json:"drop_event_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Long offline replays emit bursts of ticks; don't stall the loop.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func openDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			town_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			simulated_ms INTEGER NOT NULL,
			digest TEXT NOT NULL,
			events INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (town_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS ledger (
			town_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			energy REAL NOT NULL,
			maintenance REAL NOT NULL,
			stability REAL NOT NULL,
			attractiveness REAL NOT NULL,
			population_pressure REAL NOT NULL,
			effective_population REAL NOT NULL,
			dampening REAL NOT NULL,
			output REAL NOT NULL,
			PRIMARY KEY (town_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			town_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			kind TEXT NOT NULL,
			zone_id TEXT,
			milestone_id TEXT,
			amount REAL NOT NULL,
			message TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (town_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind_tick ON events(town_id, kind, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_events_zone_tick ON events(town_id, zone_id, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			town_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			path TEXT NOT NULL,
			saved_at TEXT NOT NULL,
			zones INTEGER NOT NULL,
			fired INTEGER NOT NULL,
			energy REAL NOT NULL,
			population_pressure REAL NOT NULL,
			simulated_ns INTEGER NOT NULL,
			PRIMARY KEY (town_id, tick)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropEventTotal:    s.dropEvent.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
	}
}

// TickWriter binds the index to one town so it satisfies town.TickLogger.
func (s *SQLiteIndex) TickWriter(townID string) town.TickLogger {
	return tickWriter{s: s, townID: townID}
}

// EventWriter binds the index to one town so it satisfies town.EventLogger.
func (s *SQLiteIndex) EventWriter(townID string) town.EventLogger {
	return eventWriter{s: s, townID: townID}
}

type tickWriter struct {
	s      *SQLiteIndex
	townID string
}

func (w tickWriter) WriteTick(e town.TickLogEntry) error { return w.s.WriteTick(w.townID, e) }

type eventWriter struct {
	s      *SQLiteIndex
	townID string
}

func (w eventWriter) WriteEvents(evs []town.Event) error { return w.s.WriteEvents(w.townID, evs) }

func (s *SQLiteIndex) WriteTick(townID string, entry town.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, townID: townID, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteEvents(townID string, evs []town.Event) error {
	if s == nil || s.closed.Load() || len(evs) == 0 {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEvents, townID: townID, events: append([]town.Event(nil), evs...)}:
	default:
		s.dropEvent.Add(uint64(len(evs)))
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		TownID:    snap.Header.TownID,
		Tick:      snap.Header.Tick,
		Path:      path,
		SavedAt:   snap.Header.SavedAt.UTC().Format(time.RFC3339Nano),
		Zones:     len(snap.Zones),
		Fired:     len(snap.Fired),
		Energy:    snap.Ledger.Resources.Energy,
		Pressure:  snap.Ledger.PopulationPressure,
		Simulated: snap.SimulatedNs,
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// UpsertCatalogs stores the catalogs and tuning actually in effect, keyed by
// digest, so history rows can be traced to their configuration.
func (s *SQLiteIndex) UpsertCatalogs(cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if cats != nil {
		if b, _ := json.Marshal(cats.Zones.Templates()); len(b) > 0 {
			rows = append(rows, kv{name: "zones", digest: cats.Zones.Digest, json: b})
		}
		if b, _ := json.Marshal(cats.Milestones.Defs); len(b) > 0 && cats.Milestones.Digest != "" {
			rows = append(rows, kv{name: "milestones", digest: cats.Milestones.Digest, json: b})
		}
		if b, _ := json.Marshal(cats.Tech.Nodes); len(b) > 0 && cats.Tech.Digest != "" {
			rows = append(rows, kv{name: "tech", digest: cats.Tech.Digest, json: b})
		}
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(town_id,tick,simulated_ms,digest,events,raw_json) VALUES(?,?,?,?,?,?)`)
	insertLedger, _ := s.db.Prepare(`INSERT OR REPLACE INTO ledger(town_id,tick,energy,maintenance,stability,attractiveness,population_pressure,effective_population,dampening,output) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(town_id,seq,tick,kind,zone_id,milestone_id,amount,message,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(town_id,tick,path,saved_at,zones,fired,energy,population_pressure,simulated_ns) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertLedger, insertEvent, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	idle := time.NewTicker(commitMaxWait)
	defer idle.Stop()

	for {
		var r req
		var ok bool
		select {
		case r, ok = <-s.ch:
			if !ok {
				commit()
				return
			}
		case <-idle.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			e := r.tick
			raw, _ := json.Marshal(e)
			if !exec(insertTick, r.townID, int64(e.Tick), e.SimulatedMs, e.Digest, len(e.Events), string(raw)) {
				continue
			}
			exec(insertLedger, r.townID, int64(e.Tick),
				e.Ledger.Energy, e.Ledger.Maintenance, e.Ledger.Stability, e.Ledger.Attractiveness,
				e.Ledger.PopulationPressure, e.EffectivePopulation, e.Dampening, e.Output.Sum())

		case reqEvents:
			for _, e := range r.events {
				raw, _ := json.Marshal(e)
				if !exec(insertEvent, r.townID, int64(e.Seq), int64(e.Tick), string(e.Kind),
					nullable(e.ZoneID), nullable(e.MilestoneID), e.Amount, nullable(e.Message), string(raw)) {
					break
				}
			}

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.TownID, int64(sn.Tick), sn.Path, sn.SavedAt,
				sn.Zones, sn.Fired, sn.Energy, sn.Pressure, sn.Simulated)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
