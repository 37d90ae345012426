package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"hearthwake.ai/internal/sim/town"
)

// Reader queries an index file. It uses its own connection so queries never
// wait on the writer's open transaction.
type Reader struct{ db *sql.DB }

func OpenReader(path string) (*Reader, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

type LedgerRow struct {
	Tick                uint64  `json:"tick"`
	Energy              float64 `json:"energy"`
	Maintenance         float64 `json:"maintenance"`
	Stability           float64 `json:"stability"`
	Attractiveness      float64 `json:"attractiveness"`
	PopulationPressure  float64 `json:"population_pressure"`
	EffectivePopulation float64 `json:"effective_population"`
	Dampening           float64 `json:"dampening"`
	Output              float64 `json:"output"`
}

// LedgerHistory returns up to limit rows with tick >= fromTick, oldest first.
func (r *Reader) LedgerHistory(ctx context.Context, townID string, fromTick uint64, limit int) ([]LedgerRow, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `SELECT tick,energy,maintenance,stability,attractiveness,population_pressure,effective_population,dampening,output
		FROM ledger WHERE town_id=? AND tick>=? ORDER BY tick LIMIT ?`, townID, int64(fromTick), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerRow
	for rows.Next() {
		var lr LedgerRow
		var tick int64
		if err := rows.Scan(&tick, &lr.Energy, &lr.Maintenance, &lr.Stability, &lr.Attractiveness,
			&lr.PopulationPressure, &lr.EffectivePopulation, &lr.Dampening, &lr.Output); err != nil {
			return nil, err
		}
		lr.Tick = uint64(tick)
		out = append(out, lr)
	}
	return out, rows.Err()
}

type EventFilter struct {
	Kind     town.EventKind
	ZoneID   string
	AfterSeq uint64
	Limit    int
}

// Events returns events in sequence order.
func (r *Reader) Events(ctx context.Context, townID string, f EventFilter) ([]town.Event, error) {
	where := []string{"town_id=?", "seq>?"}
	args := []any{townID, int64(f.AfterSeq)}
	if f.Kind != "" {
		where = append(where, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.ZoneID != "" {
		where = append(where, "zone_id=?")
		args = append(args, f.ZoneID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT raw_json FROM events WHERE `+strings.Join(where, " AND ")+` ORDER BY seq LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []town.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e town.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type SnapshotRow struct {
	Tick               uint64  `json:"tick"`
	Path               string  `json:"path"`
	SavedAt            string  `json:"saved_at"`
	Zones              int     `json:"zones"`
	Fired              int     `json:"fired"`
	Energy             float64 `json:"energy"`
	PopulationPressure float64 `json:"population_pressure"`
	SimulatedNs        int64   `json:"simulated_ns"`
}

// Snapshots lists recorded snapshots for a town, newest first.
func (r *Reader) Snapshots(ctx context.Context, townID string) ([]SnapshotRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT tick,path,saved_at,zones,fired,energy,population_pressure,simulated_ns
		FROM snapshots WHERE town_id=? ORDER BY tick DESC`, townID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRow
	for rows.Next() {
		var sr SnapshotRow
		var tick int64
		if err := rows.Scan(&tick, &sr.Path, &sr.SavedAt, &sr.Zones, &sr.Fired, &sr.Energy, &sr.PopulationPressure, &sr.SimulatedNs); err != nil {
			return nil, err
		}
		sr.Tick = uint64(tick)
		out = append(out, sr)
	}
	return out, rows.Err()
}

// CatalogDigests returns name -> digest for every stored catalog.
func (r *Reader) CatalogDigests(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name,digest FROM catalogs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, digest string
		if err := rows.Scan(&name, &digest); err != nil {
			return nil, err
		}
		out[name] = digest
	}
	return out, rows.Err()
}
