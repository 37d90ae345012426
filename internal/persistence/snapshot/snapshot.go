package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int       `json:"version"`
	TownID  string    `json:"town_id"`
	Tick    uint64    `json:"tick"`
	SavedAt time.Time `json:"saved_at"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	// Operational parameters captured so a resumed town runs the same rules.
	TickDurationMs int `json:"tick_duration_ms"`

	SimulatedNs int64 `json:"simulated_ns"`
	RemainderNs int64 `json:"remainder_ns"`

	Ledger  LedgerV1           `json:"ledger"`
	Zones   []ZoneV1           `json:"zones"`
	Overlay map[string]float64 `json:"overlay,omitempty"`
	Fired   []string           `json:"fired,omitempty"`
	Tech    []string           `json:"tech,omitempty"`

	CatalogDigests map[string]string `json:"catalog_digests,omitempty"`

	Counters CountersV1 `json:"counters"`
}

type ResourcesV1 struct {
	Energy         float64 `json:"energy"`
	Maintenance    float64 `json:"maintenance"`
	Stability      float64 `json:"stability"`
	Attractiveness float64 `json:"attractiveness"`
}

type LedgerV1 struct {
	Resources          ResourcesV1 `json:"resources"`
	PopulationPressure float64     `json:"population_pressure"`
	OutputEstimate     float64     `json:"output_estimate"`
	OutputMix          ResourcesV1 `json:"output_mix"`
	PressureTrend      float64     `json:"pressure_trend"`
}

type ZoneV1 struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TemplateID string `json:"template_id"`
	Category   string `json:"category"`

	Condition float64 `json:"condition"`
	Activity  float64 `json:"activity"`
	Dormant   bool    `json:"dormant"`
	Priority  string  `json:"priority"`

	BaseThroughput float64 `json:"base_throughput"`
	SaturationBias float64 `json:"saturation_bias"`

	Outputs        ResourcesV1        `json:"outputs"`
	Costs          ResourcesV1        `json:"costs"`
	CurveModifiers map[string]float64 `json:"curve_modifiers,omitempty"`

	Attraction float64 `json:"attraction"`
	Strain     float64 `json:"strain"`
	Decay      float64 `json:"decay"`

	NaturalDecayRate float64 `json:"natural_decay_rate"`
	NeglectThreshold float64 `json:"neglect_threshold"`

	ReawakeningStage int      `json:"reawakening_stage"`
	Flags            []string `json:"flags,omitempty"`
}

type CountersV1 struct {
	NextEvent uint64 `json:"next_event"`
}

// FileName is the on-disk name for a snapshot taken at tick.
func FileName(tick uint64) string {
	return fmt.Sprintf("%d.snap.zst", tick)
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 64*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The header line is repeated inside the gob body.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("snapshot version %d not supported", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON line of a snapshot file.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

// List returns the snapshot files in dir ordered by tick, oldest first.
// A missing dir is empty.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	type cand struct {
		tick uint64
		name string
	}
	var cands []cand
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		cands = append(cands, cand{tick: tick, name: name})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].tick < cands[j].tick })
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, filepath.Join(dir, c.name))
	}
	return out, nil
}

// Latest returns the path of the highest-tick snapshot in dir, or "" when
// there is none.
func Latest(dir string) (string, error) {
	paths, err := List(dir)
	if err != nil || len(paths) == 0 {
		return "", err
	}
	return paths[len(paths)-1], nil
}

// Prune removes all but the newest keep snapshots in dir and returns the
// removed paths. keep <= 0 disables pruning.
func Prune(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	paths, err := List(dir)
	if err != nil || len(paths) <= keep {
		return nil, err
	}
	old := paths[:len(paths)-keep]
	for _, p := range old {
		if err := os.Remove(p); err != nil {
			return nil, err
		}
	}
	return old, nil
}
