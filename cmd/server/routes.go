package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"hearthwake.ai/internal/persistence/indexdb"
	"hearthwake.ai/internal/persistence/snapshot"
	"hearthwake.ai/internal/sim/town"
	"hearthwake.ai/internal/transport/observer"
)

type app struct {
	town     *town.Town
	observer *observer.Server
	idx      *indexdb.SQLiteIndex
	reader   *indexdb.Reader // nil when the index is disabled
	snaps    chan<- snapshot.SnapshotV1
	logger   *log.Logger
	pprof    bool
}

func (a *app) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	r.Get("/metrics", a.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/state", a.state)
		r.Post("/commands", a.command)
		r.Post("/snapshot", a.takeSnapshot)
		r.Get("/history", a.history)
		r.Get("/events", a.events)
		r.Get("/observe/bootstrap", a.observer.BootstrapHandler())
		r.Get("/observe", a.observer.WSHandler())
	})

	if a.pprof {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return r
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (a *app) state(rw http.ResponseWriter, r *http.Request) {
	obs := a.town.Latest()
	if obs == nil {
		http.Error(rw, "not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(rw, http.StatusOK, obs)
}

// commandStatus maps engine errors onto HTTP statuses.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, town.ErrUnknownZone), errors.Is(err, town.ErrUnknownTemplate), errors.Is(err, town.ErrUnknownTech):
		return http.StatusNotFound
	case errors.Is(err, town.ErrZoneExists), errors.Is(err, town.ErrInsufficientEnergy):
		return http.StatusConflict
	case errors.Is(err, town.ErrBadCommand):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *app) command(rw http.ResponseWriter, r *http.Request) {
	var cmd town.Command
	dec := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	evs, err := a.town.Submit(ctx, cmd)
	if err != nil {
		writeJSON(rw, commandStatus(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "events": evs})
}

func (a *app) takeSnapshot(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	snap, err := a.town.RequestSnapshot(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	select {
	case a.snaps <- snap:
	case <-ctx.Done():
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "tick": snap.Header.Tick, "error": "snapshot writer busy"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": snap.Header.Tick})
}

func queryUint(r *http.Request, key string) (uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func (a *app) history(rw http.ResponseWriter, r *http.Request) {
	if a.reader == nil {
		http.Error(rw, "index disabled", http.StatusNotFound)
		return
	}
	from, err := queryUint(r, "from")
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	rows, err := a.reader.LedgerHistory(r.Context(), a.town.ID(), from, int(limit))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, rows)
}

func (a *app) events(rw http.ResponseWriter, r *http.Request) {
	if a.reader == nil {
		http.Error(rw, "index disabled", http.StatusNotFound)
		return
	}
	after, err := queryUint(r, "after")
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	evs, err := a.reader.Events(r.Context(), a.town.ID(), indexdb.EventFilter{
		Kind:     town.EventKind(r.URL.Query().Get("kind")),
		ZoneID:   r.URL.Query().Get("zone"),
		AfterSeq: after,
		Limit:    int(limit),
	})
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, evs)
}

func (a *app) metrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	obs := a.town.Latest()
	if obs == nil {
		return
	}
	id := obs.TownID

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP hearthwake_town_tick Current town tick.\n")
	fmt.Fprintf(rw, "# TYPE hearthwake_town_tick gauge\n")
	fmt.Fprintf(rw, "hearthwake_town_tick{town=%q} %d\n", id, obs.Tick)

	fmt.Fprintf(rw, "# HELP hearthwake_town_simulated_hours Simulated time, including offline catch-up.\n")
	fmt.Fprintf(rw, "# TYPE hearthwake_town_simulated_hours gauge\n")
	fmt.Fprintf(rw, "hearthwake_town_simulated_hours{town=%q} %.6f\n", id, obs.SimulatedHours)

	fmt.Fprintf(rw, "# HELP hearthwake_ledger_resource Ledger resource stock.\n")
	fmt.Fprintf(rw, "# TYPE hearthwake_ledger_resource gauge\n")
	l := obs.Ledger
	for _, kv := range []struct {
		name string
		v    float64
	}{
		{"energy", l.Energy},
		{"maintenance", l.Maintenance},
		{"stability", l.Stability},
		{"attractiveness", l.Attractiveness},
		{"population_pressure", l.PopulationPressure},
	} {
		fmt.Fprintf(rw, "hearthwake_ledger_resource{town=%q,resource=%q} %.6f\n", id, kv.name, kv.v)
	}

	fmt.Fprintf(rw, "# HELP hearthwake_effective_population Saturated population.\n")
	fmt.Fprintf(rw, "# TYPE hearthwake_effective_population gauge\n")
	fmt.Fprintf(rw, "hearthwake_effective_population{town=%q} %.6f\n", id, obs.EffectivePopulation)

	fmt.Fprintf(rw, "# HELP hearthwake_dampening Combined dampening factor (0..1).\n")
	fmt.Fprintf(rw, "# TYPE hearthwake_dampening gauge\n")
	fmt.Fprintf(rw, "hearthwake_dampening{town=%q} %.6f\n", id, obs.Dampening)

	var dormant int
	for _, z := range obs.Zones {
		if z.Dormant {
			dormant++
		}
	}
	fmt.Fprintf(rw, "# HELP hearthwake_zones Zone count by state.\n")
	fmt.Fprintf(rw, "# TYPE hearthwake_zones gauge\n")
	fmt.Fprintf(rw, "hearthwake_zones{town=%q,state=%q} %d\n", id, "active", len(obs.Zones)-dormant)
	fmt.Fprintf(rw, "hearthwake_zones{town=%q,state=%q} %d\n", id, "dormant", dormant)

	fmt.Fprintf(rw, "# HELP hearthwake_milestones_fired Milestones fired so far.\n")
	fmt.Fprintf(rw, "# TYPE hearthwake_milestones_fired gauge\n")
	fmt.Fprintf(rw, "hearthwake_milestones_fired{town=%q} %d\n", id, len(obs.Fired))

	fmt.Fprintf(rw, "# HELP hearthwake_observers Connected observer sessions.\n")
	fmt.Fprintf(rw, "# TYPE hearthwake_observers gauge\n")
	fmt.Fprintf(rw, "hearthwake_observers{town=%q} %d\n", id, a.observer.Subscribers())
	fmt.Fprintf(rw, "hearthwake_observer_dropped_total{town=%q} %d\n", id, a.observer.Dropped())

	if a.idx != nil {
		st := a.idx.Stats()
		fmt.Fprintf(rw, "# HELP hearthwake_index_queue_depth Index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE hearthwake_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "hearthwake_index_queue_depth{town=%q} %d\n", id, st.QueueDepth)
		fmt.Fprintf(rw, "hearthwake_index_dropped_total{town=%q,kind=%q} %d\n", id, "tick", st.DropTickTotal)
		fmt.Fprintf(rw, "hearthwake_index_dropped_total{town=%q,kind=%q} %d\n", id, "event", st.DropEventTotal)
		fmt.Fprintf(rw, "hearthwake_index_dropped_total{town=%q,kind=%q} %d\n", id, "snapshot", st.DropSnapshotTotal)
	}
}
