// Package stats keeps the server's expvar metrics: gauges for what is
// loaded right now and counters for diagram traffic.
package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

// Gauges.
const (
	ActiveRooms   = "ActiveRooms"
	ActiveClients = "ActiveClients"
)

// Counters. They only grow; Decr is ignored.
const (
	Broadcasts       = "Broadcasts"
	Snapshots        = "Snapshots"
	DiagramWrites    = "DiagramWrites"
	VersionConflicts = "VersionConflicts"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars     *expvar.Map
	counters map[string]bool
	updates  chan metricUpdate
	done     chan struct{}
	stopOnce sync.Once
}

type metricUpdate struct {
	name  string
	delta int64
}

// NewStatsUpdater creates a stats updater serving its metrics on
// GET /debug/vars of mux. The map is not published to the global expvar
// registry so several servers can live in one process.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:     new(expvar.Map).Init(),
		counters: make(map[string]bool),
		updates:  make(chan metricUpdate, 512),
		done:     make(chan struct{}),
	}

	start := time.Now()
	su.vars.Set("UptimeSeconds", expvar.Func(func() any {
		return int64(time.Since(start).Seconds())
	}))
	su.RegisterMetric(ActiveRooms)
	su.RegisterMetric(ActiveClients)
	for _, name := range []string{Broadcasts, Snapshots, DiagramWrites, VersionConflicts} {
		su.RegisterMetric(name)
		su.counters[name] = true
	}

	mux.HandleFunc("GET /debug/vars", su.serveVars)
	return su
}

func (su *StatsUpdater) serveVars(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]json.RawMessage)
	su.vars.Do(func(kv expvar.KeyValue) {
		out[kv.Key] = json.RawMessage(kv.Value.String())
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(out)
}

// Value returns the current value of a registered metric.
func (su *StatsUpdater) Value(name string) int64 {
	if v, ok := su.vars.Get(name).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}

func (su *StatsUpdater) Incr(name string) {
	su.update(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	if su.counters[name] {
		return
	}
	su.update(name, -1)
}

// update drops the change once the updater is stopped.
func (su *StatsUpdater) update(name string, delta int64) {
	select {
	case <-su.done:
	case su.updates <- metricUpdate{name: name, delta: delta}:
	}
}

// RegisterMetric adds a gauge. It must be called before Run.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go func() {
		for {
			select {
			case u := <-su.updates:
				if v, ok := su.vars.Get(u.name).(*expvar.Int); ok {
					v.Add(u.delta)
				}
			case <-su.done:
				return
			}
		}
	}()
}

func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.done) })
}
