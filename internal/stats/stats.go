// Package stats keeps the chat server's counters and serves them as JSON.
package stats

import (
	"encoding/json"
	"expvar"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// StatsProvider is the counter surface the chat server depends on.
type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

// StatsUpdater applies counter updates on a single goroutine so callers on hot
// paths never contend on the counters.
type StatsUpdater struct {
	log        *slog.Logger
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	stopOnce   sync.Once
	done       chan struct{}
}

type metricsUpdateReq struct {
	name  string
	value int64
}

// NewStatsUpdater creates a stats updater and registers its handler on
// GET /debug/vars. The counters are not published to the process-wide expvar
// registry.
func NewStatsUpdater(logger *slog.Logger, mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		log:        logger,
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	return su
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(su.Snapshot()); err != nil {
		su.log.Warn("stats.encode.fail", "err", err)
	}
}

// Snapshot returns the current value of every metric.
func (su *StatsUpdater) Snapshot() map[string]any {
	data := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		if err := json.Unmarshal([]byte(kv.Value.String()), &value); err != nil {
			value = kv.Value.String()
		}
		data[kv.Key] = value
	})
	return data
}

func (su *StatsUpdater) updateMetrics() {
	defer close(su.done)

	for req := range su.updateChan {
		metric, ok := su.vars.Get(req.name).(*expvar.Int)
		if !ok {
			su.log.Error("stats.metric.unknown", "name", req.name)
			continue
		}
		metric.Add(req.value)
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

// Stop drains pending updates. Incr and Decr must not be called afterwards.
func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() {
		close(su.updateChan)
		<-su.done
	})
}
