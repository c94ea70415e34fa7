package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const varName = "chatcore-stats"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
	stopOnce   sync.Once
	done       chan struct{}
}

type metricsUpdateReq struct {
	name  string
	value int
}

var (
	publishOnce sync.Once
	published   *expvar.Map
)

// statsMap returns the process wide map. expvar names can only be
// published once.
func statsMap() *expvar.Map {
	publishOnce.Do(func() {
		published = expvar.NewMap(varName)
	})
	return published
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater and serves it at /debug/vars.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
		done:       make(chan struct{}),
	}
	mux.Handle("GET /debug/vars", http.HandlerFunc(su.expvarHandler))
	su.vars = statsMap()
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for {
		select {
		case req := <-su.updateChan:
			su.apply(req)
		case <-su.done:
			return
		}
	}
}

func (su *StatsUpdater) apply(req *metricsUpdateReq) {
	metric, ok := su.vars.Get(req.name).(*expvar.Int)
	if !ok {
		return
	}
	metric.Add(int64(req.value))
}

// Incr and Decr never block. When the queue is full the update is applied
// in place, so gauges are never skewed by a lost update.
func (su *StatsUpdater) Incr(name string) {
	su.enqueue(&metricsUpdateReq{name: name, value: 1})
}

func (su *StatsUpdater) Decr(name string) {
	su.enqueue(&metricsUpdateReq{name: name, value: -1})
}

func (su *StatsUpdater) enqueue(req *metricsUpdateReq) {
	select {
	case su.updateChan <- req:
	default:
		su.apply(req)
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

// Value returns the current value of an integer metric.
func (su *StatsUpdater) Value(name string) int64 {
	metric, ok := su.vars.Get(name).(*expvar.Int)
	if !ok {
		return 0
	}
	return metric.Value()
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.done) })
}
