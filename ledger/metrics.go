package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the ledger's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Mutations      *prometheus.CounterVec
	Saves          *prometheus.CounterVec
	Loads          *prometheus.CounterVec
	SaveDuration   *prometheus.HistogramVec
	LockTimeouts   prometheus.Counter
	RecordsAdopted prometheus.Counter
	IDsReassigned  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch_ledger",
			Name:      "mutations_total",
			Help:      "Audit entries appended, by action.",
		}, []string{"action"}),
		Saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch_ledger",
			Name:      "saves_total",
			Help:      "Save calls by backend and result.",
		}, []string{"backend", "result"}),
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch_ledger",
			Name:      "loads_total",
			Help:      "Load calls by backend and result.",
		}, []string{"backend", "result"}),
		SaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dispatch_ledger",
			Name:      "save_duration_seconds",
			Help:      "Time spent in Save including lock wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch_ledger",
			Name:      "lock_timeouts_total",
			Help:      "Lock acquisitions that gave up.",
		}),
		RecordsAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch_ledger",
			Name:      "records_adopted_total",
			Help:      "Records written by another process and adopted during a save.",
		}),
		IDsReassigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatch_ledger",
			Name:      "ids_reassigned_total",
			Help:      "Unsaved records re-keyed because another process took their id.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Mutations, m.Saves, m.Loads, m.SaveDuration, m.LockTimeouts, m.RecordsAdopted, m.IDsReassigned)
	}
	return m
}

func (m *Metrics) mutation(a Action) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(string(a)).Inc()
}

func (m *Metrics) save(backend string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.SaveDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	m.Saves.WithLabelValues(backend, result(err)).Inc()
}

func (m *Metrics) load(backend string, err error) {
	if m == nil {
		return
	}
	m.Loads.WithLabelValues(backend, result(err)).Inc()
}

func (m *Metrics) lockTimeout() {
	if m == nil {
		return
	}
	m.LockTimeouts.Inc()
}

func (m *Metrics) adopted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsAdopted.Add(float64(n))
}

func (m *Metrics) reassigned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.IDsReassigned.Add(float64(n))
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	default:
		return "error"
	}
}
