package strata

import "github.com/prometheus/client_golang/prometheus"

var TxCommitCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "strata",
	Subsystem: "tx",
	Name:      "commits",
}, []string{"result"})

var TxValidationFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "strata",
	Subsystem: "tx",
	Name:      "validation_failures",
})

var IndexEntryCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "strata",
	Subsystem: "index_manager",
	Name:      "entries",
}, []string{"field", "op"})

var IndexRebuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "strata",
	Subsystem: "index_manager",
	Name:      "rebuilds",
}, []string{"class"})

var MigrationCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "strata",
	Subsystem: "migration",
	Name:      "migrations",
}, []string{"class", "result"})

var MigrationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "strata",
	Subsystem: "migration",
	Name:      "duration",
	Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200, 500},
}, []string{"class"})

// RegisterMetrics adds every strata collector, plus the pebble
// collector for the store, to the given registry.
func RegisterMetrics(reg prometheus.Registerer, store *Store) error {
	cs := []prometheus.Collector{
		TxCommitCount,
		TxValidationFailures,
		IndexEntryCount,
		IndexRebuildCount,
		MigrationCount,
		MigrationDuration,
	}
	if store != nil {
		cs = append(cs, NewPebbleCollector(store.DB()))
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
