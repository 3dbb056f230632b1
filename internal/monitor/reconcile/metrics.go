package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	machinesEndDated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atmosphere",
		Subsystem: "monitor",
		Name:      "machines_end_dated_total",
		Help:      "Machines end-dated because their cloud image disappeared.",
	}, []string{"provider"})

	versionsEndDated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atmosphere",
		Subsystem: "monitor",
		Name:      "versions_end_dated_total",
		Help:      "Versions end-dated by cascade or sweep.",
	}, []string{"provider"})

	applicationsEndDated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atmosphere",
		Subsystem: "monitor",
		Name:      "applications_end_dated_total",
		Help:      "Applications end-dated by cascade or sweep.",
	}, []string{"provider"})

	machinesDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atmosphere",
		Subsystem: "monitor",
		Name:      "machines_discovered_total",
		Help:      "Machines newly registered from a cloud snapshot.",
	}, []string{"provider"})

	membershipsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atmosphere",
		Subsystem: "monitor",
		Name:      "memberships_added_total",
		Help:      "Membership rows added across all granularities.",
	}, []string{"provider"})

	membershipsRepaired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atmosphere",
		Subsystem: "monitor",
		Name:      "memberships_repaired_total",
		Help:      "Membership rows removed by the corrupted-set reset.",
	}, []string{"provider"})

	instancesEndDated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atmosphere",
		Subsystem: "monitor",
		Name:      "instances_end_dated_total",
		Help:      "Instances end-dated because the cloud no longer reports them.",
	}, []string{"provider"})

	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "atmosphere",
		Subsystem: "monitor",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of one reconciliation pass.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"provider", "pass"})
)
