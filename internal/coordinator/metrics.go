package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	uploadsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kahu_uploads_committed_total",
		Help: "Uploads that reached their replication factor.",
	})
	uploadsRolledBack = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kahu_uploads_rolled_back_total",
		Help: "Uploads rolled back by cancel, timeout, or infeasibility.",
	})
	uploadsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kahu_uploads_rejected_total",
		Help: "Upload requests rejected before any record was created.",
	})
	replicasFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kahu_replicas_failed_total",
		Help: "Replica records marked failed by node loss or bad checksums.",
	})
	reconcilePasses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kahu_reconcile_passes_total",
		Help: "Completed reconciliation passes over returning nodes.",
	})
	reReplications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kahu_re_replications_total",
		Help: "Fresh copies pushed to restore replication factor.",
	})
)

func init() {
	prometheus.MustRegister(
		uploadsCommitted,
		uploadsRolledBack,
		uploadsRejected,
		replicasFailed,
		reconcilePasses,
		reReplications,
	)
}
