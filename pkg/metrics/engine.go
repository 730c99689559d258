package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filemq_messages_pushed_total",
		Help: "Total number of messages appended to segment files",
	})

	MessagesPopped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filemq_messages_popped_total",
		Help: "Total number of messages consumed via Pop",
	})

	DelayedPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filemq_delayed_pushed_total",
		Help: "Total number of messages written to the delay log",
	})

	DelayedPromoted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filemq_delayed_promoted_total",
		Help: "Total number of matured delay records promoted into segments",
	})

	DelayCompactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filemq_delay_compactions_total",
		Help: "Total number of delay-log rebuilds that discarded the tombstoned prefix",
	})

	Rollovers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filemq_generation_rollovers_total",
		Help: "Total number of generation promotions",
	})

	ManifestRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filemq_manifest_repairs_total",
		Help: "Total number of partition index rebuilds from on-disk segments",
	})

	ReadRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filemq_read_retries_total",
		Help: "Total number of record read attempts retried against a concurrent writer",
	})

	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "filemq_queue_length",
		Help: "Last observed backlog per topic",
	}, []string{"topic"})
)
