package instrument

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusNotifier translates client events into prometheus metrics.
// Register it as the Notifier on producer and consumer configs.
type PrometheusNotifier struct {
	messagesProduced *prometheus.CounterVec
	// delivery events aggregate a whole buffer flush across topics, so
	// these two carry no topic label
	messagesDelivered prometheus.Counter
	deliveryAttempts  prometheus.Histogram
	batchesFetched    *prometheus.CounterVec
	messagesFetched   *prometheus.CounterVec
	heartbeats        prometheus.Counter
	joins             *prometheus.CounterVec
	syncs             *prometheus.CounterVec
	leaves            prometheus.Counter
	offsetCommits     prometheus.Counter
}

// NewPrometheusNotifier creates a notifier registering its collectors with
// reg. Passing prometheus.DefaultRegisterer is the common case.
func NewPrometheusNotifier(reg prometheus.Registerer) *PrometheusNotifier {
	n := &PrometheusNotifier{
		messagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafkaclient",
			Name:      "messages_produced_total",
			Help:      "Messages appended to the producer buffer.",
		}, []string{"topic"}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kafkaclient",
			Name:      "messages_delivered_total",
			Help:      "Messages acknowledged by partition leaders.",
		}),
		deliveryAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kafkaclient",
			Name:      "delivery_attempts",
			Help:      "Attempts needed to deliver the buffer.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		batchesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafkaclient",
			Name:      "batches_fetched_total",
			Help:      "Record batches returned by fetch operations.",
		}, []string{"topic"}),
		messagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafkaclient",
			Name:      "messages_fetched_total",
			Help:      "Messages returned by fetch operations.",
		}, []string{"topic"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kafkaclient",
			Name:      "heartbeats_total",
			Help:      "Group heartbeats sent.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafkaclient",
			Name:      "group_joins_total",
			Help:      "JoinGroup round trips.",
		}, []string{"group"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kafkaclient",
			Name:      "group_syncs_total",
			Help:      "SyncGroup round trips.",
		}, []string{"group"}),
		leaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kafkaclient",
			Name:      "group_leaves_total",
			Help:      "LeaveGroup requests sent.",
		}),
		offsetCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kafkaclient",
			Name:      "offset_commits_total",
			Help:      "OffsetCommit round trips.",
		}),
	}
	reg.MustRegister(
		n.messagesProduced,
		n.messagesDelivered,
		n.deliveryAttempts,
		n.batchesFetched,
		n.messagesFetched,
		n.heartbeats,
		n.joins,
		n.syncs,
		n.leaves,
		n.offsetCommits,
	)
	return n
}

func str(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

func num(payload map[string]interface{}, key string) float64 {
	switch v := payload[key].(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

func (n *PrometheusNotifier) Emit(event string, payload map[string]interface{}) {
	switch event {
	case EventProduceMessage:
		n.messagesProduced.WithLabelValues(str(payload, "topic")).Inc()
	case EventDeliverMessages:
		n.messagesDelivered.Add(num(payload, "delivered"))
		if a := num(payload, "attempts"); a > 0 {
			n.deliveryAttempts.Observe(a)
		}
	case EventFetchBatch:
		topic := str(payload, "topic")
		n.batchesFetched.WithLabelValues(topic).Inc()
		n.messagesFetched.WithLabelValues(topic).Add(num(payload, "messages"))
	case EventHeartbeat:
		n.heartbeats.Inc()
	case EventJoinGroup:
		n.joins.WithLabelValues(str(payload, "group")).Inc()
	case EventSyncGroup:
		n.syncs.WithLabelValues(str(payload, "group")).Inc()
	case EventLeaveGroup:
		n.leaves.Inc()
	case EventCommitOffsets:
		n.offsetCommits.Inc()
	}
}
