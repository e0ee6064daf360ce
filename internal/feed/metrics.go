package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "yaksafe_feed_submissions_total",
	Help: "Number of post submissions, by outcome",
}, []string{"outcome"})

var realtimeInserts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "yaksafe_feed_realtime_inserts_total",
	Help: "Number of realtime insert events, by whether they changed the feed",
}, []string{"result"})

var realtimeResyncs = promauto.NewCounter(prometheus.CounterOpts{
	Name: "yaksafe_feed_realtime_resyncs_total",
	Help: "Number of times a lost realtime channel was re-established",
})
