package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "yaksafe_moderation_verdicts_total",
	Help: "Number of moderation verdicts returned, by outcome",
}, []string{"verdict"})

var clientFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "yaksafe_moderation_client_failures_total",
	Help: "Number of moderation calls that gave up without a verdict",
})

func verdictLabel(safe bool) string {
	if safe {
		return "safe"
	}
	return "unsafe"
}
