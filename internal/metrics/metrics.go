// Package metrics defines Prometheus metrics for the automation core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TriggerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmflow_trigger_executions_total",
			Help: "Trigger executions by module and result",
		},
		[]string{"module", "result"},
	)

	TriggerActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmflow_trigger_actions_total",
			Help: "Trigger actions by action type and status",
		},
		[]string{"action", "status"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crmflow_dispatch_duration_seconds",
			Help:    "FireEvent duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module"},
	)

	DepthExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crmflow_depth_exceeded_total",
			Help: "Dispatches rejected by the recursion depth guard",
		},
	)

	AutomatedActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmflow_automated_actions_total",
			Help: "Automated action invocations by type and result",
		},
		[]string{"action_type", "result"},
	)

	EnrollmentEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmflow_enrollment_events_total",
			Help: "Sequence enrollment lifecycle events",
		},
		[]string{"event"},
	)

	ValidationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmflow_field_validation_failures_total",
			Help: "Field rule validation failures by module and rule type",
		},
		[]string{"module", "rule_type"},
	)
)

func init() {
	prometheus.MustRegister(
		TriggerExecutions, TriggerActions, DispatchDuration,
		DepthExceeded, AutomatedActions,
		EnrollmentEvents, ValidationFailures,
	)
}

// Result maps a success flag onto a label value.
func Result(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}
