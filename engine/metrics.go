package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine counters on a prometheus registerer.
type Metrics struct {
	TasksDispatched  *prometheus.CounterVec
	TasksCompleted   *prometheus.CounterVec
	TasksFailed      *prometheus.CounterVec
	TaskRetries      prometheus.Counter
	PhaseTransitions prometheus.Counter
	ResearchLoops    prometheus.Counter
	WorkflowsDone    *prometheus.CounterVec
	ActiveWorkflows  prometheus.Gauge
}

// NewMetrics registers engine metrics on reg. Pass nil to register on the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lawyerfactory_tasks_dispatched_total",
			Help: "Tasks handed to agents, by agent type.",
		}, []string{"agent_type"}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lawyerfactory_tasks_completed_total",
			Help: "Tasks completed successfully, by phase.",
		}, []string{"phase"}),
		TasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lawyerfactory_tasks_failed_total",
			Help: "Tasks failed permanently, by phase.",
		}, []string{"phase"}),
		TaskRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "lawyerfactory_task_retries_total",
			Help: "Task attempts requeued for retry.",
		}),
		PhaseTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "lawyerfactory_phase_transitions_total",
			Help: "Forward phase transitions.",
		}),
		ResearchLoops: factory.NewCounter(prometheus.CounterOpts{
			Name: "lawyerfactory_research_loops_total",
			Help: "Research loops entered.",
		}),
		WorkflowsDone: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lawyerfactory_workflows_done_total",
			Help: "Workflows reaching a terminal status, by status.",
		}, []string{"status"}),
		ActiveWorkflows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lawyerfactory_active_workflows",
			Help: "Workflow run loops currently executing.",
		}),
	}
}
