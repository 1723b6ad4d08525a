package agent

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MRoie/lego-loco-cluster/pkg/input"
	"github.com/MRoie/lego-loco-cluster/pkg/qmp"
)

const metricsNamespace = "qmp_agent"

var (
	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "commands_total",
		Help:      "QMP commands issued, by command name and outcome.",
	}, []string{"command", "status"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "command_duration_seconds",
		Help:      "Wall time of one QMP command round trip.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	commandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "command_errors_total",
		Help:      "Failed operations, by error kind.",
	}, []string{"kind"})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "active_connections",
		Help:      "Live QMP connections held by the registry.",
	})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reconnects_total",
		Help:      "Successful re-dials after a connection was evicted.",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_dropped_total",
		Help:      "Asynchronous guest events dropped on slow subscribers.",
	})
)

// errorKind buckets an error for the command_errors_total label, keeping
// cardinality fixed regardless of message content.
func errorKind(err error) string {
	var cmdErr *qmp.CommandError
	switch {
	case errors.Is(err, qmp.ErrSocketNotFound):
		return "socket_not_found"
	case errors.Is(err, qmp.ErrHandshakeFailed):
		return "handshake_failed"
	case errors.Is(err, qmp.ErrProtocolTimeout):
		return "timeout"
	case errors.Is(err, qmp.ErrTransportClosed):
		return "transport_closed"
	case errors.As(err, &cmdErr):
		return "command_rejected"
	case errors.Is(err, input.ErrUnknownKey), errors.Is(err, input.ErrUnknownButton), errors.Is(err, input.ErrUnknownAction):
		return "encode"
	default:
		return "other"
	}
}
