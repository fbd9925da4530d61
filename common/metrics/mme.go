package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MME-specific metrics.
var (
	RegisteredUEs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mme_registered_ues_total",
			Help: "Total number of UEs in EMM-REGISTERED state",
		},
	)

	ConnectedUEs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mme_connected_ues_total",
			Help: "Total number of UEs in ECM-CONNECTED state",
		},
	)

	AttachRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mme_attach_requests_total",
			Help: "Total number of Attach Requests received, including retransmissions",
		},
	)

	AttachAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_attach_attempts_total",
			Help: "Total number of attach procedure outcomes",
		},
		[]string{"result"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_authentication_attempts_total",
			Help: "Total number of authentication procedure outcomes",
		},
		[]string{"result"},
	)

	EMMStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_emm_state_transitions_total",
			Help: "Total number of EMM FSM state transitions",
		},
		[]string{"from", "to"},
	)

	GTPv2Retransmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_gtpv2c_retransmissions_total",
			Help: "Total number of GTPv2-C request retransmissions",
		},
		[]string{"message"},
	)

	GTPv2PeerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_gtpv2c_peer_failures_total",
			Help: "Total number of GTPv2-C requests that exhausted retransmission budget",
		},
		[]string{"message"},
	)

	ESMProcedureRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_esm_procedure_retries_total",
			Help: "Total number of ESM procedure retransmissions",
		},
		[]string{"procedure"},
	)

	S10HandoverAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_s10_handover_attempts_total",
			Help: "Total number of S10 inter-MME handover outcomes",
		},
		[]string{"role", "result"},
	)

	TAUAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_tau_attempts_total",
			Help: "Total number of tracking area update procedure outcomes",
		},
		[]string{"result"},
	)

	ServiceRequestAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mme_service_request_attempts_total",
			Help: "Total number of service request procedure outcomes",
		},
		[]string{"result"},
	)
)

// SetRegisteredUEs sets the count of EMM-REGISTERED UEs.
func SetRegisteredUEs(count int) {
	RegisteredUEs.Set(float64(count))
}

// SetConnectedUEs sets the count of ECM-CONNECTED UEs.
func SetConnectedUEs(count int) {
	ConnectedUEs.Set(float64(count))
}

// RecordAttachRequest records one received Attach Request (including retransmissions).
func RecordAttachRequest() {
	AttachRequests.Inc()
}

// RecordAttachAttempt records an attach procedure outcome ("started",
// "rejected_emergency_unsupported", "abort", "success").
func RecordAttachAttempt(result string) {
	AttachAttempts.WithLabelValues(result).Inc()
}

// RecordAuthenticationAttempt records an authentication procedure outcome.
func RecordAuthenticationAttempt(result string) {
	AuthenticationAttempts.WithLabelValues(result).Inc()
}

// RecordEMMStateTransition records an EMM FSM transition.
func RecordEMMStateTransition(from, to string) {
	EMMStateTransitions.WithLabelValues(from, to).Inc()
}

// RecordGTPv2Retransmission records a GTPv2-C request retransmission.
func RecordGTPv2Retransmission(message string) {
	GTPv2Retransmissions.WithLabelValues(message).Inc()
}

// RecordGTPv2PeerFailure records a GTPv2-C RSP_FAILURE_IND.
func RecordGTPv2PeerFailure(message string) {
	GTPv2PeerFailures.WithLabelValues(message).Inc()
}

// RecordESMProcedureRetry records an ESM procedure retry.
func RecordESMProcedureRetry(procedure string) {
	ESMProcedureRetries.WithLabelValues(procedure).Inc()
}

// RecordS10HandoverAttempt records an S10 handover outcome for the source or target role.
func RecordS10HandoverAttempt(role, result string) {
	S10HandoverAttempts.WithLabelValues(role, result).Inc()
}

// RecordTAUAttempt records a tracking area update procedure outcome.
func RecordTAUAttempt(result string) {
	TAUAttempts.WithLabelValues(result).Inc()
}

// RecordServiceRequestAttempt records a service request procedure outcome.
func RecordServiceRequestAttempt(result string) {
	ServiceRequestAttempts.WithLabelValues(result).Inc()
}
