// Package metrics holds the Prometheus instrumentation for the biometric
// ceremonies and the HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "bioauth"

	LabelCeremony = "ceremony"
	LabelOutcome  = "outcome"
	LabelMethod   = "method"
	LabelStatus   = "status"

	CeremonyRegistration   = "webauthn_registration"
	CeremonyAuthentication = "webauthn_authentication"
	CeremonyFacialEnroll   = "facial_enroll"
	CeremonyFacialVerify   = "facial_verify"

	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

var (
	// CeremoniesTotal counts finished ceremonies by kind and outcome.
	CeremoniesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ceremonies_total",
			Help:      "Total number of biometric ceremonies by kind and outcome",
		},
		[]string{LabelCeremony, LabelOutcome},
	)

	FaceMatchDistance = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "face_match_distance",
			Help:      "Nearest-neighbour distance of facial verification attempts",
			Buckets:   []float64{.1, .2, .3, .4, .45, .5, .6, .8, 1, 1.5},
		},
	)

	// DescriptorIntegrityErrors counts stored descriptors that failed to
	// decrypt or decode. Any increase means corrupted records or a wrong key.
	DescriptorIntegrityErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "descriptor_integrity_errors_total",
			Help:      "Total number of stored facial descriptors that failed integrity checks",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatus},
	)
)

func RecordCeremony(ceremony, outcome string) {
	CeremoniesTotal.WithLabelValues(ceremony, outcome).Inc()
}
