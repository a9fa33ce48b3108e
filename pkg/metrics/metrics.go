package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoginAttempts tracks completed login callbacks by result
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsession_login_attempts_total",
			Help: "Total number of login completions by result (success/failure) and reason",
		},
		[]string{"result", "reason"},
	)

	// LoginRedirects tracks authorization redirects that were started
	LoginRedirects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsession_login_redirects_total",
			Help: "Total number of authorization redirects by trigger",
		},
		[]string{"trigger"},
	)

	// TokenRefreshes tracks silent refresh network calls
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsession_token_refreshes_total",
			Help: "Total number of token refresh calls by result and reason",
		},
		[]string{"result", "reason"},
	)

	// TokenRefreshDuration tracks token refresh duration
	TokenRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smartsession_token_refresh_duration_seconds",
			Help:    "Duration of token refresh calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// RefreshWaiters tracks callers that joined an in-flight refresh
	RefreshWaiters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smartsession_refresh_shared_total",
			Help: "Total number of refresh requests collapsed onto an in-flight refresh",
		},
	)

	// Recoveries tracks recovery coordinator decisions
	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsession_recoveries_total",
			Help: "Total number of failed calls handled by the recovery coordinator, by action",
		},
		[]string{"action"},
	)

	// GatewayRequestDuration tracks resource API calls
	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartsession_gateway_request_duration_seconds",
			Help:    "Duration of resource API requests by method and status",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "status"},
	)

	// GatewayRequestsInFlight tracks current in-flight resource API requests
	GatewayRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartsession_gateway_requests_in_flight",
			Help: "Number of resource API requests currently in flight",
		},
	)

	// Revocations tracks revocation calls made during logout
	Revocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsession_revocations_total",
			Help: "Total number of refresh token revocations by result",
		},
		[]string{"result"},
	)

	// SessionTransitions tracks session state changes
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartsession_session_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"from", "to"},
	)
)

// RecordLoginSuccess records a successful login
func RecordLoginSuccess() {
	LoginAttempts.WithLabelValues("success", "").Inc()
}

// RecordLoginFailure records a failed login with reason
func RecordLoginFailure(reason string) {
	LoginAttempts.WithLabelValues("failure", reason).Inc()
}

// RecordTokenRefreshSuccess records a successful token refresh
func RecordTokenRefreshSuccess() {
	TokenRefreshes.WithLabelValues("success", "").Inc()
}

// RecordTokenRefreshFailure records a failed token refresh with reason
func RecordTokenRefreshFailure(reason string) {
	TokenRefreshes.WithLabelValues("failure", reason).Inc()
}

// RecordRecovery records a recovery coordinator decision
func RecordRecovery(action string) {
	Recoveries.WithLabelValues(action).Inc()
}

// RecordRevocation records the outcome of a logout revocation
func RecordRevocation(result string) {
	Revocations.WithLabelValues(result).Inc()
}

// RecordTransition records a session state transition
func RecordTransition(from, to string) {
	SessionTransitions.WithLabelValues(from, to).Inc()
}
