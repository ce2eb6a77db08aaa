package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	AdmissionDecisions   *prometheus.CounterVec
	RateLimitRejections  *prometheus.CounterVec
	BanEscalationsTotal  prometheus.Counter
	BanLevel             prometheus.Histogram
	ChallengesIssued     prometheus.Counter
	ChallengesVerified   *prometheus.CounterVec
	SpendRecorded        *prometheus.CounterVec
	SpendTripsTotal      *prometheus.CounterVec
	CacheLookups         *prometheus.CounterVec
	GenerationCalls      *prometheus.CounterVec
	WebhookDeliveries    *prometheus.CounterVec
	RefreshRunsTotal     *prometheus.CounterVec
	RefreshDurationSecs  prometheus.Histogram
	RefreshWarmedentries prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		AdmissionDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queryguard_admission_decisions_total",
			Help: "Admission pipeline decisions by outcome and deciding stage",
		}, []string{"outcome", "stage"}),
		RateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queryguard_rate_limit_rejections_total",
			Help: "Requests rejected by the sliding-window limiter by scope",
		}, []string{"scope"}),
		BanEscalationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "queryguard_ban_escalations_total",
			Help: "Total ban level escalations recorded",
		}),
		BanLevel: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "queryguard_ban_level",
			Help:    "Ban level reached at escalation time",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		ChallengesIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "queryguard_challenges_issued_total",
			Help: "Challenge tokens issued",
		}),
		ChallengesVerified: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queryguard_challenges_verified_total",
			Help: "Challenge verification attempts by result",
		}, []string{"result"}),
		SpendRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queryguard_spend_recorded_total",
			Help: "Accumulated inference cost recorded by scope kind",
		}, []string{"scope"}),
		SpendTripsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queryguard_spend_trips_total",
			Help: "Cost throttle trips by window",
		}, []string{"window"}),
		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queryguard_cache_lookups_total",
			Help: "Response cache lookups by tier and result",
		}, []string{"tier", "result"}),
		GenerationCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queryguard_generation_calls_total",
			Help: "Calls forwarded to the generation pipeline by result",
		}, []string{"result"}),
		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queryguard_webhook_deliveries_total",
			Help: "Webhook deliveries by verification result",
		}, []string{"result"}),
		RefreshRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queryguard_cache_refresh_runs_total",
			Help: "Tier-1 refresh worker runs by status",
		}, []string{"status"}),
		RefreshDurationSecs: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "queryguard_cache_refresh_duration_seconds",
			Help: "Duration of tier-1 refresh runs in seconds",
		}),
		RefreshWarmedentries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "queryguard_cache_refresh_warmed_entries_total",
			Help: "Tier-1 entries populated by the refresh worker",
		}),
	}
}

func (m *Metrics) RecordDecision(outcome, stage string) {
	m.AdmissionDecisions.WithLabelValues(outcome, stage).Inc()
}

func (m *Metrics) RecordRateLimitRejection(scope string) {
	m.RateLimitRejections.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordBanEscalation(level int) {
	m.BanEscalationsTotal.Inc()
	m.BanLevel.Observe(float64(level))
}

func (m *Metrics) RecordChallengeIssued() {
	m.ChallengesIssued.Inc()
}

func (m *Metrics) RecordChallengeVerified(result string) {
	m.ChallengesVerified.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSpend(scope string, amount float64) {
	m.SpendRecorded.WithLabelValues(scope).Add(amount)
}

func (m *Metrics) RecordSpendTrip(window string) {
	m.SpendTripsTotal.WithLabelValues(window).Inc()
}

func (m *Metrics) RecordCacheLookup(tier, result string) {
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) RecordGenerationCall(result string) {
	m.GenerationCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordWebhookDelivery(result string) {
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}
