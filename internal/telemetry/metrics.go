package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p2p_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Order book metrics
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_orders_placed_total",
			Help: "Orders accepted by the matching engine",
		},
		[]string{"asset", "side"},
	)

	OrdersRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_orders_rejected_total",
			Help: "Orders rejected before or during matching",
		},
		[]string{"reason"}, // validation, insufficient_balance, error
	)

	OrdersCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_orders_cancelled_total",
			Help: "Orders cancelled by their owner or by expiry",
		},
		[]string{"asset", "cause"}, // user, expired
	)

	TradesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_trades_executed_total",
			Help: "Order book matches",
		},
		[]string{"asset"},
	)

	MatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "p2p_match_duration_seconds",
			Help:    "Time to place and match one order, transaction included",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// Escrow metrics
	EscrowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_escrow_transitions_total",
			Help: "Escrow trade state transitions",
		},
		[]string{"to"},
	)

	EscrowRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_escrow_rejected_total",
			Help: "Escrow operations rejected by a guard",
		},
		[]string{"op", "reason"},
	)

	// Sweeper metrics
	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_sweep_runs_total",
			Help: "Expiry sweep runs",
		},
		[]string{"job", "result"}, // ok, error, skipped
	)

	SweptItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_swept_items_total",
			Help: "Trades and orders expired by the sweeper",
		},
		[]string{"job"},
	)

	// Collaborator metrics
	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_notifications_published_total",
			Help: "Notifications handed to the notification collaborator",
		},
		[]string{"event", "result"},
	)

	FeedMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_feed_messages_published_total",
			Help: "Trade feed messages written to Kafka",
		},
		[]string{"type", "result"},
	)

	InvariantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_invariant_violations_total",
			Help: "Internal invariant violations detected at runtime",
		},
		[]string{"op"},
	)
)

