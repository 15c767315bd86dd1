// Package metrics exposes Prometheus counters for the access-control core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CheckoutTotal counts checkout attempts by outcome (acquired, conflict).
	CheckoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ged_checkout_total",
		Help: "Checkout attempts by outcome",
	}, []string{"result"})

	// CheckinTotal counts checkin operations by kind (holder, force).
	CheckinTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ged_checkin_total",
		Help: "Checkin operations by kind",
	}, []string{"kind"})

	// GrantTotal counts grant lifecycle operations (share, revoke).
	GrantTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ged_grant_total",
		Help: "Grant operations by kind",
	}, []string{"op"})

	// AccessDeniedTotal counts effective-permission denials by reason.
	AccessDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ged_access_denied_total",
		Help: "Access denials by reason",
	}, []string{"reason"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
