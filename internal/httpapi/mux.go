package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wxq19/sabr-wx/internal/metrics"
)

type MuxOptions struct {
	Latest     LatestReader
	Metrics    *metrics.Metrics
	StaleAfter time.Duration
	Now        func() time.Time
}

func NewMux(opts MuxOptions) *http.ServeMux {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	mux := http.NewServeMux()
	registerHealthcheck(mux, opts.Latest, opts.StaleAfter, opts.Now)
	mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}
