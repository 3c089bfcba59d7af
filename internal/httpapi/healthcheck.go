package httpapi

import (
	"net/http"
	"time"

	"github.com/wxq19/sabr-wx/internal/types"
	"github.com/wxq19/sabr-wx/internal/utils"
)

// LatestReader exposes the in-memory copy of the last stored sample.
// *store.Store implements it.
type LatestReader interface {
	Latest() (types.Sample, bool)
}

type healthchecker struct {
	latest     LatestReader
	staleAfter time.Duration
	now        func() time.Time
}

// handleHealthz reports 200 while samples keep arriving and 503 once the
// last one is older than staleAfter or none was stored yet.
func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sample, ok := h.latest.Latest()
	if !ok {
		utils.WriteError(w, http.StatusServiceUnavailable, "no sample stored yet")
		return
	}

	age := h.now().Sub(sample.Timestamp)
	if age > h.staleAfter {
		utils.WriteError(w, http.StatusServiceUnavailable, "last sample is stale",
			"last_sample", sample.Timestamp,
			"age_seconds", age.Seconds(),
		)
		return
	}
	utils.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"last_sample": sample.Timestamp,
		"age_seconds": age.Seconds(),
	})
}

func registerHealthcheck(mux *http.ServeMux, latest LatestReader, staleAfter time.Duration, now func() time.Time) {
	h := &healthchecker{latest: latest, staleAfter: staleAfter, now: now}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
