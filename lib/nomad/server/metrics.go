package server

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dNomad/lib/nomad"
	"github.com/VictoriaMetrics/metrics"
)

const (
	opDiscover = "discover"
	opPrepare  = "prepare"
	opCommit   = "commit"
	opRollback = "rollback"
	opTakeover = "takeover"
	opReset    = "reset"
)

// observe records the outcome and duration of a server operation.
// The result label is "accepted", "error" or the rejection type.
func observe(op string, start time.Time, resp nomad.AcceptRejectResponse, err *error) {
	result := "accepted"
	switch {
	case err != nil && *err != nil:
		result = "error"
	case !resp.Accepted:
		result = resp.RejectionType.String()
	}

	metrics.GetOrCreateCounter(fmt.Sprintf(`nomad_server_requests_total{op=%q,result=%q}`, op, result)).Inc()
	metrics.GetOrCreateHistogram(fmt.Sprintf(`nomad_server_request_duration_seconds{op=%q}`, op)).UpdateDuration(start)
}
