package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Sentinel-Gate/runtimegate/internal/domain/audit"
)

// maxAuditQueryLimit caps records returned by one /audit request.
const maxAuditQueryLimit = 1000

// AuditQuerier reads recent audit records from memory.
// *memory.MemoryAuditStore and the rotating file store implement it.
type AuditQuerier interface {
	Query(filter audit.AuditFilter) []audit.AuditRecord
}

// AuditQueryResponse is the JSON response for GET /audit.
type AuditQueryResponse struct {
	Records []audit.AuditRecord `json:"records"`
	Count   int                 `json:"count"`
}

// auditHandler serves GET /audit?event=&request_id=&verdict=&limit= on the
// admin listener.
func auditHandler(q AuditQuerier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
			return
		}
		filter, err := parseAuditFilter(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
			return
		}

		records := q.Query(filter)
		if records == nil {
			records = []audit.AuditRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(AuditQueryResponse{Records: records, Count: len(records)}); err != nil {
			LoggerFromContext(r.Context()).Error("failed to encode audit response", "error", err)
		}
	}
}

func parseAuditFilter(r *http.Request) (audit.AuditFilter, error) {
	q := r.URL.Query()
	filter := audit.AuditFilter{
		Event:     q.Get("event"),
		RequestID: q.Get("request_id"),
		Verdict:   q.Get("verdict"),
		Limit:     100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return audit.AuditFilter{}, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = min(n, maxAuditQueryLimit)
	}
	return filter, nil
}
