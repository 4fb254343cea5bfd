package gateway

import (
	"encoding/json"
	"net/http"
)

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// StatsOut is the response of /api/gateway/stats.
type StatsOut struct {
	Clients int     `json:"clients"`
	Dropped uint64  `json:"dropped"`
	Samples int     `json:"latency_samples"`
	P50Ms   float64 `json:"latency_p50_ms"`
	P95Ms   float64 `json:"latency_p95_ms"`
	P99Ms   float64 `json:"latency_p99_ms"`
}

// RegisterRoutes registers the WebSocket endpoint and the REST queries on mux.
func RegisterRoutes(mux *http.ServeMux, s *Server) {
	mux.HandleFunc("/ws", s.ServeWS)

	// REST: GET /api/latest?instrument=NSEFO:35001
	mux.HandleFunc("/api/latest", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		k, err := ParseInstrument(r.URL.Query().Get("instrument"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		st, ok := s.src.QueryLatest(k.Segment(), k.Token())
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown instrument " + k.String()})
			return
		}
		writeJSON(w, http.StatusOK, NewStateOut(&st, s.symbol(k)))
	})

	// REST: GET /api/instrument?instrument=NSEFO:35001
	mux.HandleFunc("/api/instrument", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		k, err := ParseInstrument(r.URL.Query().Get("instrument"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		ins, ok := s.src.Lookup(k.Segment(), k.Token())
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown instrument " + k.String()})
			return
		}
		writeJSON(w, http.StatusOK, ins)
	})

	mux.HandleFunc("/api/gateway/stats", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		p50, p95, p99 := s.Latency.Percentiles()
		writeJSON(w, http.StatusOK, StatsOut{
			Clients: s.Clients(),
			Dropped: s.Drops(),
			Samples: s.Latency.Count(),
			P50Ms:   float64(p50.Microseconds()) / 1000,
			P95Ms:   float64(p95.Microseconds()) / 1000,
			P99Ms:   float64(p99.Microseconds()) / 1000,
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
