package serve

import (
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"birdcam/status"
)

// Snapshots is where handlers read the capture loop's state from.
type Snapshots interface {
	Load() *status.Status
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if _, err := w.Write(js); err != nil {
		log.Debugf("Failed to write response: %v", err)
	}
}

// StatusServer serves the latest snapshot at /status and a liveness summary
// at /health.
type StatusServer struct {
	Status Snapshots
}

func (s *StatusServer) ServeStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Status.Load()
	if st == nil {
		http.Error(w, "capture loop not started", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type Health struct {
	Alive     bool      `json:"alive"`
	State     string    `json:"state"`
	Ready     bool      `json:"ready"`
	Connected bool      `json:"camera_connected"`
	LastFrame time.Time `json:"last_frame_time"`
	LastError string    `json:"last_error,omitempty"`
}

func (s *StatusServer) ServeHealth(w http.ResponseWriter, r *http.Request) {
	st := s.Status.Load()
	if st == nil {
		writeJSON(w, http.StatusServiceUnavailable, Health{})
		return
	}
	h := Health{
		Alive:     st.State != "aborted",
		State:     st.State,
		Ready:     st.Ready,
		Connected: st.Connected,
		LastFrame: st.LastFrame,
		LastError: st.LastError,
	}
	code := http.StatusOK
	if !h.Alive {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

// Register adds the status endpoints to mux.
func (s *StatusServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", s.ServeStatus)
	mux.HandleFunc("GET /health", s.ServeHealth)
}
