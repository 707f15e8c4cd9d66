package runtime

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/drblury/fanflow/broker"
	"github.com/drblury/fanflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/fanflow/internal/runtime/logging"
)

// StartDebugAPI mounts the inspection endpoints when the debug API is
// enabled. The handlers are served once Start brings the HTTP servers up.
func (s *Service) StartDebugAPI() {
	if !s.Conf.DebugAPIEnabled {
		return
	}

	port := s.Conf.DebugAPIPort
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/status", http.HandlerFunc(s.handleGetStatus))
	s.RegisterHTTPHandler(port, "/api/deadletters", http.HandlerFunc(s.handleDeadLetters))
	s.RegisterHTTPHandler(port, "/api/deadletters/redrive", http.HandlerFunc(s.handleRedrive))
	s.RegisterHTTPHandler(port, "/api/deadletters/purge", http.HandlerFunc(s.handlePurge))
}

// RunnerStatus describes one registered runner in a status snapshot.
type RunnerStatus struct {
	Name  string `json:"name"`
	Queue string `json:"queue"`
	State string `json:"state"`
}

// StatusSnapshot is the /api/status response body.
type StatusSnapshot struct {
	Backend   string         `json:"backend"`
	Runners   []RunnerStatus `json:"runners"`
	Resources ResourceUsage  `json:"resources"`
}

func (s *Service) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if done := s.applyCORS(w, r, http.MethodGet); done {
		return
	}

	s.runnersMu.Lock()
	runners := make([]RunnerStatus, 0, len(s.runners))
	for _, runner := range s.runners {
		runners = append(runners, RunnerStatus{
			Name:  runner.Name(),
			Queue: runner.Queue(),
			State: runner.State().String(),
		})
	}
	s.runnersMu.Unlock()

	s.writeJSON(w, StatusSnapshot{
		Backend:   s.Conf.BackendSystem,
		Runners:   runners,
		Resources: s.resources.Snapshot(),
	})
}

func (s *Service) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if done := s.applyCORS(w, r, http.MethodGet); done {
		return
	}

	dlq, ok := s.DeadLetters()
	if !ok {
		http.Error(w, "backend has no dead-letter store", http.StatusNotImplemented)
		return
	}

	queue := r.URL.Query().Get("queue")
	if queue == "" {
		http.Error(w, "queue parameter is required", http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	entries, err := dlq.ListDeadLetters(r.Context(), queue, limit, offset)
	if err != nil {
		s.writeQueueError(w, queue, err)
		return
	}
	count, err := dlq.DeadLetterCount(r.Context(), queue)
	if err != nil {
		s.writeQueueError(w, queue, err)
		return
	}

	s.writeJSON(w, struct {
		Queue   string                   `json:"queue"`
		Total   int                      `json:"total"`
		Entries []broker.DeadLetterEntry `json:"entries"`
	}{Queue: queue, Total: count, Entries: entries})
}

func (s *Service) handleRedrive(w http.ResponseWriter, r *http.Request) {
	if done := s.applyCORS(w, r, http.MethodPost); done {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dlq, ok := s.DeadLetters()
	if !ok {
		http.Error(w, "backend has no dead-letter store", http.StatusNotImplemented)
		return
	}

	queue := r.URL.Query().Get("queue")
	if queue == "" {
		http.Error(w, "queue parameter is required", http.StatusBadRequest)
		return
	}

	moved, err := dlq.RedriveDeadLetters(r.Context(), queue)
	if err != nil {
		s.writeQueueError(w, queue, err)
		return
	}
	s.Logger.Info("dead letters redriven via debug api", loggingpkg.LogFields{
		"queue": queue,
		"moved": moved,
	})

	s.writeJSON(w, struct {
		Queue string `json:"queue"`
		Moved int    `json:"moved"`
	}{Queue: queue, Moved: moved})
}

func (s *Service) handlePurge(w http.ResponseWriter, r *http.Request) {
	if done := s.applyCORS(w, r, http.MethodPost); done {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dlq, ok := s.DeadLetters()
	if !ok {
		http.Error(w, "backend has no dead-letter store", http.StatusNotImplemented)
		return
	}

	queue := r.URL.Query().Get("queue")
	if queue == "" {
		http.Error(w, "queue parameter is required", http.StatusBadRequest)
		return
	}

	purged, err := dlq.PurgeDeadLetters(r.Context(), queue)
	if err != nil {
		s.writeQueueError(w, queue, err)
		return
	}
	s.Logger.Info("dead letters purged via debug api", loggingpkg.LogFields{
		"queue":  queue,
		"purged": purged,
	})

	s.writeJSON(w, struct {
		Queue  string `json:"queue"`
		Purged int    `json:"purged"`
	}{Queue: queue, Purged: purged})
}

// applyCORS sets CORS headers based on configuration and answers preflight
// requests. It reports whether the request has been fully handled.
func (s *Service) applyCORS(w http.ResponseWriter, r *http.Request, allowedMethod string) bool {
	w.Header().Set("Content-Type", "application/json")

	if s.Conf != nil && len(s.Conf.DebugAPICORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if allowed := s.getAllowedCORSOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", allowedMethod+", OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns
// the appropriate Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.DebugAPICORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("failed to encode debug api response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if _, err := w.Write(data); err != nil {
		s.Logger.Error("failed to write debug api response", err, nil)
	}
}

func (s *Service) writeQueueError(w http.ResponseWriter, queue string, err error) {
	if errors.Is(err, broker.ErrQueueNotFound) {
		http.Error(w, "queue not found: "+queue, http.StatusNotFound)
		return
	}
	s.Logger.Error("debug api request failed", err, loggingpkg.LogFields{"queue": queue})
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
