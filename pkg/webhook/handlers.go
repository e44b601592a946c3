package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/crosswalk-project/trybot-controller/pkg/buildbot"
	"github.com/crosswalk-project/trybot-controller/pkg/events"
	"github.com/crosswalk-project/trybot-controller/pkg/github"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handlePullRequestHook receives a GitHub pull_request delivery and
// publishes it on the event bus. The signature has already been checked
// by the middleware.
func (s *server) handlePullRequestHook(
	w http.ResponseWriter, r *http.Request,
) {
	if err := r.ParseForm(); err != nil {
		http.NotFound(w, r)

		return
	}

	payload := r.PostForm.Get("payload")
	if payload == "" {
		http.NotFound(w, r)

		return
	}

	// GitHub sends a ping containing a "zen" key when a hook is added.
	// It does not carry the payload we expect, so just acknowledge it.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &probe); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"malformed payload"})

		return
	}

	if _, ok := probe["zen"]; ok {
		w.WriteHeader(http.StatusOK)

		return
	}

	ev, err := github.ParsePullRequestEvent([]byte(payload))
	if err != nil {
		s.log.WithError(err).Warn("Rejecting malformed pull_request event")
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"malformed pull_request event"})

		return
	}

	// A subscriber failure surfaces as a server error so GitHub
	// redelivers the event.
	if err := s.bus.Publish(
		r.Context(), events.TopicPullRequestChanged, ev,
	); err != nil {
		s.log.WithError(err).Error("Event delivery failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"event delivery failed"})

		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleBuildbotEvents receives a batch of Buildbot status-push packets.
// Invalid individual packets are skipped inside the correlator; the
// response is 200 for any parseable batch because Buildbot keeps
// redelivering the same packets on error responses.
func (s *server) handleBuildbotEvents(
	w http.ResponseWriter, r *http.Request,
) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"malformed form body"})

		return
	}

	packetsField := r.PostForm.Get("packets")
	if packetsField == "" {
		s.log.Warn("Buildbot POST did not contain a \"packets\" field")
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"missing packets field"})

		return
	}

	packets, err := buildbot.ParsePackets([]byte(packetsField))
	if err != nil {
		s.log.WithError(err).Warn("Rejecting unparseable packet batch")
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"malformed packets field"})

		return
	}

	s.correlator.ProcessBatch(r.Context(), packets)

	w.WriteHeader(http.StatusOK)
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListPullRequests returns the tracked pull requests with their
// builds.
func (s *server) handleListPullRequests(
	w http.ResponseWriter, r *http.Request,
) {
	prs, err := s.store.ListPullRequests(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list pull requests")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, prs)
}
