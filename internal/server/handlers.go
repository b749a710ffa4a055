package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/echofix/echofix/internal/app"
	"github.com/echofix/echofix/internal/ingest"
	"github.com/echofix/echofix/internal/speaker"
	"github.com/echofix/echofix/internal/verification"
	"github.com/echofix/echofix/pkg/embeddings"
)

func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request) {
	var req app.CorrectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.pipeline.Correct(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidRequest) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.ErrorContext(r.Context(), "correction failed",
			slog.String("speaker_id", req.SpeakerID),
			slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngestError(w http.ResponseWriter, r *http.Request) {
	var report ingest.ErrorReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := s.ingestor.Ingest(r.Context(), report)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrInvalidReport):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, embeddings.ErrUnavailable):
			s.respondError(w, http.StatusServiceUnavailable, "embedding provider unavailable")
		default:
			s.logger.ErrorContext(r.Context(), "ingest failed",
				slog.String("speaker_id", report.SpeakerID),
				slog.String("error", err.Error()))
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.metrics.ErrorsIngested.Add(r.Context(), 1)
	s.respondJSON(w, http.StatusCreated, map[string]string{
		"pattern_id": p.ID,
		"status":     "stored",
	})
}

type recordVerificationRequest struct {
	JobID      string              `json:"job_id"`
	Result     verification.Result `json:"result"`
	QAComments string              `json:"qa_comments,omitempty"`
}

func (s *Server) handleRecordVerification(w http.ResponseWriter, r *http.Request) {
	var req recordVerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.JobID == "" {
		s.respondError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	outcome, err := s.loop.Record(r.Context(), req.JobID, req.Result, req.QAComments)
	if err != nil {
		switch {
		case errors.Is(err, verification.ErrInvalidResult):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, verification.ErrJobNotFound):
			s.respondError(w, http.StatusNotFound, "verification job not found")
		case errors.Is(err, verification.ErrJobClosed):
			s.respondError(w, http.StatusConflict, "verification job already closed")
		default:
			s.logger.ErrorContext(r.Context(), "record verification failed",
				slog.String("job_id", req.JobID),
				slog.String("error", err.Error()))
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.metrics.RecordVerification(r.Context(), string(req.Result))
	if t := outcome.Transition; t != nil && t.Status == speaker.TransitionApproved {
		s.metrics.RecordBucketTransition(r.Context(), string(t.From), string(t.To), "auto")
	}

	s.respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleSpeakerMetrics(w http.ResponseWriter, r *http.Request) {
	speakerID := chi.URLParam(r, "id")

	m, err := s.speakers.Metrics(r.Context(), speakerID)
	if err != nil {
		if errors.Is(err, speaker.ErrUnknownSpeaker) {
			s.respondError(w, http.StatusNotFound, "speaker not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleBucketHistory(w http.ResponseWriter, r *http.Request) {
	speakerID := chi.URLParam(r, "id")

	history, err := s.speakers.History(r.Context(), speakerID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(history) == 0 {
		s.respondError(w, http.StatusNotFound, "speaker not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"speaker_id": speakerID,
		"history":    history,
	})
}

type resolveTransitionRequest struct {
	Approve    bool   `json:"approve"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) handleResolveTransition(w http.ResponseWriter, r *http.Request) {
	transitionID := chi.URLParam(r, "id")

	var req resolveTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ResolvedBy == "" {
		s.respondError(w, http.StatusBadRequest, "resolved_by is required")
		return
	}

	t, err := s.aggregator.ResolveTransition(r.Context(), transitionID, req.Approve, req.ResolvedBy)
	switch {
	case err == nil:
		s.metrics.RecordBucketTransition(r.Context(), string(t.From), string(t.To), "manual")
		s.respondJSON(w, http.StatusOK, t)
	case errors.Is(err, speaker.ErrTransitionRejected):
		// A rejection is a resolved request, not a failure.
		s.respondJSON(w, http.StatusOK, t)
	case errors.Is(err, speaker.ErrTransitionNotFound):
		s.respondError(w, http.StatusNotFound, "transition not found")
	case errors.Is(err, speaker.ErrTransitionClosed):
		s.respondError(w, http.StatusConflict, "transition already resolved")
	default:
		s.logger.ErrorContext(r.Context(), "resolve transition failed",
			slog.String("transition_id", transitionID),
			slog.String("error", err.Error()))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

type computeSERRequest struct {
	Reference  string `json:"reference"`
	Hypothesis string `json:"hypothesis"`
}

// handleComputeSER serves both the POST body form and the GET query form
// (?reference=&hypothesis=) of the quality endpoint.
func (s *Server) handleComputeSER(w http.ResponseWriter, r *http.Request) {
	var req computeSERRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req.Reference = q.Get("reference")
		req.Hypothesis = q.Get("hypothesis")
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reference == "" {
		s.respondError(w, http.StatusBadRequest, "reference is required")
		return
	}

	res := s.calculator().Compute(req.Reference, req.Hypothesis)
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
