package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/wadispatch/internal/dispatch"
	"github.com/BTreeMap/wadispatch/internal/models"
	"github.com/BTreeMap/wadispatch/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// sendRequest is the body of POST /messages. Payload fields are inlined.
type sendRequest struct {
	To   string      `json:"to"`
	Kind models.Kind `json:"kind"`
	models.Payload
	Urgent  bool   `json:"urgent,omitempty"`
	DelayMs *int64 `json:"delay_ms,omitempty"`
}

// inboundResponse is the result of POST /webhook/inbound.
type inboundResponse struct {
	Phantom bool `json:"phantom"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Kind == "" {
		req.Kind = models.KindText
	}

	var opts []dispatch.EnqueueOption
	if req.Urgent {
		opts = append(opts, dispatch.Urgent())
	}
	if req.DelayMs != nil {
		if *req.DelayMs < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("delay_ms must not be negative"))
			return
		}
		opts = append(opts, dispatch.After(time.Duration(*req.DelayMs)*time.Millisecond))
	}

	res, err := s.engine.Enqueue(req.To, req.Kind, req.Payload, opts...)
	if err != nil {
		if isValidationError(err) {
			slog.Warn("Server.sendHandler: validation failed", "error", err, "to", req.To, "kind", req.Kind)
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.sendHandler: enqueue failed", "error", err, "to", req.To)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enqueue message"))
		return
	}

	if res.Duplicate {
		slog.Info("Server.sendHandler: duplicate send ignored", "to", req.To, "fingerprint", res.Fingerprint, "jobID", res.JobID)
		writeJSONResponse(w, http.StatusOK, models.Duplicate("Message already accepted", res))
		return
	}
	slog.Info("Server.sendHandler: message accepted", "to", req.To, "kind", req.Kind, "jobID", res.JobID)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted(res))
}

func isValidationError(err error) bool {
	for _, target := range []error{
		models.ErrEmptyRecipient,
		models.ErrInvalidKind,
		models.ErrEmptyContent,
		models.ErrBodyTooLong,
		models.ErrMissingMedia,
		models.ErrMissingFilename,
		models.ErrTooManyOptions,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if s.opts.InboundCounter != nil {
		s.opts.InboundCounter.Inbound()
	}

	var msg models.InboundMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&msg); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if msg.From == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyRecipient.Error()))
		return
	}

	if s.engine.IsPhantomEcho(msg.From, msg.Content()) {
		writeJSONResponse(w, http.StatusOK, models.Success(inboundResponse{Phantom: true}))
		return
	}

	if s.opts.Inbound != nil {
		s.opts.Inbound(r.Context(), msg)
	} else {
		slog.Debug("Server.inboundHandler: no inbound handler registered", "from", msg.From)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(inboundResponse{Phantom: false}))
}

func (s *Server) queuesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.engine.Snapshot()))
}

func (s *Server) attemptsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Attempts == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Attempt archive is not configured"))
		return
	}

	q := r.URL.Query()
	f := store.AttemptFilter{
		Recipient: q.Get("recipient"),
		JobID:     q.Get("job_id"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		f.Limit = limit
	}

	recs, err := s.opts.Attempts.ListAttempts(r.Context(), f)
	if err != nil {
		slog.Error("Server.attemptsHandler: list failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list attempts"))
		return
	}
	if recs == nil {
		recs = []models.AttemptRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(recs))
}
