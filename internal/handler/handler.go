// Package handler exposes the survey engine as a JSON HTTP API.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/avolkov/voxsurvey/internal/analysis"
	"github.com/avolkov/voxsurvey/internal/flow"
	"github.com/avolkov/voxsurvey/internal/followup"
	"github.com/avolkov/voxsurvey/internal/model"
	"github.com/avolkov/voxsurvey/internal/record"
	"github.com/avolkov/voxsurvey/internal/session"
	"github.com/avolkov/voxsurvey/internal/speech"
	"github.com/avolkov/voxsurvey/internal/store"
)

// Deps holds the collaborators a Handler needs.
type Deps struct {
	Flow        *flow.Controller
	FollowUps   *followup.Engine
	Sessions    *session.Manager
	Narration   *speech.PromptCache
	Transcriber speech.Transcriber
	Results     *store.Store
	Analyzer    *analysis.Agent
	Survey      *model.Survey
	Voice       model.VoiceConfig
	Config      model.SurveyConfig
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	deps Deps
}

// New creates a new Handler.
func New(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.handleStartSession)
	r.Get("/sessions/{sessionID}", h.handleSessionView)
	r.Put("/sessions/{sessionID}/answers/{index}", h.handleSetAnswer)
	r.Post("/sessions/{sessionID}/followup", h.handleFollowUpResponse)
	r.Post("/sessions/{sessionID}/advance", h.handleAdvance)
	r.Post("/sessions/{sessionID}/retreat", h.handleRetreat)
	r.Post("/sessions/{sessionID}/finish", h.handleFinish)
	r.Get("/sessions/{sessionID}/narration", h.handleNarration)
	r.Post("/transcriptions", h.handleTranscribe)
	r.Get("/surveys/{surveyID}/snapshot", h.handleSnapshot)
	r.Post("/surveys/{surveyID}/analysis", h.handleAnalysis)
}

// followUpView is the API projection of a pending or answered follow-up.
type followUpView struct {
	Question  string `json:"question"`
	Rationale string `json:"rationale,omitempty"`
	Response  string `json:"response,omitempty"`
	Pending   bool   `json:"pending"`
}

// sessionView is the API projection of one session's current state.
type sessionView struct {
	ID             string              `json:"id"`
	SurveyID       string              `json:"survey_id"`
	Status         model.SessionStatus `json:"status"`
	CurrentIndex   int                 `json:"current_index"`
	TotalQuestions int                 `json:"total_questions"`
	AnsweredCount  int                 `json:"answered_count"`
	Question       *model.Question     `json:"question,omitempty"`
	Answer         *model.Answer       `json:"answer,omitempty"`
	FollowUp       *followUpView       `json:"follow_up,omitempty"`
}

func (h *Handler) view(sess *model.Session) sessionView {
	v := sessionView{
		ID:             sess.ID,
		SurveyID:       sess.SurveyID,
		Status:         sess.Status,
		CurrentIndex:   sess.CurrentIndex,
		TotalQuestions: len(h.deps.Survey.Questions),
	}
	for _, a := range sess.Answers {
		if a.Answered() {
			v.AnsweredCount++
		}
	}
	if sess.CurrentIndex < len(h.deps.Survey.Questions) {
		q := h.deps.Survey.Questions[sess.CurrentIndex]
		v.Question = &q
		a := sess.Answers[sess.CurrentIndex]
		v.Answer = &a
		if fu := sess.FollowUps[sess.CurrentIndex]; fu.ShouldAsk() {
			v.FollowUp = &followUpView{
				Question:  fu.Decision.Question,
				Rationale: fu.Decision.Rationale,
				Response:  fu.Response,
				Pending:   !fu.Answered(),
			}
		}
	}
	return v
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess := h.deps.Flow.Start()
	writeJSON(w, http.StatusCreated, h.view(sess))
}

func (h *Handler) handleSessionView(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.Snapshot(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(sess))
}

func (h *Handler) handleSetAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid question index")
		return
	}

	var req struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.deps.Flow.SetAnswer(sessionID, index, req.Response)
	if err != nil {
		writeError(w, err)
		return
	}

	// Best effort: a failed decision degrades inside the engine and the
	// answer stays recorded either way.
	if _, err := h.deps.FollowUps.EnsureFollowUp(r.Context(), sessionID, index); err != nil {
		writeError(w, err)
		return
	}

	sess, err = h.deps.Sessions.Snapshot(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	h.maybePersist(sess)
	writeJSON(w, http.StatusOK, h.view(sess))
}

func (h *Handler) handleFollowUpResponse(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Index    int    `json:"index"`
		Response string `json:"response"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Response) == "" {
		httpError(w, http.StatusBadRequest, "follow-up response cannot be empty")
		return
	}

	sess, err := h.deps.FollowUps.RecordResponse(sessionID, req.Index, req.Response)
	if err != nil {
		writeError(w, err)
		return
	}

	h.maybePersist(sess)
	writeJSON(w, http.StatusOK, h.view(sess))
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Flow.Advance(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.maybePersist(sess)
	writeJSON(w, http.StatusOK, h.view(sess))
}

func (h *Handler) handleRetreat(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Flow.Retreat(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(sess))
}

func (h *Handler) handleFinish(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Flow.Finish(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}

	rec := record.Build(sess, h.deps.Config.SurveyID)
	if err := h.deps.Results.SaveResult(rec); err != nil {
		slog.Error("persist survey result", "survey_id", rec.SurveyID, "error", err)
		httpError(w, http.StatusInternalServerError, "failed to persist survey result")
		return
	}
	writeJSON(w, http.StatusOK, h.view(sess))
}

// handleNarration returns synthesized audio for the prompt currently in
// effect: the pending follow-up question when one awaits a response,
// otherwise the base question text.
func (h *Handler) handleNarration(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.Snapshot(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.Terminal() {
		httpError(w, http.StatusConflict, "session already completed")
		return
	}

	index := sess.CurrentIndex
	text := h.deps.Survey.Questions[index].Text
	if fu := sess.FollowUps[index]; fu.ShouldAsk() && !fu.Answered() {
		text = fu.Decision.Question
	}

	audio, err := h.deps.Narration.GetOrSynthesize(r.Context(), index, text, h.deps.Voice)
	if err != nil {
		slog.Error("narration synthesis failed", "session_id", sess.ID, "question_index", index, "error", err)
		httpError(w, http.StatusBadGateway, "speech synthesis failed")
		return
	}

	w.Header().Set("Content-Type", audioContentType(h.deps.Voice.Format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		httpError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		httpError(w, http.StatusBadRequest, "failed to read audio")
		return
	}

	text, err := h.deps.Transcriber.Transcribe(r.Context(), audio, header.Filename, h.deps.Config.Language)
	if err != nil {
		slog.Error("transcription failed", "error", err)
		httpError(w, http.StatusBadGateway, "transcription failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.loadSnapshot(w, chi.URLParam(r, "surveyID"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		httpError(w, http.StatusBadRequest, "query is required")
		return
	}

	snap, ok := h.loadSnapshot(w, chi.URLParam(r, "surveyID"))
	if !ok {
		return
	}

	answer, err := h.deps.Analyzer.AnswerQuery(r.Context(), snap, req.Query)
	if err != nil {
		slog.Error("analysis query failed", "survey_id", snap.SurveyID, "error", err)
		httpError(w, http.StatusBadGateway, "analysis failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func (h *Handler) loadSnapshot(w http.ResponseWriter, surveyID string) (model.SurveyAnalysisSnapshot, bool) {
	if surveyID != h.deps.Survey.ID {
		httpError(w, http.StatusNotFound, "unknown survey id")
		return model.SurveyAnalysisSnapshot{}, false
	}
	rec, err := h.deps.Results.LoadResult(surveyID)
	if err != nil {
		slog.Error("load survey result", "survey_id", surveyID, "error", err)
		httpError(w, http.StatusInternalServerError, "failed to load survey result")
		return model.SurveyAnalysisSnapshot{}, false
	}
	return analysis.BuildSnapshot(h.deps.Survey, rec), true
}

// maybePersist saves a partial record after a mutation when configured,
// for crash resilience. Failures are logged, never surfaced: persistence
// of in-progress sessions is best effort.
func (h *Handler) maybePersist(sess *model.Session) {
	if !h.deps.Config.SaveEveryStep {
		return
	}
	rec := record.Build(sess, h.deps.Config.SurveyID)
	if err := h.deps.Results.SaveResult(rec); err != nil {
		slog.Warn("step persistence failed", "survey_id", rec.SurveyID, "error", err)
	}
}

func audioContentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps engine errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, flow.ErrInvalidAnswer), errors.Is(err, flow.ErrQuestionIndex):
		httpError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, flow.ErrIncompleteFollowUp),
		errors.Is(err, flow.ErrUnansweredQuestions),
		errors.Is(err, flow.ErrSessionCompleted),
		errors.Is(err, followup.ErrNoFollowUpPending):
		httpError(w, http.StatusConflict, err.Error())
	default:
		httpError(w, http.StatusInternalServerError, err.Error())
	}
}
