package model

import (
	"strings"
	"time"
)

// AnswerKind distinguishes free-form text answers from multiple-choice ones.
type AnswerKind string

const (
	KindFreeText    AnswerKind = "free_text"
	KindCategorical AnswerKind = "categorical"
)

// Question is a single survey item. Questions are immutable once a survey
// is loaded; Index is the contiguous 0-based ordinal within the survey.
type Question struct {
	Index   int        `json:"index"`
	Text    string     `json:"text"`
	Kind    AnswerKind `json:"kind"`
	Choices []string   `json:"choices,omitempty"`
}

// Survey is an ordered, immutable set of questions.
type Survey struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

// Answer holds a respondent's answer to one question. An empty (or
// whitespace-only) response means the question is unanswered.
type Answer struct {
	Kind     AnswerKind `json:"kind"`
	Response string     `json:"response,omitempty"`
}

// Answered reports whether the answer carries a non-blank response.
func (a Answer) Answered() bool {
	return strings.TrimSpace(a.Response) != ""
}

// DecisionKind tags the outcome of a follow-up decision.
type DecisionKind string

const (
	// DecisionNotApplicable means no decision was requested for the answer
	// (categorical question or blank response).
	DecisionNotApplicable DecisionKind = "not_applicable"
	// DecisionSkip means the model decided no follow-up is needed.
	DecisionSkip DecisionKind = "skip"
	// DecisionAsk means a follow-up question should be presented.
	DecisionAsk DecisionKind = "ask"
)

// FollowUpDecision is the structured outcome of one decision call.
// Question is set iff Kind is DecisionAsk.
type FollowUpDecision struct {
	Kind      DecisionKind `json:"kind"`
	Question  string       `json:"question,omitempty"`
	Rationale string       `json:"rationale,omitempty"`
}

// FollowUp attaches a decision (and the respondent's eventual reply) to a
// question index. AnswerKey records the exact answer content the decision
// was made for, so a changed answer can be detected by content comparison.
type FollowUp struct {
	AnswerKey string           `json:"answer_key"`
	Decision  FollowUpDecision `json:"decision"`
	Response  string           `json:"response,omitempty"`
	Degraded  bool             `json:"degraded,omitempty"`
}

// ShouldAsk reports whether the decision requires a follow-up answer.
func (f *FollowUp) ShouldAsk() bool {
	return f != nil && f.Decision.Kind == DecisionAsk
}

// Answered reports whether a follow-up response has been recorded.
func (f *FollowUp) Answered() bool {
	return f != nil && strings.TrimSpace(f.Response) != ""
}

// SessionStatus represents the lifecycle state of a respondent session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
)

// Session is one respondent's traversal of a survey. Answers is indexed by
// question ordinal and always has one slot per question.
type Session struct {
	ID           string            `json:"id"`
	SurveyID     string            `json:"survey_id"`
	Status       SessionStatus     `json:"status"`
	CurrentIndex int               `json:"current_index"`
	Answers      []Answer          `json:"answers"`
	FollowUps    map[int]*FollowUp `json:"followups"`
	StartedAt    time.Time         `json:"started_at"`
}

// Terminal reports whether the session has reached its terminal state.
func (s *Session) Terminal() bool {
	return s.Status == StatusCompleted
}

// Clone returns a deep copy of the session, safe to hand to readers.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Answers = make([]Answer, len(s.Answers))
	copy(cp.Answers, s.Answers)
	cp.FollowUps = make(map[int]*FollowUp, len(s.FollowUps))
	for i, f := range s.FollowUps {
		fc := *f
		cp.FollowUps[i] = &fc
	}
	return &cp
}

// RecordFollowUp is the durable projection of a follow-up decision.
type RecordFollowUp struct {
	ShouldAsk bool   `json:"should_ask"`
	Question  string `json:"follow_up,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// SurveyResultRecord is the durable projection of a session, keyed by
// question index so partial and final saves share the same shape.
type SurveyResultRecord struct {
	SurveyID          string                 `json:"survey_id"`
	Responses         map[int]string         `json:"responses"`
	FollowUps         map[int]RecordFollowUp `json:"followups"`
	FollowUpResponses map[int]string         `json:"followup_responses"`
}

// QuestionInsight pairs a question's metadata with whatever was captured
// for it. Nil pointers mean "nothing recorded".
type QuestionInsight struct {
	Index            int        `json:"index"`
	Question         string     `json:"question"`
	AnswerKind       AnswerKind `json:"answer_kind"`
	Choices          []string   `json:"choices,omitempty"`
	Response         *string    `json:"response"`
	FollowUpQuestion *string    `json:"follow_up_question"`
	FollowUpResponse *string    `json:"follow_up_response"`
}

// HasResponse reports whether the primary question was answered.
func (q QuestionInsight) HasResponse() bool {
	return q.Response != nil && strings.TrimSpace(*q.Response) != ""
}

// HasFollowUpResponse reports whether a follow-up reply exists.
func (q QuestionInsight) HasFollowUpResponse() bool {
	return q.FollowUpResponse != nil && strings.TrimSpace(*q.FollowUpResponse) != ""
}

// SurveyAnalysisSnapshot is the read-only, denormalized view handed to the
// analysis agent. It is rebuilt on demand and never persisted.
type SurveyAnalysisSnapshot struct {
	SurveyID       string            `json:"survey_id"`
	Title          string            `json:"title,omitempty"`
	Questions      []QuestionInsight `json:"questions"`
	TotalQuestions int               `json:"total_questions"`
	AnsweredCount  int               `json:"answered_count"`
}

// VoiceConfig selects the voice used for narration synthesis.
type VoiceConfig struct {
	Model  string `json:"model"`
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

// Fingerprint returns a stable identity for cache keying.
func (v VoiceConfig) Fingerprint() string {
	return v.Model + "/" + v.Voice + "/" + v.Format
}

// SurveyConfig holds runtime engine parameters set via CLI flags.
type SurveyConfig struct {
	SurveyID           string
	RequireAllAnswered bool          // block finishing while questions are unanswered
	SaveEveryStep      bool          // persist a partial record after each mutation
	DecisionTimeout    time.Duration // per-call budget for follow-up decisions
	SpeechTimeout      time.Duration // per-call budget for synthesis/transcription
	SessionTTL         time.Duration // idle eviction threshold, 0 disables
	Language           string        // transcription language hint
}
