// Package followup decides whether a free-text answer deserves a
// follow-up question, memoizing decisions by answer content so identical
// answers never trigger a second model call.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avolkov/voxsurvey/internal/flow"
	"github.com/avolkov/voxsurvey/internal/model"
	"github.com/avolkov/voxsurvey/internal/session"
)

// ErrNoFollowUpPending is returned when a follow-up response arrives with
// no follow-up question awaiting one.
var ErrNoFollowUpPending = errors.New("no follow-up pending at this question")

// Decider is the external language-model capability that judges whether a
// follow-up question is warranted.
type Decider interface {
	DecideFollowUp(ctx context.Context, question, answer string) (model.FollowUpDecision, error)
}

// Engine wraps a Decider with content-keyed memoization and failure
// degradation: a failed or malformed decision never blocks the survey,
// it just yields no follow-up.
type Engine struct {
	questions []model.Question
	sessions  *session.Manager
	decider   Decider
	timeout   time.Duration

	// OnDecisionFailure is invoked when a decision call fails and the
	// engine degrades to skip. Optional.
	OnDecisionFailure func(sessionID string, index int, err error)
}

// NewEngine creates a follow-up decision engine.
func NewEngine(questions []model.Question, sessions *session.Manager, decider Decider, timeout time.Duration) *Engine {
	return &Engine{questions: questions, sessions: sessions, decider: decider, timeout: timeout}
}

// EnsureFollowUp makes sure a follow-up decision exists for the answer
// currently stored at index. It is a no-op for categorical questions,
// blank answers, and decisions already keyed to the current answer
// content. The returned follow-up is the one now in effect (nil when the
// question cannot have one).
func (e *Engine) EnsureFollowUp(ctx context.Context, sessionID string, index int) (*model.FollowUp, error) {
	sess, err := e.sessions.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, flow.ErrSessionCompleted
	}
	if index < 0 || index >= len(e.questions) {
		return nil, fmt.Errorf("question index out of range: %d", index)
	}

	q := e.questions[index]
	answer := strings.TrimSpace(sess.Answers[index].Response)
	if q.Kind != model.KindFreeText || answer == "" {
		return nil, nil
	}
	if fu := sess.FollowUps[index]; fu != nil && fu.AnswerKey == answer {
		return fu, nil
	}

	decision, degraded := e.decide(ctx, sessionID, q, answer)

	fu := &model.FollowUp{
		AnswerKey: answer,
		Decision:  decision,
		Degraded:  degraded,
	}

	// Commit only if the answer has not moved underneath us. A single
	// respondent drives the session sequentially, so this is belt only.
	_, err = e.sessions.Update(sessionID, func(sess *model.Session) error {
		if strings.TrimSpace(sess.Answers[index].Response) != answer {
			return nil
		}
		sess.FollowUps[index] = fu
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fu, nil
}

// decide runs the external call under the configured timeout and degrades
// any failure to a skip decision.
func (e *Engine) decide(ctx context.Context, sessionID string, q model.Question, answer string) (model.FollowUpDecision, bool) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	decision, err := e.decider.DecideFollowUp(ctx, q.Text, answer)
	if err == nil && decision.Kind == model.DecisionAsk && strings.TrimSpace(decision.Question) == "" {
		err = fmt.Errorf("decision asks a follow-up but provides no question")
	}
	if err != nil {
		slog.Warn("follow-up decision failed, continuing without follow-up",
			"session_id", sessionID, "question_index", q.Index, "error", err)
		if e.OnDecisionFailure != nil {
			e.OnDecisionFailure(sessionID, q.Index, err)
		}
		return model.FollowUpDecision{Kind: model.DecisionSkip, Rationale: "decision unavailable"}, true
	}
	return decision, false
}

// RecordResponse stores the respondent's reply to a pending follow-up.
func (e *Engine) RecordResponse(sessionID string, index int, text string) (*model.Session, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("follow-up response cannot be empty")
	}
	return e.sessions.Update(sessionID, func(sess *model.Session) error {
		if sess.Terminal() {
			return flow.ErrSessionCompleted
		}
		fu := sess.FollowUps[index]
		if !fu.ShouldAsk() || fu.Answered() {
			return ErrNoFollowUpPending
		}
		fu.Response = text
		return nil
	})
}
