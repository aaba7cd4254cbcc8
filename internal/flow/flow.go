// Package flow implements the question flow state machine: states are
// question indices 0..N plus the terminal state at N, transitions are
// Advance and Retreat, and advancement is gated on follow-up completion.
package flow

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/avolkov/voxsurvey/internal/model"
	"github.com/avolkov/voxsurvey/internal/session"
)

var (
	// ErrInvalidAnswer means the answer does not match the question's
	// declared kind or choices. The session is left unchanged.
	ErrInvalidAnswer = errors.New("answer does not match question definition")
	// ErrIncompleteFollowUp blocks advancement while a follow-up question
	// is awaiting its response.
	ErrIncompleteFollowUp = errors.New("follow-up response still pending")
	// ErrUnansweredQuestions blocks completion while questions remain
	// unanswered and the survey requires all answers.
	ErrUnansweredQuestions = errors.New("survey has unanswered questions")
	// ErrSessionCompleted rejects mutations of a frozen session.
	ErrSessionCompleted = errors.New("session already completed")
	// ErrQuestionIndex means the question index is out of range.
	ErrQuestionIndex = errors.New("question index out of range")
)

// Controller steps a session through the ordered question list.
type Controller struct {
	questions []model.Question
	sessions  *session.Manager
	cfg       model.SurveyConfig

	// onAnswerChanged fires when stored answer content changes at an
	// index, so narration caches downstream can be invalidated.
	onAnswerChanged func(index int)
}

// New creates a flow controller over the survey's question list.
func New(questions []model.Question, sessions *session.Manager, cfg model.SurveyConfig) *Controller {
	return &Controller{questions: questions, sessions: sessions, cfg: cfg}
}

// OnAnswerChanged registers the cache invalidation hook.
func (c *Controller) OnAnswerChanged(fn func(index int)) {
	c.onAnswerChanged = fn
}

// Start creates a fresh session at question 0.
func (c *Controller) Start() *model.Session {
	sess := c.sessions.Create(c.cfg.SurveyID, c.questions)
	slog.Info("session started", "session_id", sess.ID, "survey_id", sess.SurveyID, "questions", len(c.questions))
	return sess
}

// Advance moves the session forward one question. Advancing past the last
// question marks the session terminal, subject to completion gating.
func (c *Controller) Advance(id string) (*model.Session, error) {
	return c.sessions.Update(id, func(sess *model.Session) error {
		if sess.Terminal() {
			return ErrSessionCompleted
		}
		if err := c.gateFollowUp(sess, sess.CurrentIndex); err != nil {
			return err
		}
		if sess.CurrentIndex+1 >= len(c.questions) {
			return c.complete(sess)
		}
		sess.CurrentIndex++
		return nil
	})
}

// Retreat moves the session back one question, floor zero. Retreating
// from the terminal state reopens the session.
func (c *Controller) Retreat(id string) (*model.Session, error) {
	return c.sessions.Update(id, func(sess *model.Session) error {
		if sess.CurrentIndex > 0 {
			sess.CurrentIndex--
		}
		if sess.Terminal() {
			sess.Status = model.StatusInProgress
		}
		return nil
	})
}

// Finish marks the session terminal from any index, applying the same
// gating as the final Advance.
func (c *Controller) Finish(id string) (*model.Session, error) {
	return c.sessions.Update(id, func(sess *model.Session) error {
		if sess.Terminal() {
			return nil
		}
		if err := c.gateFollowUp(sess, sess.CurrentIndex); err != nil {
			return err
		}
		return c.complete(sess)
	})
}

// SetAnswer validates and stores the answer at index. Changed content
// invalidates the follow-up keyed to the previous answer and fires the
// narration invalidation hook.
func (c *Controller) SetAnswer(id string, index int, response string) (*model.Session, error) {
	changed := false
	sess, err := c.sessions.Update(id, func(sess *model.Session) error {
		if sess.Terminal() {
			return ErrSessionCompleted
		}
		if index < 0 || index >= len(c.questions) {
			return fmt.Errorf("%w: %d", ErrQuestionIndex, index)
		}

		q := c.questions[index]
		if err := validateAnswer(q, response); err != nil {
			return err
		}

		prev := sess.Answers[index]
		sess.Answers[index] = model.Answer{Kind: q.Kind, Response: response}
		if strings.TrimSpace(prev.Response) == strings.TrimSpace(response) {
			return nil
		}
		changed = true

		// The decision was keyed to specific answer content; a different
		// answer makes it stale, response and all.
		if fu, ok := sess.FollowUps[index]; ok && fu.AnswerKey != strings.TrimSpace(response) {
			delete(sess.FollowUps, index)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed && c.onAnswerChanged != nil {
		c.onAnswerChanged(index)
	}
	return sess, nil
}

func (c *Controller) gateFollowUp(sess *model.Session, index int) error {
	if fu := sess.FollowUps[index]; fu.ShouldAsk() && !fu.Answered() {
		return ErrIncompleteFollowUp
	}
	return nil
}

func (c *Controller) complete(sess *model.Session) error {
	if c.cfg.RequireAllAnswered {
		for i, a := range sess.Answers {
			if !a.Answered() {
				return fmt.Errorf("%w: question %d", ErrUnansweredQuestions, i)
			}
		}
	}
	sess.CurrentIndex = len(c.questions)
	sess.Status = model.StatusCompleted
	slog.Info("session completed", "session_id", sess.ID, "survey_id", sess.SurveyID)
	return nil
}

func validateAnswer(q model.Question, response string) error {
	switch q.Kind {
	case model.KindFreeText:
		return nil
	case model.KindCategorical:
		if strings.TrimSpace(response) == "" {
			return nil
		}
		for _, choice := range q.Choices {
			if response == choice {
				return nil
			}
		}
		return fmt.Errorf("%w: %q is not a declared choice", ErrInvalidAnswer, response)
	default:
		return fmt.Errorf("%w: unknown answer kind %q", ErrInvalidAnswer, q.Kind)
	}
}
