package followup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avolkov/voxsurvey/internal/flow"
	"github.com/avolkov/voxsurvey/internal/model"
	"github.com/avolkov/voxsurvey/internal/session"
)

type fakeDecider struct {
	calls    int
	decision model.FollowUpDecision
	err      error
}

func (f *fakeDecider) DecideFollowUp(_ context.Context, _, _ string) (model.FollowUpDecision, error) {
	f.calls++
	return f.decision, f.err
}

func testQuestions() []model.Question {
	return []model.Question{
		{Index: 0, Text: "How is the pace?", Kind: model.KindFreeText},
		{Index: 1, Text: "Pick one", Kind: model.KindCategorical, Choices: []string{"A", "B"}},
	}
}

func newTestEngine(t *testing.T, d Decider) (*Engine, *session.Manager, *model.Session) {
	t.Helper()
	sessions := session.NewManager()
	sess := sessions.Create("s", testQuestions())
	return NewEngine(testQuestions(), sessions, d, time.Second), sessions, sess
}

func setAnswer(t *testing.T, sessions *session.Manager, id string, index int, text string) {
	t.Helper()
	_, err := sessions.Update(id, func(s *model.Session) error {
		s.Answers[index].Response = text
		return nil
	})
	if err != nil {
		t.Fatalf("setAnswer: %v", err)
	}
}

func TestEnsureFollowUpMemoizesByContent(t *testing.T) {
	d := &fakeDecider{decision: model.FollowUpDecision{
		Kind:     model.DecisionAsk,
		Question: "What about pacing stands out?",
	}}
	e, sessions, sess := newTestEngine(t, d)
	setAnswer(t, sessions, sess.ID, 0, "I love the pace")

	fu, err := e.EnsureFollowUp(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatalf("EnsureFollowUp: %v", err)
	}
	if !fu.ShouldAsk() {
		t.Fatal("expected an ask decision")
	}
	if fu.Decision.Question != "What about pacing stands out?" {
		t.Errorf("unexpected follow-up question %q", fu.Decision.Question)
	}
	if d.calls != 1 {
		t.Fatalf("expected 1 decider call, got %d", d.calls)
	}

	// Identical answer: no new external call.
	if _, err := e.EnsureFollowUp(context.Background(), sess.ID, 0); err != nil {
		t.Fatalf("EnsureFollowUp again: %v", err)
	}
	if d.calls != 1 {
		t.Errorf("idempotent ensure made %d calls", d.calls)
	}

	// Changed answer content: a stale follow-up is detected by content,
	// not presence, and the decision is regenerated.
	setAnswer(t, sessions, sess.ID, 0, "It's fine")
	fu, err = e.EnsureFollowUp(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatalf("EnsureFollowUp after change: %v", err)
	}
	if d.calls != 2 {
		t.Errorf("expected regeneration call, got %d calls", d.calls)
	}
	if fu.AnswerKey != "It's fine" {
		t.Errorf("follow-up keyed to %q", fu.AnswerKey)
	}
}

func TestEnsureFollowUpNoOps(t *testing.T) {
	d := &fakeDecider{decision: model.FollowUpDecision{Kind: model.DecisionSkip}}
	e, sessions, sess := newTestEngine(t, d)

	// Blank answer.
	fu, err := e.EnsureFollowUp(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatalf("EnsureFollowUp: %v", err)
	}
	if fu != nil {
		t.Error("expected nil follow-up for blank answer")
	}

	// Categorical question.
	setAnswer(t, sessions, sess.ID, 1, "A")
	fu, err = e.EnsureFollowUp(context.Background(), sess.ID, 1)
	if err != nil {
		t.Fatalf("EnsureFollowUp: %v", err)
	}
	if fu != nil {
		t.Error("expected nil follow-up for categorical question")
	}

	if d.calls != 0 {
		t.Errorf("no-op paths made %d decider calls", d.calls)
	}
}

func TestEnsureFollowUpDegradesOnFailure(t *testing.T) {
	d := &fakeDecider{err: errors.New("model timeout")}
	e, sessions, sess := newTestEngine(t, d)

	var failedIndex = -1
	e.OnDecisionFailure = func(_ string, index int, _ error) { failedIndex = index }

	setAnswer(t, sessions, sess.ID, 0, "hard to say")
	fu, err := e.EnsureFollowUp(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatalf("EnsureFollowUp must not fail on decider errors: %v", err)
	}
	if fu.ShouldAsk() {
		t.Error("degraded decision should not ask")
	}
	if !fu.Degraded {
		t.Error("expected degraded flag")
	}
	if failedIndex != 0 {
		t.Errorf("failure signal carried index %d", failedIndex)
	}

	// The degraded decision is cached like any other.
	if _, err := e.EnsureFollowUp(context.Background(), sess.ID, 0); err != nil {
		t.Fatalf("EnsureFollowUp: %v", err)
	}
	if d.calls != 1 {
		t.Errorf("degraded decision was not memoized: %d calls", d.calls)
	}
}

func TestEnsureFollowUpDegradesOnMalformedDecision(t *testing.T) {
	// An ask decision without a question violates the decider contract.
	d := &fakeDecider{decision: model.FollowUpDecision{Kind: model.DecisionAsk}}
	e, sessions, sess := newTestEngine(t, d)

	setAnswer(t, sessions, sess.ID, 0, "something")
	fu, err := e.EnsureFollowUp(context.Background(), sess.ID, 0)
	if err != nil {
		t.Fatalf("EnsureFollowUp: %v", err)
	}
	if fu.ShouldAsk() || !fu.Degraded {
		t.Error("malformed decision should degrade to a non-asking follow-up")
	}
}

func TestRecordResponse(t *testing.T) {
	d := &fakeDecider{decision: model.FollowUpDecision{
		Kind:     model.DecisionAsk,
		Question: "why?",
	}}
	e, sessions, sess := newTestEngine(t, d)

	// Nothing pending yet.
	if _, err := e.RecordResponse(sess.ID, 0, "eager"); !errors.Is(err, ErrNoFollowUpPending) {
		t.Fatalf("expected ErrNoFollowUpPending, got %v", err)
	}

	setAnswer(t, sessions, sess.ID, 0, "I love the pace")
	if _, err := e.EnsureFollowUp(context.Background(), sess.ID, 0); err != nil {
		t.Fatalf("EnsureFollowUp: %v", err)
	}

	got, err := e.RecordResponse(sess.ID, 0, "  the 1:1s  ")
	if err != nil {
		t.Fatalf("RecordResponse: %v", err)
	}
	if got.FollowUps[0].Response != "the 1:1s" {
		t.Errorf("expected trimmed response, got %q", got.FollowUps[0].Response)
	}

	// A second response is rejected.
	if _, err := e.RecordResponse(sess.ID, 0, "more"); !errors.Is(err, ErrNoFollowUpPending) {
		t.Errorf("expected ErrNoFollowUpPending for double response, got %v", err)
	}

	// Empty responses are rejected.
	if _, err := e.RecordResponse(sess.ID, 0, "   "); err == nil {
		t.Error("expected error for empty response")
	}
}

func TestCompletedSessionIsFrozen(t *testing.T) {
	d := &fakeDecider{decision: model.FollowUpDecision{
		Kind:     model.DecisionAsk,
		Question: "why?",
	}}
	e, sessions, sess := newTestEngine(t, d)

	setAnswer(t, sessions, sess.ID, 0, "I love the pace")
	if _, err := e.EnsureFollowUp(context.Background(), sess.ID, 0); err != nil {
		t.Fatalf("EnsureFollowUp: %v", err)
	}

	// Complete the session while the follow-up at index 0 is still pending.
	_, err := sessions.Update(sess.ID, func(s *model.Session) error {
		s.Status = model.StatusCompleted
		s.CurrentIndex = len(s.Answers)
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := e.RecordResponse(sess.ID, 0, "too late"); !errors.Is(err, flow.ErrSessionCompleted) {
		t.Fatalf("expected ErrSessionCompleted, got %v", err)
	}
	got, _ := sessions.Snapshot(sess.ID)
	if got.FollowUps[0].Response != "" {
		t.Errorf("completed session was mutated: %q", got.FollowUps[0].Response)
	}

	if _, err := e.EnsureFollowUp(context.Background(), sess.ID, 0); !errors.Is(err, flow.ErrSessionCompleted) {
		t.Errorf("expected ErrSessionCompleted from EnsureFollowUp, got %v", err)
	}
}

func TestRecordResponseOnSkipDecision(t *testing.T) {
	d := &fakeDecider{decision: model.FollowUpDecision{Kind: model.DecisionSkip}}
	e, sessions, sess := newTestEngine(t, d)

	setAnswer(t, sessions, sess.ID, 0, "all good")
	if _, err := e.EnsureFollowUp(context.Background(), sess.ID, 0); err != nil {
		t.Fatalf("EnsureFollowUp: %v", err)
	}
	if _, err := e.RecordResponse(sess.ID, 0, "but wait"); !errors.Is(err, ErrNoFollowUpPending) {
		t.Errorf("expected ErrNoFollowUpPending for skip decision, got %v", err)
	}
}
