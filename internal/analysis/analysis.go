// Package analysis reconstructs read-only survey snapshots from stored
// records and answers natural-language queries about them through a
// language model.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"github.com/avolkov/voxsurvey/internal/model"
)

// BuildSnapshot joins immutable question metadata with a result record.
// Every question appears in the snapshot, answered or not; rec may be nil
// when nothing has been persisted yet. The record is never mutated.
func BuildSnapshot(survey *model.Survey, rec *model.SurveyResultRecord) model.SurveyAnalysisSnapshot {
	snap := model.SurveyAnalysisSnapshot{
		SurveyID:       survey.ID,
		Title:          survey.Title,
		Questions:      make([]model.QuestionInsight, 0, len(survey.Questions)),
		TotalQuestions: len(survey.Questions),
	}

	for _, q := range survey.Questions {
		insight := model.QuestionInsight{
			Index:      q.Index,
			Question:   q.Text,
			AnswerKind: q.Kind,
			Choices:    append([]string(nil), q.Choices...),
		}
		if rec != nil {
			if r, ok := rec.Responses[q.Index]; ok {
				insight.Response = cleanStr(r)
			}
			if fu, ok := rec.FollowUps[q.Index]; ok && fu.ShouldAsk {
				insight.FollowUpQuestion = cleanStr(fu.Question)
			}
			if r, ok := rec.FollowUpResponses[q.Index]; ok {
				insight.FollowUpResponse = cleanStr(r)
			}
		}
		if insight.HasResponse() {
			snap.AnsweredCount++
		}
		snap.Questions = append(snap.Questions, insight)
	}
	return snap
}

func cleanStr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Answerer is the language-model analysis capability.
type Answerer interface {
	Answer(ctx context.Context, prompt string) (string, error)
}

// Agent answers free-text queries grounded in a survey snapshot.
type Agent struct {
	llm Answerer
}

// NewAgent creates an analysis agent over the given model.
func NewAgent(llm Answerer) *Agent {
	return &Agent{llm: llm}
}

// AnswerQuery returns a grounded textual answer for the query. Empty
// surveys and surveys without responses get a fixed message instead of a
// model call.
func (a *Agent) AnswerQuery(ctx context.Context, snap model.SurveyAnalysisSnapshot, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query must be a non-empty string")
	}
	if snap.TotalQuestions == 0 {
		return "No survey questions are available to analyse.", nil
	}
	if snap.AnsweredCount == 0 {
		return "No responses have been recorded for this survey yet.", nil
	}

	answer, err := a.llm.Answer(ctx, buildAnalysisPrompt(query, snap))
	if err != nil {
		return "", fmt.Errorf("analysis answer: %w", err)
	}
	if answer == "" {
		return "I couldn't find relevant information to answer that question.", nil
	}
	return answer, nil
}

func buildAnalysisPrompt(query string, snap model.SurveyAnalysisSnapshot) string {
	var sections []string
	for _, q := range snap.Questions {
		if q.HasResponse() || q.HasFollowUpResponse() {
			sections = append(sections, formatQuestionSection(q))
		}
	}
	context := "No answered questions."
	if len(sections) > 0 {
		context = strings.Join(sections, "\n\n")
	}

	var sb strings.Builder
	sb.WriteString("You are a survey analysis assistant. You will receive a collection of survey questions\n")
	sb.WriteString("along with the participant's primary answers and optional follow-up discussions.\n")
	sb.WriteString("Use only this information to answer the user's question. Do not invent data and make clear\n")
	sb.WriteString("when the available responses are insufficient.\n\n")
	sb.WriteString("Survey overview:\n")
	sb.WriteString(fmt.Sprintf("  - Survey id: %s\n", snap.SurveyID))
	sb.WriteString(fmt.Sprintf("  - Answered questions: %d / %d\n\n", snap.AnsweredCount, snap.TotalQuestions))
	sb.WriteString("Survey responses:\n")
	sb.WriteString(context + "\n\n")
	sb.WriteString("User question: " + query + "\n\n")
	sb.WriteString("The format of the answer should be structured in bullet points and concise.")
	return sb.String()
}

func formatQuestionSection(q model.QuestionInsight) string {
	lines := []string{
		fmt.Sprintf("Question %d: %s", q.Index+1, q.Question),
	}
	if q.Response != nil {
		lines = append(lines, "Primary answer: "+*q.Response)
	} else {
		lines = append(lines, "Primary answer: No response provided.")
	}
	if q.FollowUpQuestion != nil {
		lines = append(lines, "Follow-up question: "+*q.FollowUpQuestion)
		if q.FollowUpResponse != nil {
			lines = append(lines, "Follow-up answer: "+*q.FollowUpResponse)
		} else {
			lines = append(lines, "Follow-up answer: Not provided.")
		}
	}
	return strings.Join(lines, "\n")
}
