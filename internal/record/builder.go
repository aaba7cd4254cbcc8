// Package record projects sessions into durable survey result records.
package record

import (
	"github.com/avolkov/voxsurvey/internal/model"
)

// Build produces the durable record for a session. It is pure and
// deterministic: only answered questions, follow-ups that ask, and
// present follow-up responses are copied, keyed by question index so
// partial and final saves share one shape.
func Build(sess *model.Session, surveyID string) model.SurveyResultRecord {
	rec := model.SurveyResultRecord{
		SurveyID:          surveyID,
		Responses:         make(map[int]string),
		FollowUps:         make(map[int]model.RecordFollowUp),
		FollowUpResponses: make(map[int]string),
	}

	for i, a := range sess.Answers {
		if a.Answered() {
			rec.Responses[i] = a.Response
		}
	}
	for i, fu := range sess.FollowUps {
		if !fu.ShouldAsk() {
			continue
		}
		rec.FollowUps[i] = model.RecordFollowUp{
			ShouldAsk: true,
			Question:  fu.Decision.Question,
			Rationale: fu.Decision.Rationale,
		}
		if fu.Answered() {
			rec.FollowUpResponses[i] = fu.Response
		}
	}
	return rec
}
